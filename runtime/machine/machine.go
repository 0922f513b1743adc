// Package machine implements the task state machine: it validates lifecycle
// transitions, stamps timeline fields, appends plan versions and decisions,
// and moves terminal tasks between the active and archived sets. All task
// mutation in the orchestrator flows through this package.
//
// Every read-modify-write holds a per-task lease in the persistence store so
// concurrent webhook deliveries for the same task serialize instead of losing
// updates. The store does not offer transactional read-modify-write on the
// task value; the lease is what makes the append-only histories safe.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/swarmlab/overseer/runtime/store"
	"github.com/swarmlab/overseer/runtime/task"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

var (
	// ErrDuplicateTask is returned by CreateTask when a task already exists
	// for the (repo, issue) pair.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrInvalidTransition is returned when the requested state change is
	// not permitted by the transition table. The task is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
)

type (
	// Machine drives task lifecycle state. It is safe for concurrent use;
	// per-task serialization happens through store-backed leases.
	Machine struct {
		tasks    *task.Store
		kv       store.KV
		leaseTTL time.Duration
		now      func() time.Time
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Metadata carries the optional side-effects of a transition.
	Metadata struct {
		// Plan, when non-nil, is appended to the task's plan history and the
		// version cursor advanced.
		Plan task.PlanVersion
		// PRNumber and Branch are set on the task when non-zero.
		PRNumber int
		Branch   string
		// Error records a failure: last_error is set and retry_count bumped.
		Error string
	}

	// Option customizes a Machine.
	Option func(*Machine)
)

// DefaultLeaseTTL bounds how long a crashed operation can hold a task lease.
const DefaultLeaseTTL = 30 * time.Second

// WithLeaseTTL overrides the per-task lease lifetime.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.leaseTTL = ttl
		}
	}
}

// WithClock overrides the time source. Tests use it to make timeline stamps
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger for transition events.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for transition instrumentation.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Machine) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// New creates a state machine over the given persistence backend.
func New(kv store.KV, opts ...Option) *Machine {
	m := &Machine{
		tasks:    task.NewStore(kv),
		kv:       kv,
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TaskID returns the task identifier for an issue number. The format is
// private to the machine; callers resolve tasks through GetTaskForIssue.
func TaskID(issueNumber int) string {
	return fmt.Sprintf("issue-%d", issueNumber)
}

// CreateTask writes a new task in the queued state and adds it to the active
// set. Returns ErrDuplicateTask when a task already exists for the issue.
func (m *Machine) CreateTask(ctx context.Context, repo string, issueNumber int, title string) (*task.Task, error) {
	id := TaskID(issueNumber)
	var created *task.Task
	err := m.withLease(ctx, id, func(ctx context.Context) error {
		exists, err := m.tasks.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateTask, id, repo)
		}
		now := m.now().UTC()
		created = &task.Task{
			ID:           id,
			Repo:         repo,
			IssueNumber:  issueNumber,
			IssueTitle:   title,
			State:        task.StateQueued,
			CreatedAt:    now,
			UpdatedAt:    now,
			PlanVersions: []task.PlanVersion{},
			Decisions:    []task.Decision{},
			TokenUsage:   map[string]task.TokenCount{},
		}
		return m.tasks.Create(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "task created", "task_id", id, "repo", repo, "issue", issueNumber)
	m.metrics.IncCounter("machine.tasks_created", 1, "repo", repo)
	return created, nil
}

// GetTask loads a task by id. Returns task.ErrNotFound when absent.
func (m *Machine) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return m.tasks.Get(ctx, id)
}

// GetTaskForIssue loads the task tracking the given issue.
func (m *Machine) GetTaskForIssue(ctx context.Context, repo string, issueNumber int) (*task.Task, error) {
	t, err := m.tasks.Get(ctx, TaskID(issueNumber))
	if err != nil {
		return nil, err
	}
	if t.Repo != repo {
		return nil, fmt.Errorf("%w: issue %d in %s", task.ErrNotFound, issueNumber, repo)
	}
	return t, nil
}

// Transition moves a task to a new state, validating against the transition
// table, stamping timeline fields and applying metadata side-effects.
// Terminal transitions move set membership in the same batch as the task
// write. Requesting the state the task is already in is a no-op returning the
// task unchanged, which keeps webhook replays safe.
func (m *Machine) Transition(ctx context.Context, id string, to task.State, meta *Metadata) (*task.Task, error) {
	var out *task.Task
	err := m.withLease(ctx, id, func(ctx context.Context) error {
		t, err := m.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		if t.State == to {
			out = t
			return nil
		}
		if !t.State.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, t.State, to, id)
		}

		upd := t.Clone()
		from := upd.State
		now := m.now().UTC()
		upd.State = to
		upd.UpdatedAt = now
		stampTimeline(upd, to, now)
		applyMetadata(upd, meta, now)

		if to.Terminal() {
			if err := m.tasks.Archive(ctx, upd); err != nil {
				return err
			}
		} else if err := m.tasks.Update(ctx, upd); err != nil {
			return err
		}

		m.logger.Info(ctx, "task transitioned",
			"task_id", id, "from", from.String(), "to", to.String())
		m.metrics.IncCounter("machine.transitions", 1, "to", to.String())
		out = upd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordDecision appends a decision to the task's history and bumps
// updated_at. The task state is never changed.
func (m *Machine) RecordDecision(ctx context.Context, id, decisionType, human, action, comment string, metadata map[string]any) (*task.Task, error) {
	var out *task.Task
	err := m.withLease(ctx, id, func(ctx context.Context) error {
		t, err := m.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		upd := t.Clone()
		now := m.now().UTC()
		upd.Decisions = append(upd.Decisions, task.Decision{
			Timestamp: now,
			Type:      decisionType,
			Human:     human,
			Action:    action,
			Comment:   comment,
			Metadata:  metadata,
		})
		upd.UpdatedAt = now
		if err := m.tasks.Update(ctx, upd); err != nil {
			return err
		}
		out = upd
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "decision recorded",
		"task_id", id, "type", decisionType, "human", human)
	m.metrics.IncCounter("machine.decisions", 1, "type", decisionType)
	return out, nil
}

// RecordAgentRun books an agent invocation and its token usage onto the task.
// Cost accrues per model according to the pricing table; the error, when
// non-empty, sets last_error and bumps retry_count without changing state.
func (m *Machine) RecordAgentRun(ctx context.Context, id, agentID string, usage map[string]task.TokenCount, costUSD float64, agentErr string) (*task.Task, error) {
	var out *task.Task
	err := m.withLease(ctx, id, func(ctx context.Context) error {
		t, err := m.tasks.Get(ctx, id)
		if err != nil {
			return err
		}
		upd := t.Clone()
		upd.AgentIDs = append(upd.AgentIDs, agentID)
		upd.CurrentAgentID = agentID
		for model, tc := range usage {
			cur := upd.TokenUsage[model]
			cur.Input += tc.Input
			cur.Output += tc.Output
			upd.TokenUsage[model] = cur
		}
		upd.EstimatedCostUSD += costUSD
		if agentErr != "" {
			upd.LastError = agentErr
			upd.RetryCount++
		}
		upd.UpdatedAt = m.now().UTC()
		if err := m.tasks.Update(ctx, upd); err != nil {
			return err
		}
		out = upd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveTasks returns every non-terminal task, most recently updated
// first.
func (m *Machine) ListActiveTasks(ctx context.Context) ([]*task.Task, error) {
	return m.tasks.ListActive(ctx)
}

// ArchivedIDs returns the ids in the archived set.
func (m *Machine) ArchivedIDs(ctx context.Context) ([]string, error) {
	return m.tasks.ArchivedIDs(ctx)
}

// ActiveIDs returns the ids in the active set.
func (m *Machine) ActiveIDs(ctx context.Context) ([]string, error) {
	return m.tasks.ActiveIDs(ctx)
}

// stampTimeline sets the set-once timeline fields, first entry wins.
func stampTimeline(t *task.Task, to task.State, now time.Time) {
	switch {
	case to == task.StatePlanReview && t.FirstPlanAt == nil:
		t.FirstPlanAt = &now
	case to == task.StateApproved && t.ApprovedAt == nil:
		t.ApprovedAt = &now
	case to == task.StatePROpen && t.PROpenedAt == nil:
		t.PROpenedAt = &now
	case to.Terminal() && t.CompletedAt == nil:
		t.CompletedAt = &now
	}
}

// applyMetadata applies transition side-effects to the updated copy.
func applyMetadata(t *task.Task, meta *Metadata, now time.Time) {
	if meta == nil {
		return
	}
	if meta.Plan != nil {
		plan := make(task.PlanVersion, len(meta.Plan)+1)
		for k, v := range meta.Plan {
			plan[k] = v
		}
		if _, ok := plan["created_at"]; !ok {
			plan["created_at"] = now.Format(time.RFC3339)
		}
		t.PlanVersions = append(t.PlanVersions, plan)
		t.CurrentPlanVersion = len(t.PlanVersions)
	}
	if meta.PRNumber != 0 {
		t.PRNumber = meta.PRNumber
	}
	if meta.Branch != "" {
		t.Branch = meta.Branch
	}
	if meta.Error != "" {
		t.LastError = meta.Error
		t.RetryCount++
	}
}

// withLease runs fn while holding the per-task lease. Acquisition retries
// with capped exponential backoff for up to the lease TTL, so a competing
// operation finishing normally hands over quickly while a crashed holder
// delays at most one TTL.
func (m *Machine) withLease(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	key := "lease:" + id
	backoff := retry.WithMaxDuration(m.leaseTTL,
		retry.WithCappedDuration(500*time.Millisecond,
			retry.NewExponential(10*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := m.kv.SetNX(ctx, key, []byte("1"), m.leaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errors.New("task lease held"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("acquire lease for %s: %w", id, err)
	}
	defer func() {
		// Best effort; an unreleased lease expires with its TTL.
		_ = m.kv.Del(context.WithoutCancel(ctx), key)
	}()
	return fn(ctx)
}
