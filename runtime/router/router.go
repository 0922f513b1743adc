// Package router ingests normalized webhook events and human slash-commands
// and drives the task state machine, the agent driver and the file lock
// registry. Precondition failures (no task, wrong state) are logged and
// skipped so webhook deliveries stay idempotent; only store and remote API
// failures propagate to the HTTP response.
package router

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/swarmlab/overseer/runtime/agent"
	"github.com/swarmlab/overseer/runtime/forge"
	"github.com/swarmlab/overseer/runtime/locks"
	"github.com/swarmlab/overseer/runtime/machine"
	"github.com/swarmlab/overseer/runtime/task"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

// Job actions carried on the work queue.
const (
	ActionPlan    = "plan"
	ActionExecute = "execute"
	ActionReview  = "review"
	ActionFix     = "fix"
	ActionPM      = "pm"
	ActionPlanner = "planner"
)

// DefaultTriggerLabels are the issue labels that opt an issue into the agent
// lifecycle when none are configured.
var DefaultTriggerLabels = []string{"agent-ok", "good-first-issue"}

// agentBranchRE matches the head branches the execution trigger creates. The
// digits are the issue number.
var agentBranchRE = regexp.MustCompile(`^agent/(\d+)`)

type (
	// Job is one unit of agent work placed on the queue by the router and
	// consumed by the dispatcher.
	Job struct {
		TaskID      string         `json:"task_id"`
		Repo        string         `json:"repo"`
		IssueNumber int            `json:"issue_number"`
		Action      string         `json:"action"`
		Context     map[string]any `json:"context,omitempty"`
	}

	// Enqueuer places jobs on the work queue.
	Enqueuer interface {
		Enqueue(ctx context.Context, job Job) error
	}

	// Router routes webhook events and slash-commands.
	Router struct {
		machine *machine.Machine
		driver  *agent.Driver
		locks   *locks.Registry
		forge   forge.Client
		queue   Enqueuer

		triggerLabels map[string]struct{}
		logger        telemetry.Logger
		metrics       telemetry.Metrics
	}

	// Option customizes a Router.
	Option func(*Router)
)

// WithTriggerLabels overrides the labels that opt issues into the lifecycle.
func WithTriggerLabels(labels []string) Option {
	return func(r *Router) {
		if len(labels) == 0 {
			return
		}
		r.triggerLabels = make(map[string]struct{}, len(labels))
		for _, l := range labels {
			r.triggerLabels[l] = struct{}{}
		}
	}
}

// WithLogger sets the logger for routing events.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for routing instrumentation.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Router) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// New creates a router over the given collaborators.
func New(m *machine.Machine, driver *agent.Driver, registry *locks.Registry, fc forge.Client, queue Enqueuer, opts ...Option) *Router {
	r := &Router{
		machine: m,
		driver:  driver,
		locks:   registry,
		forge:   fc,
		queue:   queue,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	WithTriggerLabels(DefaultTriggerLabels)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent routes one webhook delivery. Unknown kinds and precondition
// failures return nil; only store and remote API failures propagate so the
// gateway can answer 5xx and the platform retries.
func (r *Router) HandleEvent(ctx context.Context, kind string, payload []byte) error {
	r.metrics.IncCounter("router.events", 1, "kind", kind)
	switch kind {
	case KindIssues:
		return r.handleIssues(ctx, payload)
	case KindIssueComment:
		return r.handleComment(ctx, payload)
	case KindPullRequest:
		return r.handlePullRequest(ctx, payload)
	case KindCheckRun:
		// Reserved for a future CI agent.
		return nil
	default:
		r.logger.Debug(ctx, "ignoring unknown event kind", "kind", kind)
		return nil
	}
}

// handleIssues creates a task and enqueues planning when a qualifying label
// appears on an issue without one.
func (r *Router) handleIssues(ctx context.Context, payload []byte) error {
	ev, err := decode[issuesEvent](payload)
	if err != nil {
		r.logger.Warn(ctx, "malformed issues event", "err", err)
		return nil
	}
	if ev.Action != "opened" && ev.Action != "labeled" {
		return nil
	}
	if !r.hasTriggerLabel(ev.Issue.labelNames()) {
		r.logger.Debug(ctx, "issue lacks trigger label",
			"repo", ev.Repository.FullName, "issue", ev.Issue.Number)
		return nil
	}

	t, err := r.machine.CreateTask(ctx, ev.Repository.FullName, ev.Issue.Number, ev.Issue.Title)
	if errors.Is(err, machine.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.enqueue(ctx, t, ActionPlan, nil)
}

// handleComment extracts slash-commands and applies each against the task's
// then-current state, so multiple commands in one comment compose.
func (r *Router) handleComment(ctx context.Context, payload []byte) error {
	ev, err := decode[commentEvent](payload)
	if err != nil {
		r.logger.Warn(ctx, "malformed comment event", "err", err)
		return nil
	}
	if ev.Action != "created" {
		return nil
	}
	for _, cmd := range ParseCommands(ev.Comment.Body) {
		r.metrics.IncCounter("router.commands", 1, "verb", cmd.Verb)
		if err := r.dispatchCommand(ctx, ev, cmd); err != nil {
			return err
		}
	}
	return nil
}

// handlePullRequest closes out tasks whose agent branch was merged or
// discarded.
func (r *Router) handlePullRequest(ctx context.Context, payload []byte) error {
	ev, err := decode[pullRequestEvent](payload)
	if err != nil {
		r.logger.Warn(ctx, "malformed pull_request event", "err", err)
		return nil
	}
	m := agentBranchRE.FindStringSubmatch(ev.PullRequest.Head.Ref)
	if m == nil || ev.Action != "closed" {
		return nil
	}
	issueNumber, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	target := task.StateArchived
	if ev.PullRequest.Merged {
		target = task.StateCompleted
	}
	_, err = r.machine.Transition(ctx, machine.TaskID(issueNumber), target, nil)
	if r.skippable(err) {
		r.logger.Info(ctx, "pull_request close not applicable",
			"repo", ev.Repository.FullName, "branch", ev.PullRequest.Head.Ref, "err", err)
		return nil
	}
	return err
}

// dispatchCommand applies one slash-command. Wrong-state and missing-task
// preconditions log and return nil without recording a decision.
func (r *Router) dispatchCommand(ctx context.Context, ev commentEvent, cmd Command) error {
	human := ev.Comment.User.Login

	switch cmd.Verb {
	case CmdApprove:
		// The approved state is accepted too so a replayed delivery records
		// its decision; the transition is then a no-op and the execute job is
		// state-gated downstream.
		return r.stateCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePlanReview, task.StateApproved}, task.DecisionPlanApproval,
			task.StateApproved, ActionExecute)

	case CmdAgentReview:
		return r.stateCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePROpen}, task.DecisionPRReviewDelegation,
			task.StatePRAgentReview, ActionReview)

	case CmdAgentFix:
		return r.stateCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePROpen}, task.DecisionPRFixDelegation,
			task.StatePRAgentFix, ActionFix)

	case CmdAgentPlan:
		t, err := r.getOrCreateTask(ctx, ev)
		if err != nil {
			return err
		}
		if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPlannerRequested, human, cmd.Verb, cmd.Args, nil); err != nil {
			return err
		}
		return r.enqueue(ctx, t, ActionPlanner, nil)

	case CmdApprovePlan:
		t, ok, err := r.resolveTask(ctx, ev, cmd)
		if !ok || err != nil {
			return err
		}
		_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionPlannerApproval, human, cmd.Verb, cmd.Args, nil)
		return err

	case CmdAgentStop:
		t, ok, err := r.resolveTask(ctx, ev, cmd)
		if !ok || err != nil {
			return err
		}
		if t.State.Terminal() {
			r.logger.Info(ctx, "command skipped: task terminal",
				"verb", cmd.Verb, "task_id", t.ID, "state", t.State.String())
			return nil
		}
		if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionAgentStop, human, cmd.Verb, cmd.Args, nil); err != nil {
			return err
		}
		if cancels := r.driver.Cancels(); cancels != nil {
			if err := cancels.Set(ctx, t.ID); err != nil {
				return err
			}
		}
		return nil

	case CmdAgentPM:
		mode := cmd.Args
		switch mode {
		case "":
			mode = "vision"
		case "vision", "backlog", "feature":
		default:
			r.logger.Info(ctx, "command skipped: unknown pm mode", "mode", mode)
			return nil
		}
		t, err := r.getOrCreateTask(ctx, ev)
		if err != nil {
			return err
		}
		if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPMInvoked, human, cmd.Verb, "", map[string]any{"mode": mode}); err != nil {
			return err
		}
		if t.State == task.StateQueued {
			if _, err := r.machine.Transition(ctx, t.ID, task.StatePMVision, nil); err != nil && !r.skippable(err) {
				return err
			}
		}
		return r.enqueue(ctx, t, ActionPM, map[string]any{"mode": mode})

	case CmdApproveVision:
		return r.stateCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePMVisionReview}, task.DecisionVisionApproval,
			task.StatePMBacklog, "")

	case CmdRefineFeature:
		return r.decisionCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePMFeatureReview}, task.DecisionFeatureFeedback, nil)

	case CmdApproveFeature:
		return r.decisionCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePMFeatureReview}, task.DecisionFeatureApproval, nil)

	case CmdAddFeature:
		return r.decisionCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePMBacklog, task.StatePMFeatureReview}, task.DecisionFeatureAdded, nil)

	case CmdPrioritize:
		fields := cmd.Fields()
		if len(fields) != 2 {
			r.logger.Info(ctx, "command skipped: malformed prioritize", "args", cmd.Args)
			return nil
		}
		return r.decisionCommand(ctx, ev, cmd, human,
			[]task.State{task.StatePMBacklog, task.StatePMFeatureReview}, task.DecisionPrioritization,
			map[string]any{"feature_id": fields[0], "priority": fields[1]})

	case CmdHandoff:
		if cmd.Args == "" {
			r.logger.Info(ctx, "command skipped: handoff needs a feature id")
			return nil
		}
		t, ok, err := r.resolveTask(ctx, ev, cmd)
		if !ok || err != nil {
			return err
		}
		if t.State != task.StatePMFeatureReview {
			r.logCommandSkipped(ctx, cmd.Verb, t)
			return nil
		}
		if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPMHandoff, human, cmd.Verb, "", map[string]any{"feature_id": cmd.Args}); err != nil {
			return err
		}
		if _, err := r.machine.Transition(ctx, t.ID, task.StatePMHandoffPlanner, nil); err != nil {
			return r.skipOrFail(ctx, cmd.Verb, err)
		}
		if _, err := r.machine.Transition(ctx, t.ID, task.StatePlanning, nil); err != nil {
			return r.skipOrFail(ctx, cmd.Verb, err)
		}
		return r.enqueue(ctx, t, ActionPlan, map[string]any{"feature_id": cmd.Args})

	default:
		return nil
	}
}

// stateCommand implements the record-decision-then-transition commands. The
// decision comment is the command's argument text; an empty enqueue action
// means no follow-up job.
func (r *Router) stateCommand(ctx context.Context, ev commentEvent, cmd Command, human string, states []task.State, decisionType string, to task.State, enqueueAction string) error {
	t, ok, err := r.resolveTask(ctx, ev, cmd)
	if !ok || err != nil {
		return err
	}
	if !stateIn(t.State, states) {
		r.logCommandSkipped(ctx, cmd.Verb, t)
		return nil
	}
	if _, err := r.machine.RecordDecision(ctx, t.ID, decisionType, human, cmd.Verb, cmd.Args, nil); err != nil {
		return err
	}
	if _, err := r.machine.Transition(ctx, t.ID, to, nil); err != nil {
		return r.skipOrFail(ctx, cmd.Verb, err)
	}
	if enqueueAction == "" {
		return nil
	}
	return r.enqueue(ctx, t, enqueueAction, nil)
}

// decisionCommand implements the record-only commands gated on state.
func (r *Router) decisionCommand(ctx context.Context, ev commentEvent, cmd Command, human string, states []task.State, decisionType string, metadata map[string]any) error {
	t, ok, err := r.resolveTask(ctx, ev, cmd)
	if !ok || err != nil {
		return err
	}
	if !stateIn(t.State, states) {
		r.logCommandSkipped(ctx, cmd.Verb, t)
		return nil
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, decisionType, human, cmd.Verb, cmd.Args, metadata)
	return err
}

// resolveTask loads the task for the comment's issue. A missing task is a
// skipped precondition, not an error.
func (r *Router) resolveTask(ctx context.Context, ev commentEvent, cmd Command) (*task.Task, bool, error) {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repository.FullName, ev.Issue.Number)
	if errors.Is(err, task.ErrNotFound) {
		r.logger.Info(ctx, "command skipped: no task",
			"verb", cmd.Verb, "repo", ev.Repository.FullName, "issue", ev.Issue.Number)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// getOrCreateTask resolves the comment's task, creating one in the queued
// state when absent.
func (r *Router) getOrCreateTask(ctx context.Context, ev commentEvent) (*task.Task, error) {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repository.FullName, ev.Issue.Number)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}
	t, err = r.machine.CreateTask(ctx, ev.Repository.FullName, ev.Issue.Number, ev.Issue.Title)
	if errors.Is(err, machine.ErrDuplicateTask) {
		// Lost a race with a concurrent delivery; the task exists now.
		return r.machine.GetTaskForIssue(ctx, ev.Repository.FullName, ev.Issue.Number)
	}
	return t, err
}

func (r *Router) enqueue(ctx context.Context, t *task.Task, action string, jobCtx map[string]any) error {
	return r.queue.Enqueue(ctx, Job{
		TaskID:      t.ID,
		Repo:        t.Repo,
		IssueNumber: t.IssueNumber,
		Action:      action,
		Context:     jobCtx,
	})
}

func (r *Router) hasTriggerLabel(labels []string) bool {
	for _, l := range labels {
		if _, ok := r.triggerLabels[l]; ok {
			return true
		}
	}
	return false
}

// skippable reports whether err is a precondition failure the webhook policy
// logs and swallows rather than surfacing.
func (r *Router) skippable(err error) bool {
	return err != nil && (errors.Is(err, task.ErrNotFound) ||
		errors.Is(err, machine.ErrInvalidTransition) ||
		errors.Is(err, machine.ErrDuplicateTask))
}

func (r *Router) skipOrFail(ctx context.Context, verb string, err error) error {
	if r.skippable(err) {
		r.logger.Info(ctx, "command transition skipped", "verb", verb, "err", err)
		return nil
	}
	return err
}

func (r *Router) logCommandSkipped(ctx context.Context, verb string, t *task.Task) {
	r.logger.Info(ctx, "command skipped: wrong state",
		"verb", verb, "task_id", t.ID, "state", t.State.String())
	r.metrics.IncCounter("router.commands_skipped", 1, "verb", verb)
}

func stateIn(s task.State, states []task.State) bool {
	for _, cand := range states {
		if s == cand {
			return true
		}
	}
	return false
}
