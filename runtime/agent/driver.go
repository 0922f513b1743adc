package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/swarmlab/overseer/runtime/task"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

type (
	// Driver dispatches work to the registered agent variants. It caps
	// simultaneous executions, assigns invocation ids, checks the
	// soft-cancel flag before running, selects the model and accounts
	// token cost. It is safe for concurrent use.
	Driver struct {
		agents    map[string]Agent
		models    Models
		sem       *semaphore.Weighted
		cancels   CancelFlags
		costAlert float64
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// Invocation reports one completed agent run.
	Invocation struct {
		ID     string
		Model  string
		Result *Result
		// CostUSD is the estimated cost of this run alone.
		CostUSD float64
	}

	// DriverOption customizes a Driver.
	DriverOption func(*Driver)
)

// DefaultMaxConcurrent caps simultaneous agent executions when no override is
// given.
const DefaultMaxConcurrent = 3

// WithMaxConcurrent overrides the concurrent execution ceiling.
func WithMaxConcurrent(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithCancelFlags sets the soft-cancel signal checked before each run.
func WithCancelFlags(flags CancelFlags) DriverOption {
	return func(d *Driver) { d.cancels = flags }
}

// WithCostAlertThreshold sets the cumulative task cost above which the driver
// logs an alert after each run.
func WithCostAlertThreshold(usd float64) DriverOption {
	return func(d *Driver) { d.costAlert = usd }
}

// WithLogger sets the logger for invocation events.
func WithLogger(logger telemetry.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder for invocation instrumentation.
func WithMetrics(metrics telemetry.Metrics) DriverOption {
	return func(d *Driver) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// NewDriver creates a driver over the given agent variants. Registering two
// agents with the same type tag is an error.
func NewDriver(models Models, agents []Agent, opts ...DriverOption) (*Driver, error) {
	d := &Driver{
		agents:  make(map[string]Agent, len(agents)),
		models:  models,
		sem:     semaphore.NewWeighted(DefaultMaxConcurrent),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, a := range agents {
		if _, dup := d.agents[a.Type()]; dup {
			return nil, fmt.Errorf("duplicate agent type %q", a.Type())
		}
		d.agents[a.Type()] = a
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Invoke runs the agent of the given type against a task snapshot. It blocks
// while the concurrency ceiling is reached, aborts early when the task's
// soft-cancel flag is set, selects the model per policy and injects it into
// the agent context under "model".
func (d *Driver) Invoke(ctx context.Context, agentType string, t *task.Task, agentCtx map[string]any) (*Invocation, error) {
	a, ok := d.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire agent slot: %w", err)
	}
	defer d.sem.Release(1)

	if Cancelled(d.cancels, t.ID) {
		return nil, fmt.Errorf("task %s: %w", t.ID, ErrCancelled)
	}

	inv := &Invocation{
		ID:    uuid.NewString(),
		Model: d.models.Select(agentCtx),
	}
	runCtx := map[string]any{"model": inv.Model, "agent_id": inv.ID}
	for k, v := range agentCtx {
		runCtx[k] = v
	}

	start := time.Now()
	res, err := a.Execute(ctx, t, runCtx)
	d.metrics.RecordTimer("agent.duration", time.Since(start), "agent", agentType)
	if err != nil {
		d.metrics.IncCounter("agent.runs", 1, "agent", agentType, "outcome", "error")
		if errors.Is(err, ErrCancelled) {
			d.logger.Info(ctx, "agent cancelled", "task_id", t.ID, "agent", agentType)
			return nil, err
		}
		return nil, fmt.Errorf("agent %s: %w", agentType, err)
	}

	inv.Result = res
	inv.CostUSD = d.models.Cost(res.TokensUsed)
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	d.metrics.IncCounter("agent.runs", 1, "agent", agentType, "outcome", outcome)
	for model, tc := range res.TokensUsed {
		d.metrics.IncCounter("agent.tokens", float64(tc.Input+tc.Output), "model", model)
	}
	d.logger.Info(ctx, "agent run finished",
		"task_id", t.ID, "agent", agentType, "agent_id", inv.ID,
		"model", inv.Model, "success", res.Success, "cost_usd", inv.CostUSD)

	if d.costAlert > 0 && t.EstimatedCostUSD+inv.CostUSD >= d.costAlert {
		d.logger.Warn(ctx, "task cost above alert threshold",
			"task_id", t.ID, "cost_usd", t.EstimatedCostUSD+inv.CostUSD,
			"threshold_usd", d.costAlert)
	}
	return inv, nil
}

// Cancels returns the driver's soft-cancel flags, nil when none configured.
func (d *Driver) Cancels() CancelFlags { return d.cancels }

// Models returns the driver's configured model tiers.
func (d *Driver) Models() Models { return d.models }
