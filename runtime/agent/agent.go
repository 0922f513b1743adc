// Package agent provides the uniform invocation contract over the agent
// variants (planner, worker, reviewer, fixer, product manager) and the driver
// that dispatches work to them. The driver owns model selection, the
// concurrency ceiling, per-invocation identifiers, cost accounting and
// cooperative cancellation; the variants own their prompts.
package agent

import (
	"context"
	"errors"

	"github.com/swarmlab/overseer/runtime/task"
)

// ErrCancelled is returned by an agent that observed its task's soft-cancel
// flag at a suspension point and aborted.
var ErrCancelled = errors.New("agent cancelled")

// Agent type tags. The set is closed; the driver rejects unknown types.
const (
	TypePlanner        = "planner"
	TypeWorker         = "worker"
	TypeReviewer       = "reviewer"
	TypeFixer          = "fixer"
	TypeProductManager = "product-manager"
)

type (
	// Agent executes one unit of agent work against a task snapshot. The
	// context map carries an "action" discriminator plus agent-specific
	// keys. Implementations must be safe for concurrent use.
	Agent interface {
		// Type returns the agent's type tag.
		Type() string
		// Execute runs the agent. A nil error with Success false means the
		// agent completed but the work failed; a non-nil error means the
		// invocation itself broke (provider outage, cancellation).
		Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error)
	}

	// Result is the structured outcome of one agent invocation.
	Result struct {
		Success bool `json:"success"`
		// Output holds agent-specific payloads (plan documents, review
		// verdicts, diffs). The core treats them as opaque except where a
		// schema is registered for validation.
		Output map[string]any `json:"output"`
		Error  string         `json:"error,omitempty"`
		// TokensUsed accounts tokens per model identifier.
		TokensUsed map[string]task.TokenCount `json:"tokens_used"`
	}

	// CancelFlags is the soft-cancel signal shared across processes.
	// Setting a task's flag asks its in-flight agents to abort at their
	// next suspension point.
	CancelFlags interface {
		Set(ctx context.Context, taskID string) error
		Clear(ctx context.Context, taskID string) error
		Cancelled(taskID string) bool
	}
)

// Cancelled reports whether the flag for taskID is set. A nil CancelFlags
// never cancels.
func Cancelled(flags CancelFlags, taskID string) bool {
	return flags != nil && flags.Cancelled(taskID)
}
