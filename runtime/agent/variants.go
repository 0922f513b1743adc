package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmlab/overseer/runtime/model"
	"github.com/swarmlab/overseer/runtime/task"
)

// defaultMaxTokens caps completions when the agent context does not override.
const defaultMaxTokens = 4096

type (
	// llmAgent is the shared base of the model-backed variants. It owns the
	// completion call and the cooperative cancellation check around it.
	llmAgent struct {
		client  model.Client
		cancels CancelFlags
	}

	// Planner breaks large issues into sub-issue plans.
	Planner struct{ llmAgent }

	// Worker produces implementation plans and performs implementations.
	Worker struct{ llmAgent }

	// Reviewer reviews open pull requests and produces a verdict.
	Reviewer struct{ llmAgent }

	// Fixer analyzes failed executions and proposes recovery steps.
	Fixer struct{ llmAgent }

	// ProductManager produces vision, backlog and feature documents. The
	// markdown templating lives outside the core; the agent returns the
	// generated document as opaque output.
	ProductManager struct{ llmAgent }
)

// NewPlanner creates the planner variant.
func NewPlanner(client model.Client, cancels CancelFlags) *Planner {
	return &Planner{llmAgent{client: client, cancels: cancels}}
}

// NewWorker creates the worker variant.
func NewWorker(client model.Client, cancels CancelFlags) *Worker {
	return &Worker{llmAgent{client: client, cancels: cancels}}
}

// NewReviewer creates the reviewer variant.
func NewReviewer(client model.Client, cancels CancelFlags) *Reviewer {
	return &Reviewer{llmAgent{client: client, cancels: cancels}}
}

// NewFixer creates the fixer variant.
func NewFixer(client model.Client, cancels CancelFlags) *Fixer {
	return &Fixer{llmAgent{client: client, cancels: cancels}}
}

// NewProductManager creates the product manager variant.
func NewProductManager(client model.Client, cancels CancelFlags) *ProductManager {
	return &ProductManager{llmAgent{client: client, cancels: cancels}}
}

// Variants builds the full closed set of agents over one model client.
func Variants(client model.Client, cancels CancelFlags) []Agent {
	return []Agent{
		NewPlanner(client, cancels),
		NewWorker(client, cancels),
		NewReviewer(client, cancels),
		NewFixer(client, cancels),
		NewProductManager(client, cancels),
	}
}

// Type returns the planner type tag.
func (*Planner) Type() string { return TypePlanner }

// Type returns the worker type tag.
func (*Worker) Type() string { return TypeWorker }

// Type returns the reviewer type tag.
func (*Reviewer) Type() string { return TypeReviewer }

// Type returns the fixer type tag.
func (*Fixer) Type() string { return TypeFixer }

// Type returns the product manager type tag.
func (*ProductManager) Type() string { return TypeProductManager }

// Execute asks the model to break the issue into sub-issues.
func (p *Planner) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	resp, usage, err := p.complete(ctx, t, agentCtx,
		"You plan software work by splitting an issue into independent sub-issues.",
		issuePrompt(t, "Split this issue into sub-issues, one per line."))
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"plan_text": resp.Text},
		TokensUsed: usage,
	}, nil
}

// Execute dispatches on the "action" key: "plan" produces a structured
// implementation plan validated against the plan schema; "implement" performs
// the implementation against the latest plan.
func (w *Worker) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	switch action := stringValue(agentCtx, "action"); action {
	case "plan":
		return w.plan(ctx, t, agentCtx)
	case "implement":
		return w.implement(ctx, t, agentCtx)
	default:
		return nil, fmt.Errorf("worker: unknown action %q", action)
	}
}

func (w *Worker) plan(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	resp, usage, err := w.complete(ctx, t, agentCtx,
		"You write implementation plans as JSON with a summary and ordered steps.",
		issuePrompt(t, `Respond with a JSON object: {"summary": "...", "steps": [{"description": "...", "files": ["..."]}]}.`))
	if err != nil {
		return nil, err
	}
	plan, perr := parseJSONObject(resp.Text)
	if perr != nil {
		return &Result{
			Success:    false,
			Error:      fmt.Sprintf("plan is not valid JSON: %v", perr),
			TokensUsed: usage,
		}, nil
	}
	if verr := ValidatePayload(PayloadPlan, plan); verr != nil {
		return &Result{Success: false, Error: verr.Error(), TokensUsed: usage}, nil
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"plan": plan, "plan_text": resp.Text},
		TokensUsed: usage,
	}, nil
}

func (w *Worker) implement(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	planText := ""
	if plan, ok := agentCtx["plan"].(map[string]any); ok {
		if b, err := json.Marshal(plan); err == nil {
			planText = string(b)
		}
	}
	resp, usage, err := w.complete(ctx, t, agentCtx,
		"You implement approved plans and summarize the resulting change.",
		issuePrompt(t, "Implement the following plan and summarize the change:\n"+planText))
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"summary": resp.Text},
		TokensUsed: usage,
	}, nil
}

// Execute reviews the pull request and returns a verdict validated against
// the review schema.
func (r *Reviewer) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	resp, usage, err := r.complete(ctx, t, agentCtx,
		"You review pull requests and answer with a JSON verdict.",
		issuePrompt(t, fmt.Sprintf(`Review PR #%d. Respond with a JSON object: {"verdict": "approve"|"request_changes"|"comment", "summary": "...", "comments": []}.`, t.PRNumber)))
	if err != nil {
		return nil, err
	}
	verdict, perr := parseJSONObject(resp.Text)
	if perr != nil {
		return &Result{
			Success:    false,
			Error:      fmt.Sprintf("verdict is not valid JSON: %v", perr),
			TokensUsed: usage,
		}, nil
	}
	if verr := ValidatePayload(PayloadReview, verdict); verr != nil {
		return &Result{Success: false, Error: verr.Error(), TokensUsed: usage}, nil
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"review": verdict},
		TokensUsed: usage,
	}, nil
}

// Execute analyzes the task's recorded failure and proposes recovery steps.
func (f *Fixer) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	resp, usage, err := f.complete(ctx, t, agentCtx,
		"You diagnose failed automation runs and propose a recovery.",
		issuePrompt(t, "The last run failed with: "+t.LastError+"\nDiagnose and propose recovery steps."))
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"analysis": resp.Text},
		TokensUsed: usage,
	}, nil
}

// Execute produces the document for the requested mode (vision, backlog or
// feature). The document is opaque to the core.
func (pm *ProductManager) Execute(ctx context.Context, t *task.Task, agentCtx map[string]any) (*Result, error) {
	mode := stringValue(agentCtx, "mode")
	if mode == "" {
		mode = "vision"
	}
	resp, usage, err := pm.complete(ctx, t, agentCtx,
		"You are a product manager producing concise "+mode+" documents.",
		issuePrompt(t, "Produce the "+mode+" document for this project."))
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:    true,
		Output:     map[string]any{"document": resp.Text, "mode": mode},
		TokensUsed: usage,
	}, nil
}

// complete runs one completion, checking the soft-cancel flag on either side
// of the call so a stopped task aborts before its output is acted on.
func (a *llmAgent) complete(ctx context.Context, t *task.Task, agentCtx map[string]any, system, prompt string) (model.Response, map[string]task.TokenCount, error) {
	if Cancelled(a.cancels, t.ID) {
		return model.Response{}, nil, fmt.Errorf("task %s: %w", t.ID, ErrCancelled)
	}
	modelID := stringValue(agentCtx, "model")
	maxTokens := defaultMaxTokens
	if n, ok := agentCtx["max_tokens"].(int); ok && n > 0 {
		maxTokens = n
	}
	resp, err := a.client.Complete(ctx, model.Request{
		Model:     modelID,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return model.Response{}, nil, err
	}
	usage := map[string]task.TokenCount{
		modelID: {Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens},
	}
	if Cancelled(a.cancels, t.ID) {
		return model.Response{}, usage, fmt.Errorf("task %s: %w", t.ID, ErrCancelled)
	}
	return resp, usage, nil
}

// issuePrompt prefixes an instruction with the issue identity.
func issuePrompt(t *task.Task, instruction string) string {
	return fmt.Sprintf("Repository: %s\nIssue #%d: %s\n\n%s",
		t.Repo, t.IssueNumber, t.IssueTitle, instruction)
}

// parseJSONObject extracts a JSON object from model output, tolerating
// surrounding prose and markdown fences.
func parseJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}
