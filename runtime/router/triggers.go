package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/swarmlab/overseer/runtime/agent"
	"github.com/swarmlab/overseer/runtime/forge"
	"github.com/swarmlab/overseer/runtime/machine"
	"github.com/swarmlab/overseer/runtime/task"
)

// State-reflecting issue labels set by the triggers.
const (
	labelPlanning   = "agent:planning"
	labelPlanReview = "agent:plan-review"
	labelExecuting  = "agent:executing"
	labelPROpen     = "agent:pr-open"
	labelFailed     = "agent:failed"
	labelPM         = "agent:pm"
)

// HandleJob executes one queued unit of agent work. It is the queue
// consumer's handler: errors are logged by the dispatcher and the job acked
// either way, because the webhook retry path re-enqueues lost work.
func (r *Router) HandleJob(ctx context.Context, job Job) error {
	t, err := r.machine.GetTask(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("job %s for %s: %w", job.Action, job.TaskID, err)
	}
	switch job.Action {
	case ActionPlan:
		return r.runPlanning(ctx, t)
	case ActionExecute:
		return r.runExecution(ctx, t)
	case ActionReview:
		return r.runReview(ctx, t)
	case ActionFix:
		return r.runFix(ctx, t)
	case ActionPM:
		return r.runProductManager(ctx, t, stringFrom(job.Context, "mode"))
	case ActionPlanner:
		return r.runPlanner(ctx, t)
	default:
		return fmt.Errorf("unknown job action %q", job.Action)
	}
}

// runPlanning drives an issue from queued through planning to plan review.
// On agent failure the task keeps its state; the error lands in the failure
// bookkeeping so a later retry or escalation can see it.
func (r *Router) runPlanning(ctx context.Context, t *task.Task) error {
	t, err := r.machine.Transition(ctx, t.ID, task.StatePlanning, nil)
	if err != nil {
		return r.skipOrFail(ctx, ActionPlan, err)
	}
	r.setLabel(ctx, t, labelPlanning)

	inv, err := r.driver.Invoke(ctx, agent.TypeWorker, t, map[string]any{
		"action":    "plan",
		"task_type": "planning",
	})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	t, err = r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error)
	if err != nil {
		return err
	}
	if !inv.Result.Success {
		r.logger.Warn(ctx, "planning failed", "task_id", t.ID, "err", inv.Result.Error)
		return nil
	}

	planText := stringFrom(inv.Result.Output, "plan_text")
	if _, err := r.forge.PostComment(ctx, t.Repo, t.IssueNumber, planComment(planText)); err != nil {
		return err
	}
	plan, _ := inv.Result.Output["plan"].(map[string]any)
	if _, err := r.machine.Transition(ctx, t.ID, task.StatePlanReview, &machine.Metadata{Plan: plan}); err != nil {
		return r.skipOrFail(ctx, ActionPlan, err)
	}
	r.setLabel(ctx, t, labelPlanReview)
	return nil
}

// runExecution implements the approved plan: acquire file locks, invoke the
// worker, open the pull request. A lock conflict posts a blocking notice and
// leaves the task approved so a later retry can proceed; a PR creation
// failure posts the would-be change and leaves the task executing.
func (r *Router) runExecution(ctx context.Context, t *task.Task) error {
	// Locks come first: a conflict must leave the task state untouched.
	plan := t.LatestPlan()
	paths := planFiles(plan)
	if len(paths) > 0 {
		res, err := r.locks.Acquire(ctx, t.ID, t.Repo, paths, 0)
		if err != nil {
			return err
		}
		if !res.Acquired {
			r.logger.Info(ctx, "execution blocked by file lock",
				"task_id", t.ID, "holder", res.ConflictingTask, "file", res.ConflictingFile)
			_, err := r.forge.PostComment(ctx, t.Repo, t.IssueNumber,
				fmt.Sprintf("Execution is blocked by task %s on file `%s`. Retry once it completes.",
					res.ConflictingTask, res.ConflictingFile))
			return err
		}
		defer func() {
			if _, rerr := r.locks.Release(context.WithoutCancel(ctx), t.ID, t.Repo); rerr != nil {
				r.logger.Warn(ctx, "release file locks", "task_id", t.ID, "err", rerr)
			}
		}()
	}

	t, err := r.machine.Transition(ctx, t.ID, task.StateExecuting, nil)
	if err != nil {
		return r.skipOrFail(ctx, ActionExecute, err)
	}
	r.setLabel(ctx, t, labelExecuting)

	inv, err := r.driver.Invoke(ctx, agent.TypeWorker, t, map[string]any{
		"action": "implement",
		"plan":   map[string]any(plan),
	})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	t, err = r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error)
	if err != nil {
		return err
	}
	if !inv.Result.Success {
		_, terr := r.machine.Transition(ctx, t.ID, task.StateFailed, &machine.Metadata{Error: inv.Result.Error})
		if terr != nil {
			return r.skipOrFail(ctx, ActionExecute, terr)
		}
		r.setLabel(ctx, t, labelFailed)
		return nil
	}

	summary := stringFrom(inv.Result.Output, "summary")
	prNumber, branch, err := r.openPullRequest(ctx, t, summary)
	if err != nil {
		// The work is done; surface it and allow a retry of PR creation.
		r.logger.Warn(ctx, "pull request creation failed", "task_id", t.ID, "err", err)
		_, cerr := r.forge.PostComment(ctx, t.Repo, t.IssueNumber,
			"Implementation finished but opening the pull request failed. Summary of the change:\n\n"+summary)
		return cerr
	}
	if _, err := r.machine.Transition(ctx, t.ID, task.StatePROpen, &machine.Metadata{PRNumber: prNumber, Branch: branch}); err != nil {
		return r.skipOrFail(ctx, ActionExecute, err)
	}
	r.setLabel(ctx, t, labelPROpen)
	return nil
}

// runReview asks the reviewer for a verdict on the open PR and returns the
// task to pr_open.
func (r *Router) runReview(ctx context.Context, t *task.Task) error {
	inv, err := r.driver.Invoke(ctx, agent.TypeReviewer, t, map[string]any{"action": "review"})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	if _, err := r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error); err != nil {
		return err
	}
	if inv.Result.Success {
		if _, err := r.forge.PostComment(ctx, t.Repo, t.PRNumber, reviewComment(inv.Result.Output)); err != nil {
			return err
		}
	}
	_, err = r.machine.Transition(ctx, t.ID, task.StatePROpen, nil)
	return r.skipOrFail(ctx, ActionReview, err)
}

// runFix asks the fixer to address review feedback on the PR and returns the
// task to pr_open.
func (r *Router) runFix(ctx context.Context, t *task.Task) error {
	inv, err := r.driver.Invoke(ctx, agent.TypeFixer, t, map[string]any{"action": "fix"})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	if _, err := r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error); err != nil {
		return err
	}
	if inv.Result.Success {
		if _, err := r.forge.PostComment(ctx, t.Repo, t.PRNumber,
			stringFrom(inv.Result.Output, "analysis")); err != nil {
			return err
		}
	}
	_, err = r.machine.Transition(ctx, t.ID, task.StatePROpen, nil)
	return r.skipOrFail(ctx, ActionFix, err)
}

// runProductManager produces the document for the requested mode and moves
// the PM sub-flow into its review state.
func (r *Router) runProductManager(ctx context.Context, t *task.Task, mode string) error {
	r.setLabel(ctx, t, labelPM)
	inv, err := r.driver.Invoke(ctx, agent.TypeProductManager, t, map[string]any{
		"action": "pm",
		"mode":   mode,
	})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	t, err = r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error)
	if err != nil {
		return err
	}
	if !inv.Result.Success {
		r.logger.Warn(ctx, "pm run failed", "task_id", t.ID, "err", inv.Result.Error)
		return nil
	}
	if _, err := r.forge.PostComment(ctx, t.Repo, t.IssueNumber,
		stringFrom(inv.Result.Output, "document")); err != nil {
		return err
	}

	var next task.State
	switch t.State {
	case task.StatePMVision:
		next = task.StatePMVisionReview
	case task.StatePMBacklog:
		next = task.StatePMFeatureReview
	default:
		return nil
	}
	_, err = r.machine.Transition(ctx, t.ID, next, nil)
	return r.skipOrFail(ctx, ActionPM, err)
}

// runPlanner invokes the planner agent and posts its sub-issue breakdown.
// Approval of planner output is decision-only, so no transition follows.
func (r *Router) runPlanner(ctx context.Context, t *task.Task) error {
	inv, err := r.driver.Invoke(ctx, agent.TypePlanner, t, map[string]any{
		"action":    "plan",
		"task_type": "planning",
	})
	if err != nil {
		return r.recordAgentFailure(ctx, t, err.Error())
	}
	if _, err := r.machine.RecordAgentRun(ctx, t.ID, inv.ID, inv.Result.TokensUsed, inv.CostUSD, inv.Result.Error); err != nil {
		return err
	}
	if !inv.Result.Success {
		r.logger.Warn(ctx, "planner run failed", "task_id", t.ID, "err", inv.Result.Error)
		return nil
	}
	_, err = r.forge.PostComment(ctx, t.Repo, t.IssueNumber,
		"Proposed sub-issues:\n\n"+stringFrom(inv.Result.Output, "plan_text"))
	return err
}

// openPullRequest creates the agent branch and the pull request, returning
// the PR number and branch name.
func (r *Router) openPullRequest(ctx context.Context, t *task.Task, summary string) (int, string, error) {
	base, err := r.forge.GetDefaultBranch(ctx, t.Repo)
	if err != nil {
		return 0, "", err
	}
	sha, err := r.forge.GetBranchSHA(ctx, t.Repo, base)
	if err != nil {
		return 0, "", err
	}
	branch := fmt.Sprintf("agent/%d-%s", t.IssueNumber, slug(t.IssueTitle))
	if err := r.forge.CreateBranch(ctx, t.Repo, branch, sha); err != nil {
		return 0, "", err
	}
	prNumber, err := r.forge.CreatePullRequest(ctx, t.Repo, forge.PullRequest{
		Title: t.IssueTitle,
		Body:  fmt.Sprintf("Closes #%d.\n\n%s", t.IssueNumber, summary),
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return 0, "", err
	}
	return prNumber, branch, nil
}

// recordAgentFailure books a failed invocation. The task moves to failed only
// when it was executing; cancellations and failures in other states keep the
// state and rely on the error bookkeeping.
func (r *Router) recordAgentFailure(ctx context.Context, t *task.Task, msg string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	cur, err := r.machine.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur.State == task.StateExecuting {
		if _, err := r.machine.Transition(ctx, t.ID, task.StateFailed, &machine.Metadata{Error: msg}); err != nil {
			return r.skipOrFail(ctx, "failure", err)
		}
		r.setLabel(ctx, cur, labelFailed)
		return nil
	}
	_, err = r.machine.RecordAgentRun(ctx, t.ID, "", nil, 0, msg)
	return err
}

// setLabel updates the state-reflecting issue label. Label churn is cosmetic;
// failures are logged, never fatal.
func (r *Router) setLabel(ctx context.Context, t *task.Task, label string) {
	if err := r.forge.SetAgentLabel(ctx, t.Repo, t.IssueNumber, label); err != nil {
		r.logger.Warn(ctx, "set agent label", "task_id", t.ID, "label", label, "err", err)
	}
}

func planComment(planText string) string {
	return "## Implementation plan\n\n" + planText + "\n\nReply `/approve` to execute, or comment with changes."
}

func reviewComment(output map[string]any) string {
	review, _ := output["review"].(map[string]any)
	verdict := stringFrom(review, "verdict")
	summary := stringFrom(review, "summary")
	return fmt.Sprintf("## Agent review\n\nVerdict: **%s**\n\n%s", verdict, summary)
}

// planFiles collects the file paths a plan declares it will touch.
func planFiles(plan task.PlanVersion) []string {
	seen := make(map[string]struct{})
	var paths []string
	add := func(v any) {
		s, ok := v.(string)
		if !ok || s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		paths = append(paths, s)
	}
	if files, ok := plan["files_touched"].([]any); ok {
		for _, f := range files {
			add(f)
		}
	}
	if steps, ok := plan["steps"].([]any); ok {
		for _, s := range steps {
			step, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if files, ok := step["files"].([]any); ok {
				for _, f := range files {
					add(f)
				}
			}
		}
	}
	return paths
}

// slug derives a branch-safe fragment from an issue title.
func slug(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func stringFrom(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
