// Package task defines the orchestrator's central entity: a record tracking
// one code-hosting issue through the agent lifecycle. It also provides the
// Store that serializes tasks to the persistence layer and maintains the
// active/archived set partition.
package task

import (
	"time"
)

type (
	// Task tracks an issue through the agent lifecycle. One task exists per
	// issue, identified by "issue-<N>" within a repository scope. Tasks are
	// mutated only through the state machine.
	Task struct {
		ID          string `json:"id"`
		Repo        string `json:"repo"`
		IssueNumber int    `json:"issue_number"`
		IssueTitle  string `json:"issue_title"`

		State    State  `json:"state"`
		Branch   string `json:"branch,omitempty"`
		PRNumber int    `json:"pr_number,omitempty"`

		// Timeline. CreatedAt and UpdatedAt are always set; the others are
		// stamped once, first entry wins.
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
		FirstPlanAt *time.Time `json:"first_plan_at,omitempty"`
		ApprovedAt  *time.Time `json:"approved_at,omitempty"`
		PROpenedAt  *time.Time `json:"pr_opened_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`

		// Plan history. CurrentPlanVersion always equals len(PlanVersions).
		PlanVersions       []PlanVersion `json:"plan_versions"`
		CurrentPlanVersion int           `json:"current_plan_version"`

		// Append-only decision log.
		Decisions []Decision `json:"decisions"`

		// Agent bookkeeping.
		AgentIDs       []string `json:"agent_ids"`
		CurrentAgentID string   `json:"current_agent_id,omitempty"`

		// Cost tracking: cumulative tokens per model identifier.
		TokenUsage       map[string]TokenCount `json:"token_usage"`
		EstimatedCostUSD float64               `json:"estimated_cost_usd"`

		// Paths this task currently holds locks on. Informational; the
		// authoritative lock state lives in the lock registry.
		LockedFiles []string `json:"locked_files"`

		// Failure bookkeeping.
		LastError  string `json:"last_error,omitempty"`
		RetryCount int    `json:"retry_count"`
	}

	// PlanVersion is one generated implementation plan. The core treats it
	// as opaque: structured but unvalidated JSON.
	PlanVersion map[string]any

	// TokenCount accumulates prompt and completion tokens for one model.
	TokenCount struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	}

	// Decision records a human action on a task. Decisions are append-only.
	Decision struct {
		Timestamp time.Time      `json:"timestamp"`
		Type      string         `json:"type"`
		Human     string         `json:"human"`
		Action    string         `json:"action"`
		Comment   string         `json:"comment,omitempty"`
		Metadata  map[string]any `json:"metadata"`
	}
)

// Documented decision type tags. The field is free-form; these are the tags
// the command router writes.
const (
	DecisionPlanApproval       = "plan_approval"
	DecisionPRReviewDelegation = "pr_review_delegation"
	DecisionPRFixDelegation    = "pr_fix_delegation"
	DecisionVisionApproval     = "vision_approval"
	DecisionFeatureApproval    = "feature_approval"
	DecisionPMHandoff          = "pm_handoff"
	DecisionPrioritization     = "prioritization"
	DecisionAgentStop          = "agent_stop"
	DecisionPlannerApproval    = "planner_approval"
	DecisionPlannerRequested   = "planner_requested"
	DecisionPMInvoked          = "pm_invoked"
	DecisionFeatureFeedback    = "feature_feedback"
	DecisionFeatureAdded       = "feature_added"
)

// Clone returns a deep copy of the task. The state machine mutates copies so
// a failed write never leaves a caller holding half-updated state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.FirstPlanAt = cloneTime(t.FirstPlanAt)
	c.ApprovedAt = cloneTime(t.ApprovedAt)
	c.PROpenedAt = cloneTime(t.PROpenedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.PlanVersions = make([]PlanVersion, len(t.PlanVersions))
	for i, pv := range t.PlanVersions {
		c.PlanVersions[i] = PlanVersion(cloneMap(pv))
	}
	c.Decisions = make([]Decision, len(t.Decisions))
	for i, d := range t.Decisions {
		d.Metadata = cloneMap(d.Metadata)
		c.Decisions[i] = d
	}
	c.AgentIDs = append([]string(nil), t.AgentIDs...)
	c.LockedFiles = append([]string(nil), t.LockedFiles...)
	c.TokenUsage = make(map[string]TokenCount, len(t.TokenUsage))
	for k, v := range t.TokenUsage {
		c.TokenUsage[k] = v
	}
	return &c
}

// LatestPlan returns the most recent plan payload, or nil when the task has
// no plan yet.
func (t *Task) LatestPlan() PlanVersion {
	if len(t.PlanVersions) == 0 {
		return nil
	}
	return t.PlanVersions[len(t.PlanVersions)-1]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
