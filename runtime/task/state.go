package task

// State is a task lifecycle state. The set is closed; transitions are only
// permitted per the Transitions table.
type State string

const (
	StateQueued          State = "queued"
	StatePlanning        State = "planning"
	StatePlanReview      State = "plan_review"
	StateApproved        State = "approved"
	StateExecuting       State = "executing"
	StatePROpen          State = "pr_open"
	StatePRAgentReview   State = "pr_agent_review"
	StatePRAgentFix      State = "pr_agent_fix"
	StateFailed          State = "failed"
	StateFixerReview     State = "fixer_review"
	StateHumanEscalation State = "human_escalation"
	StateCompleted       State = "completed"
	StateArchived        State = "archived"

	// Product manager sub-flow.
	StatePMVision         State = "pm_vision"
	StatePMVisionReview   State = "pm_vision_review"
	StatePMBacklog        State = "pm_backlog"
	StatePMFeatureReview  State = "pm_feature_review"
	StatePMHandoffPlanner State = "pm_handoff_planner"
)

// Transitions maps each state to its permitted successors. Terminal states
// have no successors.
var Transitions = map[State][]State{
	StateQueued:          {StatePlanning, StatePMVision},
	StatePlanning:        {StatePlanReview},
	StatePlanReview:      {StateApproved, StatePlanning}, // approve or revise
	StateApproved:        {StateExecuting},
	StateExecuting:       {StatePROpen, StateFailed},
	StatePROpen:          {StatePRAgentReview, StatePRAgentFix, StateCompleted, StateArchived},
	StatePRAgentReview:   {StatePROpen},
	StatePRAgentFix:      {StatePROpen},
	StateFailed:          {StateFixerReview},
	StateFixerReview:     {StateExecuting, StateHumanEscalation},
	StateHumanEscalation: {StateQueued, StateArchived}, // retry or abandon
	StateCompleted:       {},
	StateArchived:        {},

	StatePMVision:         {StatePMVisionReview},
	StatePMVisionReview:   {StatePMVision, StatePMBacklog}, // revise or proceed
	StatePMBacklog:        {StatePMFeatureReview, StatePMVision},
	StatePMFeatureReview:  {StatePMBacklog, StatePMHandoffPlanner},
	StatePMHandoffPlanner: {StatePlanning}, // connects to the planning flow
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	_, ok := Transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateArchived
}

// CanTransition reports whether the transition s -> to is permitted.
func (s State) CanTransition(to State) bool {
	for _, next := range Transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// String returns the wire representation of the state.
func (s State) String() string { return string(s) }
