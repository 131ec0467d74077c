package runtime

import "fmt"

// BudgetExceededError terminates a run whose accumulated metered cost passed
// its configured ceiling. It carries the totals at the moment of the breach.
type BudgetExceededError struct {
	TotalCost float64
	Limit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: total_cost=%.6f limit=%.6f", e.TotalCost, e.Limit)
}

// DuplicateInProgressError signals that an identical call was claimed by
// another execution and has not resolved yet. The caller may retry later;
// the engine never double-executes.
type DuplicateInProgressError struct {
	ToolName string
	Key      string
}

func (e *DuplicateInProgressError) Error() string {
	return fmt.Sprintf("duplicate call in progress: tool=%s key=%s", e.ToolName, e.Key)
}

// ReplayMismatchError means the workflow diverged from the recorded
// execution: it asked for a call the replay source does not contain.
// This is a hard stop for the replay session.
type ReplayMismatchError struct {
	ToolName string
	Phase    string
	Key      string
}

func (e *ReplayMismatchError) Error() string {
	return fmt.Sprintf("replay mismatch: no recorded call for tool=%s phase=%s key=%s", e.ToolName, e.Phase, e.Key)
}
