package models

import "time"

// Run statuses. A run is immutable once it reaches a terminal status.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one supervised execution of a workflow.
type Run struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name            string     `gorm:"type:varchar(255);index;not null" json:"name"`
	Status          string     `gorm:"type:varchar(16);index;not null" json:"status"`
	TagsJSON        string     `gorm:"type:text" json:"tags_json,omitempty"`
	BudgetLimit     *float64   `json:"budget_limit,omitempty"`
	TotalTokensIn   int64      `json:"total_tokens_in"`
	TotalTokensOut  int64      `json:"total_tokens_out"`
	TotalCost       float64    `json:"total_cost"`
	InputJSON       string     `gorm:"type:text" json:"input_json,omitempty"`
	OutputJSON      string     `gorm:"type:text" json:"output_json,omitempty"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
