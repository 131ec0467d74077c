package models

import "time"

// Tool call phases.
const (
	PhaseForward      = "forward"
	PhaseCompensation = "compensation"
)

// Tool call statuses.
const (
	CallStatusPending = "pending"
	CallStatusSuccess = "success"
	CallStatusFailed  = "failed"
)

// ToolCall is one recorded invocation of a registered tool, forward or
// compensating. The uq_tool_call index on (run_id, tool_name, idempotency_key,
// phase) is the sole mechanism preventing duplicate side effects: concurrent or
// retried attempts either find an existing row or fail the insert.
type ToolCall struct {
	ID             string `gorm:"type:varchar(36);primaryKey" json:"id"`
	RunID          string `gorm:"type:varchar(36);index;uniqueIndex:uq_tool_call;not null" json:"run_id"`
	Seq            int    `gorm:"not null" json:"seq"`
	ToolName       string `gorm:"type:varchar(255);uniqueIndex:uq_tool_call;not null" json:"tool_name"`
	IdempotencyKey string `gorm:"type:varchar(64);uniqueIndex:uq_tool_call;not null" json:"idempotency_key"`
	Phase          string `gorm:"type:varchar(16);uniqueIndex:uq_tool_call;not null" json:"phase"`
	Status         string `gorm:"type:varchar(16);index;not null" json:"status"`
	InputJSON      string `gorm:"type:text" json:"input_json,omitempty"`
	OutputJSON     string `gorm:"type:text" json:"output_json,omitempty"`
	ErrorMessage   string `gorm:"type:text" json:"error_message,omitempty"`

	// Metered-call metadata, present only for LLM-style calls.
	Provider           string  `gorm:"type:varchar(64)" json:"provider,omitempty"`
	Model              string  `gorm:"type:varchar(128)" json:"model,omitempty"`
	TokensIn           int64   `json:"tokens_in,omitempty"`
	TokensOut          int64   `json:"tokens_out,omitempty"`
	Cost               float64 `json:"cost,omitempty"`
	RequestFingerprint string  `gorm:"type:varchar(255)" json:"request_fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolved reports whether the call reached a final status.
func (c *ToolCall) Resolved() bool {
	return c.Status == CallStatusSuccess || c.Status == CallStatusFailed
}
