package storage

import (
	"context"
	"errors"

	"github.com/runledger/runledger/pkg/models"
)

// ErrCallExists is returned by InsertPendingCall when a row with the same
// (run_id, tool_name, idempotency_key, phase) already exists. The existing
// row is returned alongside so the caller can short-circuit on its outcome.
var ErrCallExists = errors.New("tool call already exists")

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("record not found")

// CallResult carries the final state of a tool call for MarkCallResult.
type CallResult struct {
	Status       string
	OutputJSON   string
	ErrorMessage string

	// Usage fields are applied only when HasUsage is set.
	HasUsage  bool
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetRuns(ctx context.Context, limit, offset int) ([]models.Run, int64, error)

	// Tool call operations
	InsertPendingCall(ctx context.Context, call *models.ToolCall) (*models.ToolCall, error)
	MarkCallResult(ctx context.Context, id string, result CallResult) error
	GetCall(ctx context.Context, runID, toolName, key, phase string) (*models.ToolCall, error)
	GetCallsByRun(ctx context.Context, runID string) ([]models.ToolCall, error)

	// Lifecycle
	Close() error
}
