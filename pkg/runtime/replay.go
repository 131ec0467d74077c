package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runledger/runledger/pkg/models"
)

// CallSource is the read-only lookup a replay session substitutes for the
// live call store's write path.
type CallSource interface {
	Lookup(toolName, key, phase string) (*models.ToolCall, bool)
}

// RunExport is a self-contained snapshot of a run and its calls, ordered by
// sequence. It round-trips through JSON and can seed a replay anywhere.
type RunExport struct {
	Run       models.Run        `json:"run"`
	ToolCalls []models.ToolCall `json:"tool_calls"`
}

// callIndex indexes recorded calls by (tool, key, phase). Later duplicates
// of the same triple never occur: the storage constraint forbids them.
type callIndex map[string]*models.ToolCall

func indexKey(toolName, key, phase string) string {
	return toolName + "\x00" + key + "\x00" + phase
}

func newCallIndex(calls []models.ToolCall) callIndex {
	idx := make(callIndex, len(calls))
	for i := range calls {
		c := &calls[i]
		idx[indexKey(c.ToolName, c.IdempotencyKey, c.Phase)] = c
	}
	return idx
}

func (idx callIndex) Lookup(toolName, key, phase string) (*models.ToolCall, bool) {
	c, ok := idx[indexKey(toolName, key, phase)]
	return c, ok
}

// ExportRun serializes the run plus its tool calls into a snapshot.
func (r *Runtime) ExportRun(ctx context.Context, runID string) (*RunExport, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	calls, err := r.store.GetCallsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calls for run %s: %w", runID, err)
	}
	return &RunExport{Run: *run, ToolCalls: calls}, nil
}

// ReplayRun re-executes fn against the recorded calls of a stored run. Tool
// outputs are substituted from the record; no live tool executes and no
// compensation ever runs. A call the record does not contain fails the
// replay with ReplayMismatchError.
func (r *Runtime) ReplayRun(ctx context.Context, runID string, fn WorkflowFunc) (any, error) {
	calls, err := r.store.GetCallsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calls for run %s: %w", runID, err)
	}
	return r.replayWith(ctx, runID, newCallIndex(calls), fn)
}

// ReplayExport is ReplayRun against an exported snapshot instead of the
// live store.
func (r *Runtime) ReplayExport(ctx context.Context, export *RunExport, fn WorkflowFunc) (any, error) {
	return r.replayWith(ctx, export.Run.ID, newCallIndex(export.ToolCalls), fn)
}

// ReplayExportJSON decodes a JSON snapshot produced from RunExport and
// replays it.
func (r *Runtime) ReplayExportJSON(ctx context.Context, snapshot []byte, fn WorkflowFunc) (any, error) {
	var export RunExport
	if err := json.Unmarshal(snapshot, &export); err != nil {
		return nil, fmt.Errorf("failed to decode run snapshot: %w", err)
	}
	return r.ReplayExport(ctx, &export, fn)
}

func (r *Runtime) replayWith(ctx context.Context, runID string, source CallSource, fn WorkflowFunc) (any, error) {
	s := &Session{
		rt:     r,
		run:    &models.Run{ID: runID, Name: "replay", Status: models.RunStatusRunning},
		logger: r.logger.With().Str("run_id", runID).Bool("replay", true).Logger(),
		replay: true,
		source: source,
	}
	out, runErr := fn(ctx, s)
	_ = s.Close(ctx, runErr)
	if runErr != nil {
		return nil, runErr
	}
	return out, nil
}
