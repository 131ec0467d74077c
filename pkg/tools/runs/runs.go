// Package runs exposes recorded runs over MCP for inspection: paginated
// listing, single-run detail with its tool calls, and a self-contained
// export snapshot suitable for replay elsewhere.
package runs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/runledger/runledger/pkg/server"
	"github.com/runledger/runledger/pkg/storage"
	"github.com/runledger/runledger/pkg/tools"
)

type Input struct {
	Action string `json:"action" validate:"required,oneof=list get export"`
	RunID  string `json:"run_id,omitempty"`
	Limit  int    `json:"limit,omitempty" validate:"min=0,max=100"`
	Offset int    `json:"offset,omitempty" validate:"min=0"`
}

type Tool struct {
	logger    zerolog.Logger
	validator *validator.Validate
	store     storage.Storage
}

func (t *Tool) Register(srv *server.Server) error {
	tool := &mcp.Tool{
		Name:        "runs",
		Description: "Inspect recorded runs. Actions: list (paginated), get (run with its tool calls), export (replayable snapshot).",
	}

	t.store = srv.Storage()

	mcp.AddTool(&srv.Server, tool, t.RunsHandler)
	t.logger.Debug().Msg("runs tool registered")

	return nil
}

func (t *Tool) RunsHandler(ctx context.Context, _ *mcp.CallToolRequest, input Input) (*mcp.CallToolResult, any, error) {
	if err := t.validator.Struct(input); err != nil {
		return nil, nil, fmt.Errorf("validation error: %w", err)
	}

	var resultText string

	switch input.Action {
	case "list":
		limit := input.Limit
		if limit == 0 {
			limit = 10
		}
		runs, total, err := t.store.GetRuns(ctx, limit, input.Offset)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list runs: %w", err)
		}
		data, _ := json.MarshalIndent(map[string]any{
			"total":  total,
			"limit":  limit,
			"offset": input.Offset,
			"runs":   runs,
		}, "", "  ")
		resultText = string(data)

	case "get", "export":
		if input.RunID == "" {
			return nil, nil, fmt.Errorf("run_id is required for %s action", input.Action)
		}
		run, err := t.store.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, nil, fmt.Errorf("run not found: %w", err)
		}
		calls, err := t.store.GetCallsByRun(ctx, input.RunID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load tool calls: %w", err)
		}
		data, _ := json.MarshalIndent(map[string]any{
			"run":        run,
			"tool_calls": calls,
		}, "", "  ")
		resultText = string(data)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: resultText},
		},
	}, nil, nil
}

func New(logger zerolog.Logger) tools.Tool {
	return &Tool{
		logger:    logger.With().Str("tool", "runs").Logger(),
		validator: validator.New(),
	}
}
