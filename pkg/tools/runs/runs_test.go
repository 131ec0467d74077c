package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/runledger/runledger/pkg/models"
	"github.com/runledger/runledger/pkg/server"
	"github.com/runledger/runledger/pkg/storage"
)

func setupTestServer(t *testing.T) (*server.Server, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "runs-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	cfg := storage.Config{
		DatabasePath: tmpFile.Name(),
		Debug:        false,
	}

	store, err := storage.NewSQLiteStorage(cfg)
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create storage: %v", err)
	}

	impl := &mcp.Implementation{
		Name:    "test-server",
		Version: "1.0.0",
	}

	srv := server.NewServer(impl, store)

	cleanup := func() {
		srv.Shutdown(context.Background())
		os.Remove(tmpFile.Name())
	}

	return srv, cleanup
}

func createTestRun(t *testing.T, store storage.Storage, name string) *models.Run {
	t.Helper()

	run := &models.Run{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    models.RunStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestNew(t *testing.T) {
	logger := zerolog.New(os.Stdout)
	tool := New(logger)

	if tool == nil {
		t.Fatal("expected non-nil tool")
	}
}

func TestRunsHandler_List_Empty(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = srv.Storage()

	ctx := context.Background()
	input := Input{Action: "list"}

	result, _, err := tool.RunsHandler(ctx, nil, input)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}

	textContent, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}

	var response map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["total"].(float64) != 0 {
		t.Errorf("expected total 0, got %v", response["total"])
	}
}

func TestRunsHandler_List_Pagination(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ctx := context.Background()
	store := srv.Storage()

	for i := 0; i < 15; i++ {
		createTestRun(t, store, fmt.Sprintf("run-%d", i))
	}

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = store

	input := Input{Action: "list", Limit: 5, Offset: 10}

	result, _, err := tool.RunsHandler(ctx, nil, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	textContent := result.Content[0].(*mcp.TextContent)
	var response map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["total"].(float64) != 15 {
		t.Errorf("expected total 15, got %v", response["total"])
	}
	if response["limit"].(float64) != 5 {
		t.Errorf("expected limit 5, got %v", response["limit"])
	}
	if response["offset"].(float64) != 10 {
		t.Errorf("expected offset 10, got %v", response["offset"])
	}
	runs := response["runs"].([]any)
	if len(runs) != 5 {
		t.Errorf("expected 5 runs, got %d", len(runs))
	}
}

func TestRunsHandler_List_DefaultLimit(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ctx := context.Background()
	store := srv.Storage()

	for i := 0; i < 15; i++ {
		createTestRun(t, store, fmt.Sprintf("run-%d", i))
	}

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = store

	input := Input{Action: "list"}

	result, _, err := tool.RunsHandler(ctx, nil, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	textContent := result.Content[0].(*mcp.TextContent)
	var response map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	runs := response["runs"].([]any)
	if len(runs) != 10 {
		t.Errorf("expected default limit of 10, got %d", len(runs))
	}
}

func TestRunsHandler_Get(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ctx := context.Background()
	store := srv.Storage()
	run := createTestRun(t, store, "checkout")

	call := &models.ToolCall{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Seq:            1,
		ToolName:       "send_email",
		IdempotencyKey: "abc123",
		Phase:          models.PhaseForward,
		Status:         models.CallStatusSuccess,
		OutputJSON:     `{"message_id":"msg-123"}`,
	}
	if _, err := store.InsertPendingCall(ctx, call); err != nil {
		t.Fatalf("failed to insert call: %v", err)
	}

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = store

	input := Input{Action: "get", RunID: run.ID}

	result, _, err := tool.RunsHandler(ctx, nil, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	textContent := result.Content[0].(*mcp.TextContent)
	var response struct {
		Run       models.Run        `json:"run"`
		ToolCalls []models.ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(textContent.Text), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response.Run.ID != run.ID {
		t.Errorf("expected run ID %s, got %s", run.ID, response.Run.ID)
	}
	if len(response.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(response.ToolCalls))
	}
	if response.ToolCalls[0].ToolName != "send_email" {
		t.Errorf("expected tool name 'send_email', got '%s'", response.ToolCalls[0].ToolName)
	}
}

func TestRunsHandler_Get_NotFound(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = srv.Storage()

	ctx := context.Background()
	input := Input{Action: "get", RunID: "no-such-run"}

	_, _, err := tool.RunsHandler(ctx, nil, input)
	if err == nil {
		t.Fatal("expected error for non-existent run")
	}
}

func TestRunsHandler_Get_NoRunID(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = srv.Storage()

	ctx := context.Background()
	input := Input{Action: "get"}

	_, _, err := tool.RunsHandler(ctx, nil, input)
	if err == nil {
		t.Fatal("expected error when run_id is not provided")
	}
}

func TestRunsHandler_Export(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ctx := context.Background()
	store := srv.Storage()
	run := createTestRun(t, store, "to-export")

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = store

	input := Input{Action: "export", RunID: run.ID}

	result, _, err := tool.RunsHandler(ctx, nil, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	textContent := result.Content[0].(*mcp.TextContent)
	var response map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if _, ok := response["run"]; !ok {
		t.Error("expected 'run' key in export")
	}
	if _, ok := response["tool_calls"]; !ok {
		t.Error("expected 'tool_calls' key in export")
	}
}

func TestRunsHandler_InvalidAction(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)
	tool.store = srv.Storage()

	ctx := context.Background()
	input := Input{Action: "invalid"}

	_, _, err := tool.RunsHandler(ctx, nil, input)
	if err == nil {
		t.Fatal("expected error for invalid action")
	}
}

func TestRegister(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	logger := zerolog.New(os.Stdout)
	tool := New(logger).(*Tool)

	if tool.store != nil {
		t.Error("expected store to be nil before Register()")
	}

	if err := tool.Register(srv); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}
	if tool.store == nil {
		t.Error("expected store to be set after Register()")
	}
}
