package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/runledger/runledger/pkg/models"
)

// Environment variables consulted, in order, when no explicit database path
// is configured. Falls back to a local file in the working directory.
var databaseEnvVars = []string{"RUNLEDGER_DB", "DATABASE_URL"}

const defaultDatabasePath = "runledger.db"

type SQLiteStorage struct {
	db *gorm.DB
}

type Config struct {
	DatabasePath string
	Debug        bool
}

// ResolveDatabasePath returns the first non-empty of: the explicit path, the
// configured environment variables in order, the local default file.
func ResolveDatabasePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range databaseEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return defaultDatabasePath
}

func NewSQLiteStorage(cfg Config) (*SQLiteStorage, error) {
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	database, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		// Needed so a violation of uq_tool_call surfaces as
		// gorm.ErrDuplicatedKey instead of a driver-specific error.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// Auto-migrate schema
	if err := database.AutoMigrate(&models.Run{}, &models.ToolCall{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLiteStorage{db: database}, nil
}

func (s *SQLiteStorage) CreateRun(ctx context.Context, run *models.Run) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// FinishRun persists the terminal state of a run: status, output, error,
// accumulated totals, completion time.
func (s *SQLiteStorage) FinishRun(ctx context.Context, run *models.Run) error {
	return s.db.WithContext(ctx).Model(&models.Run{ID: run.ID}).
		Select("status", "output_json", "error_message",
			"total_tokens_in", "total_tokens_out", "total_cost", "completed_at").
		Updates(run).Error
}

func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteStorage) GetRuns(ctx context.Context, limit, offset int) ([]models.Run, int64, error) {
	var runs []models.Run
	var total int64

	s.db.WithContext(ctx).Model(&models.Run{}).Count(&total)

	query := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	err := query.Find(&runs).Error
	return runs, total, err
}

// InsertPendingCall atomically claims a tool call slot. When the uq_tool_call
// index rejects the insert, the already-claimed row is fetched and returned
// together with ErrCallExists; its status tells the caller whether the prior
// attempt resolved or is still in flight.
func (s *SQLiteStorage) InsertPendingCall(ctx context.Context, call *models.ToolCall) (*models.ToolCall, error) {
	err := s.db.WithContext(ctx).Create(call).Error
	if err == nil {
		return call, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, ferr := s.GetCall(ctx, call.RunID, call.ToolName, call.IdempotencyKey, call.Phase)
		if ferr != nil {
			return nil, fmt.Errorf("duplicate call row could not be loaded: %w", ferr)
		}
		return existing, ErrCallExists
	}
	return nil, fmt.Errorf("failed to insert tool call: %w", err)
}

func (s *SQLiteStorage) MarkCallResult(ctx context.Context, id string, result CallResult) error {
	updates := map[string]any{
		"status":        result.Status,
		"output_json":   result.OutputJSON,
		"error_message": result.ErrorMessage,
	}
	if result.HasUsage {
		updates["tokens_in"] = result.TokensIn
		updates["tokens_out"] = result.TokensOut
		updates["cost"] = result.Cost
	}
	return s.db.WithContext(ctx).Model(&models.ToolCall{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *SQLiteStorage) GetCall(ctx context.Context, runID, toolName, key, phase string) (*models.ToolCall, error) {
	var call models.ToolCall
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND tool_name = ? AND idempotency_key = ? AND phase = ?",
			runID, toolName, key, phase).
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *SQLiteStorage) GetCallsByRun(ctx context.Context, runID string) ([]models.ToolCall, error) {
	var calls []models.ToolCall
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&calls).Error
	return calls, err
}

func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
