// Package runtime is a transactional execution engine for sequences of
// side-effecting tool calls. Within a run, each distinct call executes at
// most once; a failed run is unwound through registered compensating tools
// in reverse order; a completed run can be replayed with recorded outputs
// substituted for live execution; and metered cost is tracked against an
// optional per-run budget.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runledger/runledger/pkg/models"
	"github.com/runledger/runledger/pkg/storage"
)

// WorkflowFunc is externally supplied workflow logic executed under a
// session. Its return value becomes the run output unless SetOutput was
// called explicitly.
type WorkflowFunc func(ctx context.Context, s *Session) (any, error)

type Runtime struct {
	store    storage.Storage
	registry *Registry
	logger   zerolog.Logger
}

func New(store storage.Storage, logger zerolog.Logger) *Runtime {
	return &Runtime{
		store:    store,
		registry: NewRegistry(),
		logger:   logger.With().Str("component", "runtime").Logger(),
	}
}

// Register adds a tool to the runtime's registry. All registrations must
// happen before the first session opens.
func (r *Runtime) Register(name string, fn ToolFunc, opts ...RegisterOption) error {
	return r.registry.Register(name, fn, opts...)
}

// SessionOptions configures a run.
type SessionOptions struct {
	Name        string
	Input       any
	Tags        []string
	BudgetLimit *float64

	// CompensateOnBudgetExceeded controls whether a budget breach unwinds
	// completed steps like any other failure. Unset means true.
	CompensateOnBudgetExceeded *bool
}

func (o SessionOptions) compensateOnBudget() bool {
	return o.CompensateOnBudgetExceeded == nil || *o.CompensateOnBudgetExceeded
}

// Open creates the run record (status=running) and returns a live session.
// The caller must eventually call Close exactly once; Run wraps the pair.
func (r *Runtime) Open(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("session name must not be empty")
	}

	inputJSON, err := marshalPayload(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run input: %w", err)
	}
	var tagsJSON string
	if len(opts.Tags) > 0 {
		data, err := json.Marshal(opts.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode run tags: %w", err)
		}
		tagsJSON = string(data)
	}

	run := &models.Run{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Status:      models.RunStatusRunning,
		TagsJSON:    tagsJSON,
		BudgetLimit: opts.BudgetLimit,
		InputJSON:   inputJSON,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s := &Session{
		rt:                 r,
		run:                run,
		logger:             r.logger.With().Str("run_id", run.ID).Str("run", run.Name).Logger(),
		budgetLimit:        opts.BudgetLimit,
		compensateOnBudget: opts.compensateOnBudget(),
	}
	s.logger.Debug().Msg("session opened")
	return s, nil
}

// Run is the scoped form of Open/Close: it guarantees the run reaches a
// terminal status on every exit path, including a panicking workflow, and
// re-raises the original failure to the caller after compensation.
func (r *Runtime) Run(ctx context.Context, opts SessionOptions, fn WorkflowFunc) (any, error) {
	s, err := r.Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.Close(ctx, fmt.Errorf("workflow panic: %v", p))
			panic(p)
		}
	}()

	out, runErr := fn(ctx, s)
	if runErr == nil && !s.outputSet() {
		runErr = s.SetOutput(out)
	}
	closeErr := s.Close(ctx, runErr)
	if runErr != nil {
		return nil, runErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return out, nil
}

// marshalPayload JSON-encodes an opaque run payload; nil stays empty.
func marshalPayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
