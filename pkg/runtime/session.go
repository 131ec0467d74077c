package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runledger/runledger/pkg/idempotency"
	"github.com/runledger/runledger/pkg/models"
	"github.com/runledger/runledger/pkg/storage"
)

// Session is one run under the engine's supervision. All tool invocations
// pass through Call; the session persists every call, tracks metered cost
// against the budget, and records which completed steps can be compensated.
//
// The engine imposes no scheduling of its own: the workflow decides call
// ordering and may invoke Call from multiple goroutines. Session state is
// guarded by a single mutex; cross-process duplicates are resolved by the
// storage uniqueness constraint, not by in-process locking.
type Session struct {
	rt     *Runtime
	run    *models.Run
	logger zerolog.Logger

	replay bool
	source CallSource

	compensateOnBudget bool
	budgetLimit        *float64

	mu         sync.Mutex
	seq        int
	closed     bool
	output     any
	outSet     bool
	totalCost  float64
	tokensIn   int64
	tokensOut  int64
	executed    []executedStep
	compResults []CompensationResult
}

// executedStep is the in-memory record the unwind walks: a successfully
// completed forward call with a registered compensation.
type executedStep struct {
	toolName     string
	compensation string
	args         map[string]any
}

// Usage reports the metered cost of one call. Provider, model, and
// fingerprint are diagnostic; Cost feeds the budget check.
type Usage struct {
	Provider           string
	Model              string
	TokensIn           int64
	TokensOut          int64
	Cost               float64
	RequestFingerprint string
}

// UsageParser extracts usage from a tool's output. Returning nil means the
// output carried no usage.
type UsageParser func(output any) *Usage

type callConfig struct {
	provider    string
	model       string
	fingerprint string
	parseUsage  UsageParser
}

// CallOption configures a single invocation.
type CallOption func(*callConfig)

// WithMetering marks the call as a metered LLM-style call: provider, model,
// and request fingerprint are stored on the call row, and parse runs against
// the output to record tokens and cost and feed the budget tracker.
func WithMetering(provider, model, fingerprint string, parse UsageParser) CallOption {
	return func(c *callConfig) {
		c.provider = provider
		c.model = model
		c.fingerprint = fingerprint
		c.parseUsage = parse
	}
}

// RunID returns the identifier of the underlying run.
func (s *Session) RunID() string { return s.run.ID }

// Call invokes a registered tool through the interceptor. Identical calls
// within the run execute the underlying function at most once; duplicates
// return the first call's stored outcome. In replay mode the recorded output
// is substituted and no tool function runs.
func (s *Session) Call(ctx context.Context, toolName string, args map[string]any, opts ...CallOption) (any, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("session %s is closed", s.run.ID)
	}
	return s.call(ctx, toolName, models.PhaseForward, args, opts...)
}

// RecordUsage is the metered-usage adapter entry point: it adds the cost
// delta to the run total and errors with BudgetExceededError the moment the
// total passes the configured limit. The add and the threshold check are one
// atomic step; no concurrent update can slip between them.
func (s *Session) RecordUsage(u Usage) error {
	if s.isClosed() {
		return fmt.Errorf("session %s is closed", s.run.ID)
	}
	s.logger.Debug().
		Str("provider", u.Provider).
		Str("model", u.Model).
		Str("request_fingerprint", u.RequestFingerprint).
		Float64("cost", u.Cost).
		Msg("usage recorded")
	return s.addUsage(u)
}

// SetOutput stages the run's output payload. It is persisted when the
// session closes successfully; the session must still be running.
func (s *Session) SetOutput(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.run.ID)
	}
	s.output = v
	s.outSet = true
	return nil
}

// Close finalizes the run exactly once. A nil runErr commits the run as
// completed with its staged output. A non-nil runErr unwinds completed steps
// (subject to the budget policy), marks the run failed, and leaves runErr for
// the caller to propagate; Close itself only reports persistence problems.
func (s *Session) Close(ctx context.Context, runErr error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	output := s.output
	s.mu.Unlock()

	if s.replay {
		// Replay is read-only; the recorded run keeps its original state.
		s.logger.Debug().Msg("replay session closed")
		return nil
	}

	if runErr == nil {
		outputJSON, err := marshalPayload(output)
		if err != nil {
			runErr = fmt.Errorf("failed to encode run output: %w", err)
		} else {
			s.run.OutputJSON = outputJSON
			s.run.Status = models.RunStatusCompleted
		}
	}
	if runErr != nil {
		if s.shouldCompensate(runErr) {
			results := s.compensate(ctx)
			s.logger.Info().Int("compensations", len(results)).Msg("unwind finished")
		}
		s.run.Status = models.RunStatusFailed
		s.run.ErrorMessage = runErr.Error()
	}

	now := time.Now().UTC()
	s.run.CompletedAt = &now
	s.run.TotalCost = s.totalCost
	s.run.TotalTokensIn = s.tokensIn
	s.run.TotalTokensOut = s.tokensOut

	if err := s.rt.store.FinishRun(ctx, s.run); err != nil {
		return fmt.Errorf("failed to persist final run status: %w", err)
	}
	s.logger.Info().Str("status", s.run.Status).Msg("session closed")
	return nil
}

func (s *Session) shouldCompensate(runErr error) bool {
	var be *BudgetExceededError
	if errors.As(runErr, &be) {
		return s.compensateOnBudget
	}
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) outputSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSet
}

func (s *Session) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Session) addUsage(u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensIn += u.TokensIn
	s.tokensOut += u.TokensOut
	s.totalCost += u.Cost
	if s.budgetLimit != nil && s.totalCost > *s.budgetLimit {
		return &BudgetExceededError{TotalCost: s.totalCost, Limit: *s.budgetLimit}
	}
	return nil
}

// call is the single choke point every invocation passes through, forward
// and compensation alike.
func (s *Session) call(ctx context.Context, toolName, phase string, args map[string]any, opts ...CallOption) (any, error) {
	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key, err := idempotency.Key(toolName, phase, args)
	if err != nil {
		return nil, err
	}

	// Replay substitutes forward calls only; compensation calls always take
	// the live path (unreachable today, replay sessions never unwind).
	if s.replay && phase == models.PhaseForward {
		return s.replayCall(toolName, phase, key)
	}

	tool, ok := s.rt.registry.Lookup(toolName)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}

	inputJSON, err := marshalPayload(args)
	if err != nil {
		return nil, &idempotency.EncodingError{Err: err}
	}

	now := time.Now().UTC()
	call := &models.ToolCall{
		ID:                 uuid.NewString(),
		RunID:              s.run.ID,
		Seq:                s.nextSeq(),
		ToolName:           toolName,
		IdempotencyKey:     key,
		Phase:              phase,
		Status:             models.CallStatusPending,
		InputJSON:          inputJSON,
		Provider:           cfg.provider,
		Model:              cfg.model,
		RequestFingerprint: cfg.fingerprint,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	existing, err := s.rt.store.InsertPendingCall(ctx, call)
	if errors.Is(err, storage.ErrCallExists) {
		switch existing.Status {
		case models.CallStatusSuccess:
			s.logger.Debug().Str("tool", toolName).Str("key", key).Msg("idempotent hit")
			return unmarshalPayload(existing.OutputJSON)
		case models.CallStatusFailed:
			return nil, fmt.Errorf("prior attempt failed: %s", existing.ErrorMessage)
		default:
			return nil, &DuplicateInProgressError{ToolName: toolName, Key: key}
		}
	}
	if err != nil {
		return nil, err
	}

	out, toolErr := tool.Fn(ctx, args)
	if toolErr != nil {
		if merr := s.rt.store.MarkCallResult(ctx, call.ID, storage.CallResult{
			Status:       models.CallStatusFailed,
			ErrorMessage: toolErr.Error(),
		}); merr != nil {
			s.logger.Error().Err(merr).Str("tool", toolName).Msg("failed to persist call failure")
		}
		return nil, toolErr
	}

	outputJSON, err := marshalPayload(out)
	if err != nil {
		encErr := fmt.Errorf("failed to encode output of tool %q: %w", toolName, err)
		_ = s.rt.store.MarkCallResult(ctx, call.ID, storage.CallResult{
			Status:       models.CallStatusFailed,
			ErrorMessage: encErr.Error(),
		})
		return nil, encErr
	}

	result := storage.CallResult{
		Status:     models.CallStatusSuccess,
		OutputJSON: outputJSON,
	}
	var usage *Usage
	if cfg.parseUsage != nil {
		if usage = cfg.parseUsage(out); usage != nil {
			result.HasUsage = true
			result.TokensIn = usage.TokensIn
			result.TokensOut = usage.TokensOut
			result.Cost = usage.Cost
		}
	}
	if err := s.rt.store.MarkCallResult(ctx, call.ID, result); err != nil {
		return nil, fmt.Errorf("failed to persist result of tool %q: %w", toolName, err)
	}

	if phase == models.PhaseForward && tool.Compensation != "" {
		s.mu.Lock()
		s.executed = append(s.executed, executedStep{
			toolName:     toolName,
			compensation: tool.Compensation,
			args:         args,
		})
		s.mu.Unlock()
	}

	if usage != nil {
		if err := s.addUsage(*usage); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Session) replayCall(toolName, phase, key string) (any, error) {
	rec, ok := s.source.Lookup(toolName, key, phase)
	if !ok {
		return nil, &ReplayMismatchError{ToolName: toolName, Phase: phase, Key: key}
	}
	if rec.Status != models.CallStatusSuccess {
		return nil, fmt.Errorf("recorded call for tool %q ended in status %s: %s",
			toolName, rec.Status, rec.ErrorMessage)
	}
	return unmarshalPayload(rec.OutputJSON)
}

// unmarshalPayload decodes a stored JSON payload into generic Go values.
// Short-circuited and replayed outputs therefore look like they came through
// a JSON round trip; only the first execution sees the tool's native value.
func unmarshalPayload(data string) (any, error) {
	if data == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode stored output: %w", err)
	}
	return v, nil
}
