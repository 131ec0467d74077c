package runtime

import (
	"context"

	"github.com/runledger/runledger/pkg/models"
)

// CompensationResult is the outcome of one compensation attempt during the
// unwind of a failed run.
type CompensationResult struct {
	ToolName string
	ForTool  string
	Output   any
	Err      error
}

// compensate walks the successfully completed forward steps in reverse
// completion order and invokes each registered compensation through the
// interceptor with the original call's arguments. Every attempt is isolated:
// a failing compensation is recorded and logged, and the walk continues.
// compensate never fails; the triggering error stays with the caller.
func (s *Session) compensate(ctx context.Context) []CompensationResult {
	s.mu.Lock()
	steps := make([]executedStep, len(s.executed))
	copy(steps, s.executed)
	s.mu.Unlock()

	results := make([]CompensationResult, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		out, err := s.call(ctx, step.compensation, models.PhaseCompensation, step.args)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("tool", step.compensation).
				Str("compensates", step.toolName).
				Msg("compensation failed")
		}
		results = append(results, CompensationResult{
			ToolName: step.compensation,
			ForTool:  step.toolName,
			Output:   out,
			Err:      err,
		})
	}

	s.mu.Lock()
	s.compResults = results
	s.mu.Unlock()
	return results
}

// CompensationResults returns the outcomes of the most recent unwind, in the
// order the compensations executed. Empty until a failed close triggers one.
func (s *Session) CompensationResults() []CompensationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compResults
}
