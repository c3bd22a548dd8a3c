package subagent

import (
	"context"
	"time"

	"github.com/runfold/runfold/model/types"
)

// WaitInput selects which children to await. Empty RunIDs means all current
// children of the caller; TimeoutSec of 0 takes the configured default.
type WaitInput struct {
	RunIDs     []string `json:"runIds,omitempty"`
	TimeoutSec int      `json:"timeoutSec,omitempty"`
}

// ChildResult is one awaited child's outcome.
type ChildResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Text   string `json:"text,omitempty"`
}

// WaitOutput reports the awaited results. TimedOut indicates the deadline
// passed first; the results collected so far are still returned.
type WaitOutput struct {
	TimedOut bool          `json:"timedOut,omitempty"`
	Results  []ChildResult `json:"results"`
}

func (s *Service) wait(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*WaitInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*WaitOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	threadID, err := caller(ctx)
	if err != nil {
		return err
	}
	outcome, err := s.delegation.Wait(ctx, threadID, input.RunIDs, time.Duration(input.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	output.TimedOut = outcome.TimedOut
	for _, result := range outcome.Results {
		output.Results = append(output.Results, ChildResult{
			RunID:  result.RunID,
			Status: string(result.Status),
			Error:  result.Error,
			Text:   result.Text,
		})
	}
	return nil
}
