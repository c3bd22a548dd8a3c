package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/model/types"
)

// ResultInput selects the child run to inspect.
type ResultInput struct {
	RunID string `json:"runId"`
}

func (i *ResultInput) Validate(ctx context.Context) error {
	if i.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	return nil
}

// ResultOutput carries the child's outcome. NotAChild is set instead of an
// error when the run does not belong to the caller.
type ResultOutput struct {
	RunID     string `json:"runId"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Text      string `json:"text,omitempty"`
	NotAChild bool   `json:"notAChild,omitempty"`
}

func (s *Service) result(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*ResultInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*ResultOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	if err := input.Validate(ctx); err != nil {
		return err
	}
	threadID, err := caller(ctx)
	if err != nil {
		return err
	}
	output.RunID = input.RunID
	result, err := s.delegation.GetResult(ctx, threadID, input.RunID)
	if err != nil {
		if errors.Is(err, model.ErrNotAChild) {
			output.NotAChild = true
			return nil
		}
		return err
	}
	output.Status = string(result.Status)
	output.Error = result.Error
	output.Text = result.Text
	return nil
}
