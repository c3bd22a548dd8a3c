package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/model/types"
)

// SpawnInput describes the task to delegate.
type SpawnInput struct {
	Task        string `json:"task"`
	TaskContext string `json:"taskContext,omitempty"`
}

func (i *SpawnInput) Validate(ctx context.Context) error {
	if i.Task == "" {
		return fmt.Errorf("task is required")
	}
	return nil
}

// SpawnOutput identifies the spawned child, or carries the refusal reason.
type SpawnOutput struct {
	ChildRunID    string `json:"childRunId,omitempty"`
	ChildThreadID string `json:"childThreadId,omitempty"`
	Refused       bool   `json:"refused,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Service) spawn(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*SpawnInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*SpawnOutput)
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
	spawned, err := s.delegation.Spawn(ctx, threadID, input.Task, input.TaskContext)
	if err != nil {
		if errors.Is(err, model.ErrDepthExceeded) {
			output.Refused = true
			output.Reason = "maximum delegation depth reached; complete the task directly"
			return nil
		}
		return err
	}
	output.ChildRunID = spawned.ChildRunID
	output.ChildThreadID = spawned.ChildThreadID
	return nil
}
