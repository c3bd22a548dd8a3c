package subagent

import (
	"context"
	"time"

	"github.com/runfold/runfold/model/types"
)

// ListInput has no parameters; the caller is taken from the context.
type ListInput struct{}

// ChildView is one child row in a list response.
type ChildView struct {
	RunID       string     `json:"runId"`
	ThreadID    string     `json:"threadId"`
	Task        string     `json:"task,omitempty"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ListOutput reports the caller's children and counts per status.
type ListOutput struct {
	Children []ChildView    `json:"children"`
	Counts   map[string]int `json:"counts"`
}

func (s *Service) list(ctx context.Context, in, out interface{}) error {
	if _, ok := in.(*ListInput); !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*ListOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	threadID, err := caller(ctx)
	if err != nil {
		return err
	}
	snapshot, err := s.delegation.List(ctx, threadID)
	if err != nil {
		return err
	}
	output.Counts = make(map[string]int, len(snapshot.Counts))
	for status, count := range snapshot.Counts {
		output.Counts[string(status)] = count
	}
	for _, child := range snapshot.Children {
		output.Children = append(output.Children, ChildView{
			RunID:       child.RunID,
			ThreadID:    child.ThreadID,
			Task:        child.Task,
			Status:      string(child.Status),
			StartedAt:   child.StartedAt,
			CompletedAt: child.CompletedAt,
			Error:       child.Error,
		})
	}
	return nil
}
