// Package subagent exposes the delegation protocol as a tool service so a
// running agent can spawn, inspect and await child runs. Business outcomes
// (depth cap reached, wait timeout, foreign run) are reported through output
// fields; Go errors are reserved for infrastructure failures.
package subagent

import (
	"context"
	"fmt"
	"reflect"

	"github.com/runfold/runfold/model/types"
	"github.com/runfold/runfold/service/delegation"
)

const name = "subagent"

// Service adapts the delegation service into a tool surface.
type Service struct {
	delegation *delegation.Service
}

// New creates a subagent tool service.
func New(delegationService *delegation.Service) *Service {
	return &Service{delegation: delegationService}
}

// Name returns the service name
func (s *Service) Name() string {
	return name
}

// Methods returns the service methods
func (s *Service) Methods() types.Signatures {
	return []types.Signature{
		{
			Name:        "spawn",
			Description: "Delegates a task to a new child agent running in the same workspace, returning the child run and thread identifiers.",
			Input:       reflect.TypeOf(&SpawnInput{}),
			Output:      reflect.TypeOf(&SpawnOutput{}),
		},
		{
			Name:        "list",
			Description: "Lists the caller's delegated children with their current status and an aggregate count per status.",
			Input:       reflect.TypeOf(&ListInput{}),
			Output:      reflect.TypeOf(&ListOutput{}),
		},
		{
			Name:        "result",
			Description: "Fetches the outcome of a delegated child run, including its final output text when still retained.",
			Input:       reflect.TypeOf(&ResultInput{}),
			Output:      reflect.TypeOf(&ResultOutput{}),
		},
		{
			Name:        "wait",
			Description: "Blocks until the selected children reach a terminal state or the timeout elapses, returning their results and a timeout flag.",
			Input:       reflect.TypeOf(&WaitInput{}),
			Output:      reflect.TypeOf(&WaitOutput{}),
		},
	}
}

// Method returns the specified method
func (s *Service) Method(name string) (types.Executable, error) {
	switch name {
	case "spawn":
		return s.spawn, nil
	case "list":
		return s.list, nil
	case "result":
		return s.result, nil
	case "wait":
		return s.wait, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

// caller resolves the calling thread from the context.
func caller(ctx context.Context) (string, error) {
	threadID := delegation.CallerFromContext(ctx)
	if threadID == "" {
		return "", fmt.Errorf("calling thread not set on context")
	}
	return threadID, nil
}
