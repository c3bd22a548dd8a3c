package dao

import (
	"context"
)

// Service is a generic persistence contract for engine entities.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

// Parameter is a simple name/value filter passed to List.
type Parameter struct {
	Name  string
	Value string
}

// NewParameter creates a list filter.
func NewParameter(name, value string) *Parameter {
	return &Parameter{Name: name, Value: value}
}

// Common filter names understood by the entity DAOs.
const (
	ParamStatus         = "status"
	ParamThreadID       = "threadId"
	ParamParentThreadID = "parentThreadId"
)
