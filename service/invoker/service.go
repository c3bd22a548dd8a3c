// Package invoker dispatches tool calls to registered action services. It
// resolves the service and method by name, converts the caller's loose
// argument map into the method's typed input and returns the typed output.
package invoker

import (
	"context"
	"fmt"
	"reflect"

	"github.com/runfold/runfold/extension"
	"github.com/runfold/runfold/model/types"
	"github.com/viant/structology/conv"
)

// Listener is invoked after each tool call completes, whether it returned an
// error or not. Implementations can log, collect metrics or perform any
// other side-effects they require.
type Listener func(service, method string, input, output interface{}, err error)

// Option customises the invoker.
type Option func(*Service)

// WithListener overrides the listener called after every invocation. Passing
// nil disables the callback entirely.
func WithListener(l Listener) Option {
	return func(s *Service) {
		s.listener = l
	}
}

// Service invokes registered tool methods with typed inputs.
type Service struct {
	actions   *extension.Actions
	converter *conv.Converter
	listener  Listener
}

// New creates an invoker over the supplied action registry.
func New(actions *extension.Actions, opts ...Option) *Service {
	options := conv.DefaultOptions()
	options.ClonePointerData = true
	options.IgnoreUnmapped = true
	options.AccessUnexported = true

	s := &Service{
		actions:   actions,
		converter: conv.NewConverter(options),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Invoke calls service.method with args converted to the method's input type
// and returns the populated output.
func (s *Service) Invoke(ctx context.Context, service, method string, args map[string]interface{}) (interface{}, error) {
	toolService := s.actions.Lookup(service)
	if toolService == nil {
		return nil, types.NewServiceNotFoundError(service)
	}
	executable, err := toolService.Method(method)
	if err != nil {
		return nil, fmt.Errorf("failed to find method %v for service %v: %w", method, service, err)
	}
	signature := toolService.Methods().Lookup(method)
	if signature == nil {
		return nil, types.NewMethodNotFoundError(method)
	}

	input, err := s.typedValue(signature.Input, args)
	if err != nil {
		return nil, fmt.Errorf("failed to convert input for %v.%v: %w", service, method, err)
	}
	output, err := s.typedValue(signature.Output, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate output for %v.%v: %w", service, method, err)
	}

	err = executable(ctx, input, output)
	if s.listener != nil {
		s.listener(service, method, input, output, err)
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// typedValue converts value into a freshly allocated instance of aType.
func (s *Service) typedValue(aType reflect.Type, value interface{}) (interface{}, error) {
	instance := newInstancePtr(aType)
	if err := s.converter.Convert(value, instance); err != nil {
		return nil, err
	}
	if aType != nil && aType.Kind() == reflect.Slice {
		return reflect.ValueOf(instance).Elem().Interface(), nil
	}
	return instance, nil
}

var empty interface{}

// newInstancePtr creates a new instance pointer of the given type
func newInstancePtr(t reflect.Type) interface{} {
	if t == nil {
		return empty
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}
