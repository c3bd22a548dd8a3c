package runfold

import (
	"context"
	"fmt"

	"github.com/runfold/runfold/extension"
	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/model/types"
	"github.com/runfold/runfold/service/action/subagent"
	"github.com/runfold/runfold/service/archive"
	"github.com/runfold/runfold/service/dao"
	runmemory "github.com/runfold/runfold/service/dao/run/memory"
	threadmemory "github.com/runfold/runfold/service/dao/thread/memory"
	"github.com/runfold/runfold/service/delegation"
	"github.com/runfold/runfold/service/hub"
	"github.com/runfold/runfold/service/invoker"
	"github.com/runfold/runfold/service/orchestrator"
	"github.com/runfold/runfold/service/store"
	storememory "github.com/runfold/runfold/service/store/memory"
	"github.com/viant/x"
)

// Service wires the engine together: shared store, orchestrator, event
// fan-out hub, delegation and the tool registry.
type Service struct {
	config  *Config
	store   store.Store
	runs    dao.Service[string, model.Run]
	threads dao.Service[string, model.Thread]

	producer       orchestrator.ProducerFactory
	archiveBaseURL string

	actions           *extension.Actions
	extensionTypes    []*x.Type
	extensionServices []types.Service

	hub          *hub.Service
	orchestrator *orchestrator.Service
	delegation   *delegation.Service
	invoker      *invoker.Service
	archiver     *archive.Service
}

// New creates an engine service. A producer factory is required; every other
// collaborator defaults to an in-memory implementation.
func New(options ...Option) (*Service, error) {
	s := &Service{config: DefaultConfig()}
	for _, option := range options {
		option(s)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) init() error {
	if s.producer == nil {
		return fmt.Errorf("producer factory is required")
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.store == nil {
		s.store = storememory.New(storememory.DefaultConfig())
	}
	if s.runs == nil {
		s.runs = runmemory.New()
	}
	if s.threads == nil {
		s.threads = threadmemory.New()
	}

	var orchestratorOptions []orchestrator.Option
	if s.archiveBaseURL != "" {
		s.archiver = archive.New(s.archiveBaseURL, s.store)
		orchestratorOptions = append(orchestratorOptions, orchestrator.WithArchiver(s.archiver))
	}
	var err error
	s.orchestrator, err = orchestrator.New(s.config.Orchestrator, s.store, s.runs, s.producer, orchestratorOptions...)
	if err != nil {
		return err
	}
	s.hub = hub.New(s.store, s.config.Hub)
	s.delegation, err = delegation.New(s.config.Delegation, s.runs, s.threads, s.store, s.orchestrator)
	if err != nil {
		return err
	}

	s.actions = extension.NewActions(s.extensionTypes...)
	s.actions.Register(subagent.New(s.delegation))
	for _, service := range s.extensionServices {
		s.actions.Register(service)
	}
	s.invoker = invoker.New(s.actions)
	return nil
}

// Start launches the orchestrator workers.
func (s *Service) Start(ctx context.Context) error {
	return s.orchestrator.Start(ctx)
}

// Shutdown stops the workers and tears down all hubs.
func (s *Service) Shutdown() {
	s.orchestrator.Shutdown()
	s.hub.Shutdown()
}

// StartRun schedules the run for execution, creating it when needed.
func (s *Service) StartRun(ctx context.Context, run *model.Run) (*orchestrator.Instance, error) {
	return s.orchestrator.StartRun(ctx, run)
}

// StopRun requests cooperative cancellation of a running run.
func (s *Service) StopRun(runID, reason string) {
	s.orchestrator.SignalStop(runID, reason)
}

// Subscribe attaches a new consumer to the run's live event feed.
func (s *Service) Subscribe(ctx context.Context, runID string) (*hub.Queue, error) {
	return s.hub.Subscribe(ctx, runID)
}

// Unsubscribe detaches a consumer queue obtained from Subscribe.
func (s *Service) Unsubscribe(runID string, queue *hub.Queue) {
	s.hub.Unsubscribe(runID, queue)
}

// GetStatus reports the live control state of a run instance.
func (s *Service) GetStatus(runID string) (*orchestrator.StatusView, error) {
	return s.orchestrator.QueryStatus(runID)
}

// Invoke dispatches a tool call on behalf of the given thread.
func (s *Service) Invoke(ctx context.Context, threadID, service, method string, args map[string]interface{}) (interface{}, error) {
	ctx = delegation.ContextWithCaller(ctx, threadID)
	return s.invoker.Invoke(ctx, service, method, args)
}

// RegisterExtensionTypes adds Go types to the tool type registry.
func (s *Service) RegisterExtensionTypes(goTypes ...*x.Type) {
	for i := range goTypes {
		s.actions.Types().Register(goTypes[i])
	}
}

// RegisterExtensionServices adds tool services to the registry.
func (s *Service) RegisterExtensionServices(services ...types.Service) {
	for i := range services {
		s.actions.Register(services[i])
	}
}

// Hub returns the event fan-out hub.
func (s *Service) Hub() *hub.Service {
	return s.hub
}

// Orchestrator returns the run orchestrator.
func (s *Service) Orchestrator() *orchestrator.Service {
	return s.orchestrator
}

// Delegation returns the delegation service.
func (s *Service) Delegation() *delegation.Service {
	return s.delegation
}

// Actions returns the tool service registry.
func (s *Service) Actions() *extension.Actions {
	return s.actions
}

// Store returns the shared store backend.
func (s *Service) Store() store.Store {
	return s.store
}
