// Package orchestrator drives a run from pending to a terminal state. The
// workflow layer (Service + Instance) wraps the activity with a retry policy,
// an asynchronous stop signal and heartbeat supervision; the activity streams
// agent output into the run's event log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/runfold/runfold/internal/clock"
	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/dao"
	"github.com/runfold/runfold/service/messaging"
	mmemory "github.com/runfold/runfold/service/messaging/memory"
	"github.com/runfold/runfold/service/store"
	"github.com/runfold/runfold/tracing"
)

// Config represents orchestrator service configuration.
type Config struct {
	// WorkerCount is the number of workers executing run workflows.
	WorkerCount int `json:"workers" yaml:"workers"`

	// ExecutionTimeout bounds a single activity attempt.
	ExecutionTimeout time.Duration `json:"executionTimeout" yaml:"executionTimeout"`

	// HeartbeatInterval is how often the activity must emit liveness while
	// producing output.
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`

	// HeartbeatTimeout is the staleness threshold after which the watchdog
	// cancels the attempt.
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`

	// LogMaxLen bounds the run event log (approximate trim).
	LogMaxLen int64 `json:"logMaxLen" yaml:"logMaxLen"`

	// LogTTL is the event log's grace period, refreshed while producing, so
	// disconnected observers can catch up after completion.
	LogTTL time.Duration `json:"logTtl" yaml:"logTtl"`

	// InstanceRetention is how long a resolved workflow handle stays queryable
	// before it is evicted from the registry.
	InstanceRetention time.Duration `json:"instanceRetention" yaml:"instanceRetention"`

	// Retry governs activity retries.
	Retry RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:       5,
		ExecutionTimeout:  2 * time.Hour,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  2 * time.Minute,
		LogMaxLen:         1000,
		LogTTL:            time.Hour,
		InstanceRetention: 5 * time.Minute,
		Retry:             DefaultRetryPolicy(),
	}
}

type startRequest struct {
	RunID string
}

// Service executes run workflows.
type Service struct {
	config   Config
	store    store.Store
	runs     dao.Service[string, model.Run]
	producer ProducerFactory
	archiver Archiver

	queue messaging.Queue[startRequest]

	mu        sync.Mutex
	instances map[string]*Instance

	workerWg   sync.WaitGroup
	cancelFns  []context.CancelFunc
	shutdownMu sync.Mutex
}

// Option customises the orchestrator service.
type Option func(*Service)

// WithQueue overrides the start-request queue.
func WithQueue(queue messaging.Queue[startRequest]) Option {
	return func(s *Service) { s.queue = queue }
}

// WithArchiver attaches an event-log archiver invoked on terminal states.
func WithArchiver(archiver Archiver) Option {
	return func(s *Service) { s.archiver = archiver }
}

// New creates an orchestrator service.
func New(config Config, s store.Store, runs dao.Service[string, model.Run], producer ProducerFactory, options ...Option) (*Service, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("run DAO is required")
	}
	if producer == nil {
		return nil, fmt.Errorf("producer factory is required")
	}
	defaults := DefaultConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.LogMaxLen <= 0 {
		config.LogMaxLen = defaults.LogMaxLen
	}
	if config.LogTTL <= 0 {
		config.LogTTL = defaults.LogTTL
	}
	if config.InstanceRetention <= 0 {
		config.InstanceRetention = defaults.InstanceRetention
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}
	ret := &Service{
		config:    config,
		store:     s,
		runs:      runs,
		producer:  producer,
		instances: map[string]*Instance{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.queue == nil {
		ret.queue = mmemory.NewQueue[startRequest](mmemory.DefaultConfig())
	}
	return ret, nil
}

// Start begins the worker pool.
func (s *Service) Start(ctx context.Context) error {
	for i := 0; i < s.config.WorkerCount; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		s.shutdownMu.Lock()
		s.cancelFns = append(s.cancelFns, cancel)
		s.shutdownMu.Unlock()
		s.workerWg.Add(1)
		go s.worker(workerCtx, i)
	}
	return nil
}

// Shutdown stops the worker pool and waits for in-flight workflows.
func (s *Service) Shutdown() {
	s.shutdownMu.Lock()
	for _, cancel := range s.cancelFns {
		cancel()
	}
	s.cancelFns = nil
	s.shutdownMu.Unlock()
	s.workerWg.Wait()
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.workerWg.Done()
	for {
		msg, err := s.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		request := msg.T()
		s.mu.Lock()
		instance := s.instances[InstanceID(request.RunID)]
		s.mu.Unlock()
		if instance == nil {
			_ = msg.Ack()
			continue
		}
		if err := s.supervise(ctx, instance); err != nil {
			log.Printf("worker %d: workflow for run %s failed: %v", id, request.RunID, err)
			if nackErr := msg.Nack(err); errors.Is(nackErr, messaging.ErrDeadLettered) {
				s.abandon(instance, err)
			}
			continue
		}
		_ = msg.Ack()
	}
}

// StartRun creates (or re-joins) the workflow instance for the run and
// schedules it for execution. The instance id is derived deterministically
// from the run id, so a second call for the same run returns the existing
// handle instead of executing twice.
func (s *Service) StartRun(ctx context.Context, run *model.Run) (instance *Instance, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.StartRun", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	if run == nil || run.ID == "" {
		return nil, fmt.Errorf("run with id is required")
	}
	span.WithAttributes(map[string]string{"run.id": run.ID})

	s.mu.Lock()
	if existing, ok := s.instances[InstanceID(run.ID)]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	instance = newInstance(run.ID)
	s.instances[instance.ID] = instance
	s.mu.Unlock()

	if _, loadErr := s.runs.Load(ctx, run.ID); errors.Is(loadErr, dao.ErrNotFound) {
		if run.Status == "" {
			run.Status = model.RunStatusPending
		}
		if run.CreatedAt.IsZero() {
			run.CreatedAt = clock.Now()
		}
		if err = s.runs.Save(ctx, run); err != nil {
			s.removeInstance(instance.ID)
			return nil, err
		}
	}
	if err = s.queue.Publish(ctx, &startRequest{RunID: run.ID}); err != nil {
		s.removeInstance(instance.ID)
		return nil, fmt.Errorf("failed to schedule run %s: %w", run.ID, err)
	}
	return instance, nil
}

// Enqueue schedules a run for execution, discarding the handle. It exists so
// collaborators can depend on a minimal scheduling contract.
func (s *Service) Enqueue(ctx context.Context, run *model.Run) error {
	_, err := s.StartRun(ctx, run)
	return err
}

func (s *Service) removeInstance(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}

// SignalStop delivers an asynchronous stop signal. Unknown or already
// terminal runs are a no-op beyond a best-effort log line.
func (s *Service) SignalStop(runID, reason string) {
	s.mu.Lock()
	instance := s.instances[InstanceID(runID)]
	s.mu.Unlock()
	if instance == nil {
		log.Printf("orchestrator: stop signal for unknown run %s ignored", runID)
		return
	}
	if instance.Status().IsTerminal() {
		log.Printf("orchestrator: stop signal for terminal run %s ignored", runID)
		return
	}
	instance.RequestStop(reason)
}

// QueryStatus is a non-blocking read of workflow-local state.
func (s *Service) QueryStatus(runID string) (*StatusView, error) {
	s.mu.Lock()
	instance := s.instances[InstanceID(runID)]
	s.mu.Unlock()
	if instance == nil {
		return nil, fmt.Errorf("no workflow instance for run %s", runID)
	}
	shouldStop, reason := instance.StopRequested()
	return &StatusView{ShouldStop: shouldStop, StopReason: reason}, nil
}

// Describe reads engine-level metadata about the instance.
func (s *Service) Describe(runID string) (*Description, error) {
	s.mu.Lock()
	instance := s.instances[InstanceID(runID)]
	s.mu.Unlock()
	if instance == nil {
		return nil, fmt.Errorf("no workflow instance for run %s", runID)
	}
	description := instance.describe()
	return &description, nil
}

// Instance returns the workflow handle for a run, if any.
func (s *Service) Instance(runID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[InstanceID(runID)]
	return instance, ok
}

// supervise is the workflow body: it runs the activity under the retry
// policy, supervises its heartbeat and resolves the run to a terminal state.
// Cancellation resolves to stopped and is never retried.
func (s *Service) supervise(ctx context.Context, instance *Instance) error {
	superviseCtx, span := tracing.StartSpan(ctx, "orchestrator.supervise", "INTERNAL")
	span.WithAttributes(map[string]string{"run.id": instance.RunID, "instance.id": instance.ID})
	defer tracing.EndSpan(span, nil)

	run, err := s.runs.Load(superviseCtx, instance.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", instance.RunID, err)
	}
	if status := instance.Status(); status.IsTerminal() {
		// a redelivery after the terminal save failed: retry persistence
		// only, never the activity
		return s.resolve(instance, run, status, instance.Error())
	}
	if run.Status.IsTerminal() {
		// the run already finished, e.g. re-started after eviction
		instance.resolve(run.Status, run.Error)
		s.evictLater(instance)
		return nil
	}
	if shouldStop, reason := instance.StopRequested(); shouldStop {
		// stopped before the first attempt - no activity to wait for
		return s.resolve(instance, run, model.RunStatusStopped, reason)
	}

	now := clock.Now()
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	if err := s.runs.Save(superviseCtx, run); err != nil {
		return fmt.Errorf("failed to mark run %s running: %w", instance.RunID, err)
	}
	instance.setStatus(model.RunStatusRunning)

	attempts := 0
	for {
		attemptCtx, cancel := context.WithTimeout(superviseCtx, s.config.ExecutionTimeout)
		instance.setCancel(cancel)
		instance.Heartbeat()
		watchDone := make(chan struct{})
		go s.watchHeartbeat(attemptCtx, instance, cancel, watchDone)

		result, activityErr := s.runActivity(attemptCtx, instance, run)

		cancel()
		<-watchDone

		// The activity has returned, i.e. cancellation (if any) is fully
		// acknowledged and cleanup ran; only now may the workflow resolve.
		if shouldStop, reason := instance.StopRequested(); shouldStop {
			return s.resolve(instance, run, model.RunStatusStopped, reason)
		}
		if activityErr == nil {
			return s.resolve(instance, run, result.Status, result.Error)
		}

		attempts++
		retry, delay := s.config.Retry.Next(attempts)
		if !retry {
			return s.resolve(instance, run, model.RunStatusFailed, activityErr.Error())
		}
		log.Printf("orchestrator: run %s attempt %d failed, retrying in %s: %v", instance.RunID, attempts, delay, activityErr)
		select {
		case <-time.After(delay):
		case <-superviseCtx.Done():
			if shouldStop, reason := instance.StopRequested(); shouldStop {
				return s.resolve(instance, run, model.RunStatusStopped, reason)
			}
			return s.resolve(instance, run, model.RunStatusFailed, superviseCtx.Err().Error())
		}
	}
}

// watchHeartbeat cancels the attempt when the activity stops heartbeating.
func (s *Service) watchHeartbeat(ctx context.Context, instance *Instance, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	interval := s.config.HeartbeatTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if clock.Now().Sub(instance.LastHeartbeat()) > s.config.HeartbeatTimeout {
				log.Printf("orchestrator: run %s heartbeat expired, cancelling attempt", instance.RunID)
				cancel()
				return
			}
		}
	}
}

// resolve persists the run's terminal state and closes the instance.
func (s *Service) resolve(instance *Instance, run *model.Run, status model.RunStatus, errMsg string) error {
	// persistence must survive worker shutdown, hence a fresh context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := clock.Now()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	if err := s.runs.Save(ctx, run); err != nil {
		instance.resolve(status, errMsg)
		return fmt.Errorf("failed to persist terminal state of run %s: %w", run.ID, err)
	}
	instance.resolve(status, errMsg)
	s.evictLater(instance)

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, run.ID); err != nil {
			log.Printf("orchestrator: failed to archive run %s: %v", run.ID, err)
		}
	}
	return nil
}

// evictLater removes a resolved instance from the registry after the
// retention window, keeping recent runs queryable and Start idempotent while
// bounding registry growth. The pointer comparison protects a fresh handle
// registered after a re-start from a stale timer.
func (s *Service) evictLater(instance *Instance) {
	time.AfterFunc(s.config.InstanceRetention, func() {
		s.mu.Lock()
		if s.instances[instance.ID] == instance {
			delete(s.instances, instance.ID)
		}
		s.mu.Unlock()
	})
}

// abandon runs after the start request was dead-lettered: no redelivery will
// come, so watchers get their terminal control message here or never. An
// already resolved instance means the activity finished and only persistence
// kept failing, in which case the terminal signal went out long ago.
func (s *Service) abandon(instance *Instance, cause error) {
	if instance.Status().IsTerminal() {
		s.evictLater(instance)
		return
	}
	log.Printf("orchestrator: start request for run %s dead-lettered: %v", instance.RunID, cause)
	s.writeFailure(instance.RunID, cause)
	instance.resolve(model.RunStatusFailed, cause.Error())
	s.evictLater(instance)
}
