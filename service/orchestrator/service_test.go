package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runfold/runfold/model"
	runmemory "github.com/runfold/runfold/service/dao/run/memory"
	mmemory "github.com/runfold/runfold/service/messaging/memory"
	"github.com/runfold/runfold/service/store"
	storememory "github.com/runfold/runfold/service/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptProducer emits a fixed sequence of entries and then io.EOF.
type scriptProducer struct {
	entries []*model.Entry
	idx     int
}

func (p *scriptProducer) Next(ctx context.Context) (*model.Entry, error) {
	if p.idx >= len(p.entries) {
		return nil, io.EOF
	}
	entry := p.entries[p.idx]
	p.idx++
	return entry, nil
}

// blockingProducer parks in Next until the attempt context dies.
type blockingProducer struct{}

func (p *blockingProducer) Next(ctx context.Context) (*model.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testEnv struct {
	store   *storememory.Store
	runs    *runmemory.Service
	service *Service
}

func newTestEnv(t *testing.T, config Config, factory ProducerFactory) *testEnv {
	t.Helper()
	s := storememory.New(storememory.DefaultConfig())
	runs := runmemory.New()
	if config.WorkerCount == 0 {
		config.WorkerCount = 1
	}
	service, err := New(config, s, runs, factory)
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() {
		service.Shutdown()
		_ = s.Close()
	})
	return &testEnv{store: s, runs: runs, service: service}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func assistantEntry(text string) *model.Entry {
	return &model.Entry{Kind: model.EntryKindMessage, Role: "assistant", Text: text}
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &scriptProducer{entries: []*model.Entry{
			assistantEntry("thinking"),
			{Kind: model.EntryKindToolCall, Tool: "search"},
			assistantEntry("done"),
		}}, nil
	})

	sub, err := env.store.Subscribe(ctx, store.ControlChannel("r1"))
	require.NoError(t, err)
	defer sub.Close()

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "run-r1", instance.ID)

	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)

	run, err := env.runs.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	// the terminal status entry is the last log record
	entries, err := env.store.ReadRange(ctx, store.StreamKey("r1"))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	last, err := model.UnmarshalEntry(entries[len(entries)-1].Payload)
	require.NoError(t, err)
	terminal, ok := last.TerminalStatus()
	require.True(t, ok)
	assert.Equal(t, model.RunStatusCompleted, terminal)

	message, err := sub.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.ControlEndStream, message.Payload)
}

func TestTerminalStatusEntryEndsRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &scriptProducer{entries: []*model.Entry{
			assistantEntry("work"),
			model.StatusEntry(model.RunStatusFailed, "boom"),
		}}, nil
	})

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	run, err := env.runs.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "boom", run.Error)
}

func TestTerminatingToolCallCompletesRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &scriptProducer{entries: []*model.Entry{
			assistantEntry("wrapping up"),
			{Kind: model.EntryKindToolCall, Tool: model.TerminatingTool},
		}}, nil
	})

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
}

func TestStopResolvesStopped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &blockingProducer{}, nil
	})

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return instance.Status() == model.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	env.service.SignalStop("r1", "user requested")
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStopped, status)

	run, err := env.runs.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStopped, run.Status)

	// cooperative stop leaves a stopped status entry behind
	entries, err := env.store.ReadRange(ctx, store.StreamKey("r1"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last, err := model.UnmarshalEntry(entries[len(entries)-1].Payload)
	require.NoError(t, err)
	terminal, ok := last.TerminalStatus()
	require.True(t, ok)
	assert.Equal(t, model.RunStatusStopped, terminal)
}

func TestStopUnknownRunIsNoop(t *testing.T) {
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &scriptProducer{}, nil
	})
	env.service.SignalStop("missing", "whatever")
}

func TestIdempotentStart(t *testing.T) {
	ctx := context.Background()
	var factoryCalls int32
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &scriptProducer{entries: []*model.Entry{assistantEntry("once")}}, nil
	})

	first, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	second, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = first.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
}

func TestProducerCrashFailsRunWithErrorControl(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return nil, fmt.Errorf("model backend unavailable")
	})

	sub, err := env.store.Subscribe(ctx, store.ControlChannel("r1"))
	require.NoError(t, err)
	defer sub.Close()

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	run, err := env.runs.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, run.Error, "model backend unavailable")

	// the failure was written to the log and announced before propagation
	entries, err := env.store.ReadRange(ctx, store.StreamKey("r1"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last, err := model.UnmarshalEntry(entries[len(entries)-1].Payload)
	require.NoError(t, err)
	terminal, ok := last.TerminalStatus()
	require.True(t, ok)
	assert.Equal(t, model.RunStatusFailed, terminal)

	message, err := sub.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.ControlError, message.Payload)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	ctx := context.Background()
	var factoryCalls int32
	env := newTestEnv(t, Config{Retry: fastRetry(3)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		if atomic.AddInt32(&factoryCalls, 1) == 1 {
			return nil, fmt.Errorf("transient")
		}
		return &scriptProducer{entries: []*model.Entry{assistantEntry("recovered")}}, nil
	})

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&factoryCalls))
}

// flakyRunDAO fails Save a fixed number of times for terminal statuses and
// delegates everything else to the embedded in-memory DAO.
type flakyRunDAO struct {
	*runmemory.Service
	terminalFailures int32
}

func (d *flakyRunDAO) Save(ctx context.Context, run *model.Run) error {
	if run.Status.IsTerminal() && atomic.AddInt32(&d.terminalFailures, -1) >= 0 {
		return fmt.Errorf("store offline")
	}
	return d.Service.Save(ctx, run)
}

// TestTerminalSaveFailureRetriesPersistenceOnly verifies that a redelivery
// after a failed terminal save retries just the save: the activity is not
// re-executed, the handle stays resolved and the durable record never flips
// back to running.
func TestTerminalSaveFailureRetriesPersistenceOnly(t *testing.T) {
	ctx := context.Background()
	s := storememory.New(storememory.DefaultConfig())
	runs := &flakyRunDAO{Service: runmemory.New(), terminalFailures: 1}
	queue := mmemory.NewQueue[startRequest](mmemory.Config{MaxRetries: 3, RetryDelay: time.Millisecond, QueueBuffer: 10})
	var factoryCalls int32
	service, err := New(Config{WorkerCount: 1, Retry: fastRetry(1)}, s, runs, func(ctx context.Context, run *model.Run) (Producer, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &scriptProducer{entries: []*model.Entry{assistantEntry("done")}}, nil
	}, WithQueue(queue))
	require.NoError(t, err)
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		service.Shutdown()
		_ = s.Close()
	})

	instance, err := service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)

	require.Eventually(t, func() bool {
		run, loadErr := runs.Load(ctx, "r1")
		return loadErr == nil && run.Status == model.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.RunStatusCompleted, instance.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
	assert.Equal(t, 0, queue.DLQSize())
}

// runningSaveFailDAO refuses to mark any run running, simulating a store
// outage confined to the pre-activity save.
type runningSaveFailDAO struct {
	*runmemory.Service
}

func (d *runningSaveFailDAO) Save(ctx context.Context, run *model.Run) error {
	if run.Status == model.RunStatusRunning {
		return fmt.Errorf("store offline")
	}
	return d.Service.Save(ctx, run)
}

// TestDeadLetteredStartPublishesErrorControl verifies watchers still receive
// a terminal control message when the start request exhausts its redeliveries
// before the activity ever ran.
func TestDeadLetteredStartPublishesErrorControl(t *testing.T) {
	ctx := context.Background()
	s := storememory.New(storememory.DefaultConfig())
	runs := &runningSaveFailDAO{Service: runmemory.New()}
	queue := mmemory.NewQueue[startRequest](mmemory.Config{MaxRetries: 1, RetryDelay: time.Millisecond, QueueBuffer: 10})
	service, err := New(Config{WorkerCount: 1, Retry: fastRetry(1)}, s, runs, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &scriptProducer{entries: []*model.Entry{assistantEntry("never runs")}}, nil
	}, WithQueue(queue))
	require.NoError(t, err)
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		service.Shutdown()
		_ = s.Close()
	})

	sub, err := s.Subscribe(ctx, store.ControlChannel("r1"))
	require.NoError(t, err)
	defer sub.Close()

	instance, err := service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	message, err := sub.Read(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.ControlError, message.Payload)

	entries, err := s.ReadRange(ctx, store.StreamKey("r1"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last, err := model.UnmarshalEntry(entries[len(entries)-1].Payload)
	require.NoError(t, err)
	terminal, ok := last.TerminalStatus()
	require.True(t, ok)
	assert.Equal(t, model.RunStatusFailed, terminal)
}

// TestResolvedInstanceEvicted verifies terminal handles leave the registry
// after the retention window, and that a re-start afterwards resolves from
// the durable record instead of executing again.
func TestResolvedInstanceEvicted(t *testing.T) {
	ctx := context.Background()
	var factoryCalls int32
	env := newTestEnv(t, Config{InstanceRetention: 20 * time.Millisecond, Retry: fastRetry(1)}, func(ctx context.Context, run *model.Run) (Producer, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &scriptProducer{entries: []*model.Entry{assistantEntry("once")}}, nil
	})

	first, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := first.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)

	assert.Eventually(t, func() bool {
		_, ok := env.service.Instance("r1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	second, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err = second.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
}

// TestHeartbeatWatchdog verifies a silent activity is cancelled once its
// heartbeat goes stale, and the run fails after retries are exhausted.
func TestHeartbeatWatchdog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{
		HeartbeatTimeout: 100 * time.Millisecond,
		Retry:            fastRetry(1),
	}, func(ctx context.Context, run *model.Run) (Producer, error) {
		return &blockingProducer{}, nil
	})

	instance, err := env.service.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)
}
