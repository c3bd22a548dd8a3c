package runfold

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/hub"
	"github.com/runfold/runfold/service/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProducer struct {
	entries []*model.Entry
	idx     int
}

func (p *fixedProducer) Next(ctx context.Context) (*model.Entry, error) {
	if p.idx >= len(p.entries) {
		return nil, io.EOF
	}
	entry := p.entries[p.idx]
	p.idx++
	return entry, nil
}

func echoFactory(texts ...string) orchestrator.ProducerFactory {
	return func(ctx context.Context, run *model.Run) (orchestrator.Producer, error) {
		entries := make([]*model.Entry, 0, len(texts))
		for _, text := range texts {
			entries = append(entries, &model.Entry{Kind: model.EntryKindMessage, Role: "assistant", Text: text})
		}
		return &fixedProducer{entries: entries}, nil
	}
}

// TestEndToEndRun drives a run through the full façade: start, live event
// fan-out and terminal resolution.
func TestEndToEndRun(t *testing.T) {
	ctx := context.Background()
	srv, err := New(WithProducerFactory(echoFactory("hello", "world")))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	defer srv.Shutdown()

	queue, err := srv.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer srv.Unsubscribe("r1", queue)

	instance, err := srv.StartRun(ctx, &model.Run{ID: "r1", ThreadID: "t1"})
	require.NoError(t, err)

	var newResponses int
	var terminal *hub.Message
	deadline := time.After(5 * time.Second)
	for terminal == nil {
		select {
		case <-deadline:
			t.Fatal("no terminal message observed")
		default:
		}
		message, readErr := queue.Read(ctx, time.Second)
		if readErr != nil {
			continue
		}
		switch message.Kind {
		case hub.KindNewResponse:
			newResponses++
		case hub.KindControl, hub.KindError:
			terminal = message
		}
	}
	assert.Equal(t, hub.KindControl, terminal.Kind)
	assert.GreaterOrEqual(t, newResponses, 1)

	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
}

// TestDelegatedChildRunsToCompletion spawns a child through the subagent tool
// and waits for it via the delegation surface.
func TestDelegatedChildRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	srv, err := New(WithProducerFactory(echoFactory("child output")))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	defer srv.Shutdown()

	// the caller thread must exist before it may delegate
	parent := &model.Thread{ID: "t-parent", ProjectID: "p1", CreatedAt: time.Now()}
	require.NoError(t, srv.threads.Save(ctx, parent))

	out, err := srv.Invoke(ctx, "t-parent", "subagent", "spawn", map[string]interface{}{
		"task": "do a subtask",
	})
	require.NoError(t, err)
	require.NotNil(t, out)

	snapshot, err := srv.Delegation().List(ctx, "t-parent")
	require.NoError(t, err)
	require.Len(t, snapshot.Children, 1)
	childRunID := snapshot.Children[0].RunID

	outcome, err := srv.Delegation().Wait(ctx, "t-parent", []string{childRunID}, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, outcome.TimedOut)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, model.RunStatusCompleted, outcome.Results[0].Status)
}

func TestNewRequiresProducerFactory(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestStopRun(t *testing.T) {
	ctx := context.Background()
	blocking := func(ctx context.Context, run *model.Run) (orchestrator.Producer, error) {
		return blockingProducer{}, nil
	}
	srv, err := New(WithProducerFactory(blocking))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	defer srv.Shutdown()

	instance, err := srv.StartRun(ctx, &model.Run{ID: "r1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return instance.Status() == model.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	srv.StopRun("r1", "operator")
	status, err := instance.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStopped, status)

	view, err := srv.GetStatus("r1")
	require.NoError(t, err)
	assert.True(t, view.ShouldStop)
}

type blockingProducer struct{}

func (blockingProducer) Next(ctx context.Context) (*model.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  workers: 2
hub:
  queueCapacity: 16
delegation:
  maxDepth: 2
`), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, config.Orchestrator.WorkerCount)
	assert.Equal(t, 16, config.Hub.QueueCapacity)
	assert.Equal(t, 2, config.Delegation.MaxDepth)
	// untouched sections keep their defaults
	assert.Equal(t, 256, DefaultConfig().Hub.QueueCapacity)
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	config.Hub.QueueCapacity = -1
	assert.Error(t, config.Validate())
}
