package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runfold/runfold/internal/clock"
	"github.com/runfold/runfold/model"
)

// InstanceID derives the deterministic workflow instance id for a run, so
// starting the same run twice resolves to the same instance.
func InstanceID(runID string) string {
	return "run-" + runID
}

// Instance is the durable workflow wrapper around one run's activity. It owns
// the externally visible lifecycle: stop signalling, heartbeat bookkeeping and
// the terminal resolution callers can wait on.
type Instance struct {
	ID    string
	RunID string

	mu            sync.Mutex
	status        model.RunStatus
	errMsg        string
	startTime     time.Time
	closeTime     *time.Time
	shouldStop    bool
	stopReason    string
	cancelAttempt context.CancelFunc
	lastBeat      time.Time
	done          chan struct{}
}

func newInstance(runID string) *Instance {
	return &Instance{
		ID:        InstanceID(runID),
		RunID:     runID,
		status:    model.RunStatusPending,
		startTime: clock.Now(),
		lastBeat:  clock.Now(),
		done:      make(chan struct{}),
	}
}

// Heartbeat records activity liveness; the watchdog cancels attempts whose
// heartbeat goes stale.
func (i *Instance) Heartbeat() {
	i.mu.Lock()
	i.lastBeat = clock.Now()
	i.mu.Unlock()
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (i *Instance) LastHeartbeat() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastBeat
}

// RequestStop delivers the asynchronous stop signal: it marks the instance
// and cancels the in-flight attempt so the activity can acknowledge
// cooperatively.
func (i *Instance) RequestStop(reason string) {
	i.mu.Lock()
	if i.status.IsTerminal() {
		i.mu.Unlock()
		return
	}
	i.shouldStop = true
	i.stopReason = reason
	cancel := i.cancelAttempt
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StopRequested returns the stop flag and reason.
func (i *Instance) StopRequested() (bool, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shouldStop, i.stopReason
}

// Status returns the instance's current lifecycle state.
func (i *Instance) Status() model.RunStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Error returns the terminal error message, if any.
func (i *Instance) Error() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errMsg
}

// Wait blocks until the workflow resolves or timeout elapses.
func (i *Instance) Wait(ctx context.Context, timeout time.Duration) (model.RunStatus, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-i.done:
		return i.Status(), nil
	case <-timer.C:
		return i.Status(), fmt.Errorf("timeout waiting for run %q", i.RunID)
	case <-ctx.Done():
		return i.Status(), ctx.Err()
	}
}

// Done exposes the resolution channel.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) setCancel(cancel context.CancelFunc) {
	i.mu.Lock()
	i.cancelAttempt = cancel
	i.mu.Unlock()
}

func (i *Instance) setStatus(status model.RunStatus) {
	i.mu.Lock()
	if !i.status.IsTerminal() {
		i.status = status
	}
	i.mu.Unlock()
}

func (i *Instance) resolve(status model.RunStatus, errMsg string) {
	i.mu.Lock()
	if i.status.IsTerminal() {
		i.mu.Unlock()
		return
	}
	i.status = status
	i.errMsg = errMsg
	now := clock.Now()
	i.closeTime = &now
	i.mu.Unlock()
	close(i.done)
}

// StatusView is the non-blocking diagnostic read of workflow-local state.
type StatusView struct {
	ShouldStop bool   `json:"shouldStop"`
	StopReason string `json:"stopReason,omitempty"`
}

// Description carries engine-level metadata about an instance.
type Description struct {
	Status    model.RunStatus `json:"status"`
	StartTime time.Time       `json:"startTime"`
	CloseTime *time.Time      `json:"closeTime,omitempty"`
}

func (i *Instance) describe() Description {
	i.mu.Lock()
	defer i.mu.Unlock()
	var closeTime *time.Time
	if i.closeTime != nil {
		t := *i.closeTime
		closeTime = &t
	}
	return Description{Status: i.status, StartTime: i.startTime, CloseTime: closeTime}
}
