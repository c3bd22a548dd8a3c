package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/service/store"
	"github.com/runfold/runfold/tracing"
)

// activityResult is the activity's terminal outcome. A stopped result is a
// normal return, not an error: cancellation is acknowledged cooperatively.
type activityResult struct {
	Status model.RunStatus
	Error  string
}

// cleanupTimeout bounds the deferred release of transient store keys.
const cleanupTimeout = 5 * time.Second

// runActivity performs one attempt of the actual run: it pulls output from
// the producer, appends each entry to the event log (bounded length, TTL
// refreshed), publishes new-data notifications and watches the stream itself
// for terminal signals. The cancellation flag is checked at every iteration
// boundary, not just at I/O boundaries.
func (s *Service) runActivity(ctx context.Context, instance *Instance, run *model.Run) (result activityResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.activity", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"run.id": run.ID})

	streamKey := store.StreamKey(run.ID)
	activeKey := store.ActiveRunKey(instance.ID, run.ID)
	if err := s.store.Set(ctx, activeKey, "1", s.config.ExecutionTimeout); err != nil {
		log.Printf("orchestrator: failed to set liveness marker for run %s: %v", run.ID, err)
	}
	// transient keys are released on every exit path
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := s.store.Delete(cleanupCtx, activeKey); err != nil {
			log.Printf("orchestrator: failed to release liveness marker for run %s: %v", run.ID, err)
		}
	}()

	instance.Heartbeat()

	// refresh the liveness marker while the attempt is alive
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.Set(ctx, activeKey, "1", s.config.ExecutionTimeout); err != nil && ctx.Err() == nil {
					log.Printf("orchestrator: failed to refresh liveness marker for run %s: %v", run.ID, err)
				}
			}
		}
	}()

	producer, err := s.producer(ctx, run)
	if err != nil {
		s.writeFailure(run.ID, err)
		return activityResult{}, err
	}
	if closer, ok := producer.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Printf("orchestrator: failed to close producer for run %s: %v", run.ID, err)
			}
		}()
	}

	for {
		if stopped, res := s.checkCancelled(ctx, instance, run); stopped {
			return res, nil
		}

		entry, nextErr := producer.Next(ctx)
		if nextErr != nil {
			if errors.Is(nextErr, io.EOF) {
				// producer exhausted without an explicit status entry
				return s.finishStream(run.ID, model.RunStatusCompleted, "")
			}
			if stopped, res := s.checkCancelled(ctx, instance, run); stopped {
				return res, nil
			}
			if ctx.Err() != nil {
				// heartbeat or execution timeout - surface for retry
				return activityResult{}, ctx.Err()
			}
			// persist the failure before propagating so observers see why
			s.writeFailure(run.ID, nextErr)
			return activityResult{}, nextErr
		}

		payload, marshalErr := entry.Marshal()
		if marshalErr != nil {
			s.writeFailure(run.ID, marshalErr)
			return activityResult{}, marshalErr
		}
		if _, appendErr := s.store.Append(ctx, streamKey, payload, s.config.LogMaxLen); appendErr != nil {
			return activityResult{}, appendErr
		}
		if ttlErr := s.store.SetTTL(ctx, streamKey, s.config.LogTTL); ttlErr != nil {
			log.Printf("orchestrator: failed to refresh log TTL for run %s: %v", run.ID, ttlErr)
		}
		if pubErr := s.store.Publish(ctx, store.NewResponseChannel(run.ID), store.PayloadNew); pubErr != nil {
			log.Printf("orchestrator: failed to publish new-response for run %s: %v", run.ID, pubErr)
		}
		instance.Heartbeat()

		if status, ok := entry.TerminalStatus(); ok {
			// the status entry itself is the last log record
			s.publishControl(run.ID, controlFor(status))
			return activityResult{Status: status, Error: entry.Error}, nil
		}
		if entry.IsTerminatingToolCall() {
			return s.finishStream(run.ID, model.RunStatusCompleted, "")
		}
	}
}

// checkCancelled implements the cooperative stop path: when a stop was
// requested the activity appends a stopped status entry, publishes the STOP
// control and returns a stopped result instead of raising.
func (s *Service) checkCancelled(ctx context.Context, instance *Instance, run *model.Run) (bool, activityResult) {
	shouldStop, reason := instance.StopRequested()
	if !shouldStop && ctx.Err() == nil {
		return false, activityResult{}
	}
	if !shouldStop {
		// context expired without a stop signal; let the caller decide retry
		return false, activityResult{}
	}
	if err := s.appendStatus(run.ID, model.RunStatusStopped, reason); err != nil {
		log.Printf("orchestrator: failed to append stopped entry for run %s: %v", run.ID, err)
	}
	s.publishControl(run.ID, store.ControlStop)
	return true, activityResult{Status: model.RunStatusStopped, Error: reason}
}

// finishStream appends the terminal status entry and publishes the matching
// control, keeping the status entry the last record in the log.
func (s *Service) finishStream(runID string, status model.RunStatus, errMsg string) (activityResult, error) {
	if err := s.appendStatus(runID, status, errMsg); err != nil {
		return activityResult{}, err
	}
	s.publishControl(runID, controlFor(status))
	return activityResult{Status: status, Error: errMsg}, nil
}

// writeFailure records an error status entry and publishes the ERROR control
// before the activity propagates its failure, so a watcher never observes a
// silent disconnect. It uses a fresh context because the attempt context may
// already be dead.
func (s *Service) writeFailure(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	entry := model.StatusEntry(model.RunStatusFailed, cause.Error())
	payload, err := entry.Marshal()
	if err != nil {
		log.Printf("orchestrator: failed to encode failure entry for run %s: %v", runID, err)
		return
	}
	if _, err := s.store.Append(ctx, store.StreamKey(runID), payload, s.config.LogMaxLen); err != nil {
		log.Printf("orchestrator: failed to append failure entry for run %s: %v", runID, err)
	}
	if err := s.store.SetTTL(ctx, store.StreamKey(runID), s.config.LogTTL); err != nil {
		log.Printf("orchestrator: failed to refresh log TTL for run %s: %v", runID, err)
	}
	if err := s.store.Publish(ctx, store.ControlChannel(runID), store.ControlError); err != nil {
		log.Printf("orchestrator: failed to publish error control for run %s: %v", runID, err)
	}
}

func (s *Service) appendStatus(runID string, status model.RunStatus, errMsg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	entry := model.StatusEntry(status, errMsg)
	payload, err := entry.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.store.Append(ctx, store.StreamKey(runID), payload, s.config.LogMaxLen); err != nil {
		return err
	}
	if err := s.store.SetTTL(ctx, store.StreamKey(runID), s.config.LogTTL); err != nil {
		log.Printf("orchestrator: failed to refresh log TTL for run %s: %v", runID, err)
	}
	return nil
}

func (s *Service) publishControl(runID, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.store.Publish(ctx, store.ControlChannel(runID), payload); err != nil {
		log.Printf("orchestrator: failed to publish %s control for run %s: %v", payload, runID, err)
	}
}

func controlFor(status model.RunStatus) string {
	switch status {
	case model.RunStatusCompleted:
		return store.ControlEndStream
	case model.RunStatusStopped:
		return store.ControlStop
	default:
		return store.ControlError
	}
}
