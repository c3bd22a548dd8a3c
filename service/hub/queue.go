package hub

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrReadTimeout is returned by Queue.Read when the bounded wait elapsed
// without a message, letting callers interleave keepalives between reads.
var ErrReadTimeout = errors.New("hub: read timeout")

// Queue is one subscriber's bounded delivery buffer. The pump never blocks on
// a full queue; the newest message is dropped instead, so a slow consumer
// loses live updates rather than stalling the hub. Dropped state is
// recoverable from the durable event log.
type Queue struct {
	runID    string
	messages chan Message
}

func newQueue(runID string, capacity int) *Queue {
	return &Queue{runID: runID, messages: make(chan Message, capacity)}
}

// RunID returns the run this queue observes.
func (q *Queue) RunID() string { return q.runID }

// Len returns the number of buffered messages.
func (q *Queue) Len() int { return len(q.messages) }

// Read returns the next message, waiting at most timeout.
func (q *Queue) Read(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case message := <-q.messages:
		return &message, nil
	case <-timer.C:
		return nil, ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// offer delivers without blocking; returns false when the message was dropped.
func (q *Queue) offer(message Message) bool {
	select {
	case q.messages <- message:
		return true
	default:
		return false
	}
}

// Iter returns a lazy sequence over the queue. Each call restarts from the
// current buffer position. The sequence ends after yielding a terminal
// message or when ctx is cancelled.
func (q *Queue) Iter(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case message := <-q.messages:
				if !yield(message) {
					return
				}
				if message.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
