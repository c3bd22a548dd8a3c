// Package hub multiplexes one upstream pub/sub subscription per run onto any
// number of local bounded subscriber queues. The registry is process-local
// mutable state owned by a single Service instance constructed at process
// start; pass the Service by reference, never through globals.
package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/runfold/runfold/service/store"
)

// Config for the fan-out hub.
type Config struct {
	// QueueCapacity is the fixed per-subscriber buffer size.
	QueueCapacity int `json:"queueCapacity" yaml:"queueCapacity"`

	// ReadWait bounds each upstream read so the pump can observe shutdown
	// promptly.
	ReadWait time.Duration `json:"readWait" yaml:"readWait"`
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		ReadWait:      time.Second,
	}
}

// entry is the per-run fan-out state: the single upstream subscription, its
// pump and the current subscriber set. Steady-state fan-out only takes mu;
// the registry lock additionally covers subscriber insertion and removal so
// a Subscribe can never attach a queue to a hub being torn down.
type entry struct {
	runID  string
	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	queues map[*Queue]struct{}
}

// Service owns the hub registry.
type Service struct {
	store  store.Store
	config Config

	mu   sync.Mutex
	hubs map[string]*entry
}

// New creates a hub service over the supplied store.
func New(s store.Store, config Config) *Service {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if config.ReadWait <= 0 {
		config.ReadWait = DefaultConfig().ReadWait
	}
	return &Service{store: s, config: config, hubs: map[string]*entry{}}
}

// Subscribe registers a new bounded queue for runID. The first subscriber
// opens exactly one upstream subscription on the run's new-response and
// control channels and starts the pump; later subscribers only join the set.
func (s *Service) Subscribe(ctx context.Context, runID string) (*Queue, error) {
	s.mu.Lock()
	hubEntry, ok := s.hubs[runID]
	if !ok {
		sub, err := s.store.Subscribe(ctx,
			store.NewResponseChannel(runID),
			store.ControlChannel(runID))
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		pumpCtx, cancel := context.WithCancel(context.Background())
		hubEntry = &entry{
			runID:  runID,
			sub:    sub,
			cancel: cancel,
			done:   make(chan struct{}),
			queues: map[*Queue]struct{}{},
		}
		s.hubs[runID] = hubEntry
		go s.pump(pumpCtx, hubEntry)
	}
	// insert before releasing the registry lock, otherwise a concurrent
	// last-member Unsubscribe could tear the hub down in between
	queue := newQueue(runID, s.config.QueueCapacity)
	hubEntry.mu.Lock()
	hubEntry.queues[queue] = struct{}{}
	hubEntry.mu.Unlock()
	s.mu.Unlock()
	return queue, nil
}

// Unsubscribe removes the queue from its hub. When the subscriber set becomes
// empty the pump is stopped, the upstream subscription closed and the
// registration removed. Safe to call after the pump already exited on a
// terminal control signal.
func (s *Service) Unsubscribe(runID string, queue *Queue) {
	s.mu.Lock()
	hubEntry, ok := s.hubs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	hubEntry.mu.Lock()
	delete(hubEntry.queues, queue)
	empty := len(hubEntry.queues) == 0
	hubEntry.mu.Unlock()
	if empty {
		delete(s.hubs, runID)
	}
	s.mu.Unlock()

	if empty {
		hubEntry.cancel()
		if err := hubEntry.sub.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			log.Printf("hub: failed to close subscription for run %s: %v", runID, err)
		}
	}
}

// ActiveHubs returns the number of registered hubs, used by tests and
// diagnostics.
func (s *Service) ActiveHubs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}

// Shutdown tears down every hub.
func (s *Service) Shutdown() {
	s.mu.Lock()
	hubs := make([]*entry, 0, len(s.hubs))
	for runID, hubEntry := range s.hubs {
		hubs = append(hubs, hubEntry)
		delete(s.hubs, runID)
	}
	s.mu.Unlock()
	for _, hubEntry := range hubs {
		hubEntry.cancel()
		_ = hubEntry.sub.Close()
	}
}

// pump is the single background task per active hub. It performs bounded-wait
// reads on the upstream subscription and fans messages out until a terminal
// control signal, an upstream error, or cancellation.
func (s *Service) pump(ctx context.Context, hubEntry *entry) {
	defer close(hubEntry.done)
	for {
		if ctx.Err() != nil {
			return
		}
		message, err := hubEntry.sub.Read(ctx, s.config.ReadWait)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrReadTimeout):
				continue
			case errors.Is(err, context.Canceled), errors.Is(err, store.ErrClosed):
				return
			default:
				s.fanout(hubEntry, Message{Kind: KindError, Err: err.Error()})
				return
			}
		}
		switch message.Channel {
		case store.NewResponseChannel(hubEntry.runID):
			if message.Payload == store.PayloadNew {
				s.fanout(hubEntry, Message{Kind: KindNewResponse})
			}
		case store.ControlChannel(hubEntry.runID):
			if store.IsControlPayload(message.Payload) {
				s.fanout(hubEntry, Message{Kind: KindControl, Control: message.Payload})
				return
			}
		}
		// anything else is ignored
	}
}

// fanout delivers to every current subscriber without blocking; a full queue
// drops the message (newest-drop policy, recoverable from the event log).
func (s *Service) fanout(hubEntry *entry, message Message) {
	hubEntry.mu.Lock()
	defer hubEntry.mu.Unlock()
	for queue := range hubEntry.queues {
		if !queue.offer(message) {
			log.Printf("hub: dropped %s message for slow subscriber of run %s", message.Kind, hubEntry.runID)
		}
	}
}
