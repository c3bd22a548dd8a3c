package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/runfold/runfold/internal/clock"
	"github.com/runfold/runfold/service/store"
)

// Config for the in-memory store implementation.
type Config struct {
	// FastPoolSize bounds the number of concurrent non-blocking operations,
	// mirroring the fast connection pool of a networked store.
	FastPoolSize int

	// FastPoolTimeout is the short acquire timeout after which fast
	// operations fail with ErrPoolExhausted instead of queueing.
	FastPoolTimeout time.Duration

	// SubscriptionBuffer is the per-subscription delivery buffer.
	SubscriptionBuffer int
}

// DefaultConfig returns a standard configuration for the memory store.
func DefaultConfig() Config {
	return Config{
		FastPoolSize:       64,
		FastPoolTimeout:    200 * time.Millisecond,
		SubscriptionBuffer: 64,
	}
}

type kvRecord struct {
	value    string
	expireAt time.Time
}

type logRecord struct {
	entries  []store.LogEntry
	sequence int64
	expireAt time.Time
}

// Store is an in-memory, thread-safe store.Store used for tests and embedded
// deployments. It enforces the fast-pool discipline with a token semaphore so
// pool exhaustion is observable without a networked backend.
type Store struct {
	config   Config
	fastPool chan struct{}

	mu     sync.RWMutex
	kv     map[string]kvRecord
	logs   map[string]*logRecord
	subs   map[string][]*subscription
	closed bool
}

var _ store.Store = (*Store)(nil)

// New creates an in-memory store.
func New(config Config) *Store {
	if config.FastPoolSize <= 0 {
		config.FastPoolSize = DefaultConfig().FastPoolSize
	}
	if config.FastPoolTimeout <= 0 {
		config.FastPoolTimeout = DefaultConfig().FastPoolTimeout
	}
	if config.SubscriptionBuffer <= 0 {
		config.SubscriptionBuffer = DefaultConfig().SubscriptionBuffer
	}
	return &Store{
		config:   config,
		fastPool: make(chan struct{}, config.FastPoolSize),
		kv:       map[string]kvRecord{},
		logs:     map[string]*logRecord{},
		subs:     map[string][]*subscription{},
	}
}

// acquire takes a fast-pool token, failing fast when the pool is saturated.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.config.FastPoolTimeout)
	defer timer.Stop()
	select {
	case s.fastPool <- struct{}{}:
		return func() { <-s.fastPool }, nil
	case <-timer.C:
		return nil, store.ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	record := kvRecord{value: value}
	if ttl > 0 {
		record.expireAt = clock.Now().Add(ttl)
	}
	s.kv[key] = record
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	s.mu.RLock()
	record, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok {
		return "", store.ErrNotFound
	}
	if !record.expireAt.IsZero() && clock.Now().After(record.expireAt) {
		s.mu.Lock()
		delete(s.kv, key)
		s.mu.Unlock()
		return "", store.ErrNotFound
	}
	return record.value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *Store) Append(ctx context.Context, key, payload string, maxLen int64) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", store.ErrClosed
	}
	record, ok := s.logs[key]
	if !ok {
		record = &logRecord{}
		s.logs[key] = record
	}
	record.sequence++
	sequence := strconv.FormatInt(record.sequence, 10)
	record.entries = append(record.entries, store.LogEntry{Sequence: sequence, Payload: payload})
	if maxLen > 0 && int64(len(record.entries)) > maxLen {
		// keep the maxLen most recent entries
		record.entries = append([]store.LogEntry(nil), record.entries[int64(len(record.entries))-maxLen:]...)
	}
	return sequence, nil
}

func (s *Store) ReadRange(ctx context.Context, key string) ([]store.LogEntry, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.logs[key]
	if !ok {
		return nil, nil
	}
	if !record.expireAt.IsZero() && clock.Now().After(record.expireAt) {
		return nil, nil
	}
	out := make([]store.LogEntry, len(record.entries))
	copy(out, record.entries)
	return out, nil
}

func (s *Store) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.logs[key]
	if !ok {
		return store.ErrNotFound
	}
	if ttl > 0 {
		record.expireAt = clock.Now().Add(ttl)
	} else {
		record.expireAt = time.Time{}
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	message := &store.Message{Channel: channel, Payload: payload}
	for _, sub := range s.subs[channel] {
		select {
		case sub.messages <- message:
		default:
			// subscriber buffer full; pub/sub delivery is best effort
		}
	}
	return nil
}

// Subscribe opens a subscription. It deliberately bypasses the fast pool:
// long-lived consumers belong to the blocking pool.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (store.Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	sub := &subscription{
		store:    s,
		channels: channels,
		messages: make(chan *store.Message, s.config.SubscriptionBuffer),
	}
	for _, channel := range channels {
		s.subs[channel] = append(s.subs[channel], sub)
	}
	return sub, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for channel, subs := range s.subs {
		for _, sub := range subs {
			sub.markClosed()
		}
		delete(s.subs, channel)
	}
	return nil
}

// SubscriptionCount returns the number of live subscriptions; used by tests to
// assert the one-upstream-subscription-per-run property.
func (s *Store) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[*subscription]bool{}
	for _, subs := range s.subs {
		for _, sub := range subs {
			seen[sub] = true
		}
	}
	return len(seen)
}

type subscription struct {
	store    *Store
	channels []string
	messages chan *store.Message

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Read(ctx context.Context, timeout time.Duration) (*store.Message, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case message, ok := <-s.messages:
		if !ok || message == nil {
			return nil, store.ErrClosed
		}
		return message, nil
	case <-timer.C:
		return nil, store.ErrReadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, channel := range s.channels {
		subs := s.store.subs[channel]
		for i, candidate := range subs {
			if candidate == s {
				s.store.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.store.subs[channel]) == 0 {
			delete(s.store.subs, channel)
		}
	}
	return nil
}

func (s *subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
