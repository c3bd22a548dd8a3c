package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/runfold/runfold/service/store"
)

// Config for the redis-backed store.
type Config struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`

	// FastPoolSize bounds connections for short non-blocking commands.
	FastPoolSize int `json:"fastPoolSize" yaml:"fastPoolSize"`

	// FastPoolTimeout is the acquire timeout for the fast pool. It is kept
	// short on purpose so the pool fails fast instead of queueing.
	FastPoolTimeout time.Duration `json:"fastPoolTimeout" yaml:"fastPoolTimeout"`

	// BlockingPoolSize bounds connections used by long-lived subscriptions.
	BlockingPoolSize int `json:"blockingPoolSize" yaml:"blockingPoolSize"`
}

// DefaultConfig returns a standard configuration for the redis store.
func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		FastPoolSize:     10,
		FastPoolTimeout:  200 * time.Millisecond,
		BlockingPoolSize: 32,
	}
}

// Store implements store.Store against redis: key/value with expiry, streams
// as the append-only log (XADD with approximate MAXLEN trimming) and pub/sub
// channels. Two independent clients back the fast and blocking pools so that
// blocking consumers never starve fast producers.
type Store struct {
	fast     *redis.Client
	blocking *redis.Client
}

var _ store.Store = (*Store)(nil)

// New creates a redis store with separated fast and blocking pools.
func New(config Config) *Store {
	if config.FastPoolSize <= 0 {
		config.FastPoolSize = DefaultConfig().FastPoolSize
	}
	if config.FastPoolTimeout <= 0 {
		config.FastPoolTimeout = DefaultConfig().FastPoolTimeout
	}
	if config.BlockingPoolSize <= 0 {
		config.BlockingPoolSize = DefaultConfig().BlockingPoolSize
	}
	fast := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.FastPoolSize,
		PoolTimeout: config.FastPoolTimeout,
	})
	blocking := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.BlockingPoolSize,
	})
	return &Store{fast: fast, blocking: blocking}
}

// payloadField is the stream field holding the entry payload.
const payloadField = "payload"

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.fast.Set(ctx, key, value, ttl).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.fast.Get(ctx, key).Result()
	if err != nil {
		return "", mapError(err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.fast.Del(ctx, key).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, key, payload string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{payloadField: payload},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	sequence, err := s.fast.XAdd(ctx, args).Result()
	if err != nil {
		return "", mapError(err)
	}
	return sequence, nil
}

func (s *Store) ReadRange(ctx context.Context, key string) ([]store.LogEntry, error) {
	messages, err := s.fast.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]store.LogEntry, 0, len(messages))
	for _, message := range messages {
		payload, _ := message.Values[payloadField].(string)
		out = append(out, store.LogEntry{Sequence: message.ID, Payload: payload})
	}
	return out, nil
}

func (s *Store) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.fast.Expire(ctx, key, ttl).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.fast.Publish(ctx, channel, payload).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) (store.Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	pubsub := s.blocking.Subscribe(ctx, channels...)
	// force the SUBSCRIBE round-trip so connection errors surface here rather
	// than on the first Read
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, mapError(err)
	}
	return &subscription{pubsub: pubsub}, nil
}

func (s *Store) Close() error {
	fastErr := s.fast.Close()
	blockingErr := s.blocking.Close()
	if fastErr != nil {
		return fastErr
	}
	return blockingErr
}

type subscription struct {
	pubsub *redis.PubSub
}

func (s *subscription) Read(ctx context.Context, timeout time.Duration) (*store.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, store.ErrReadTimeout
		}
		raw, err := s.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, store.ErrReadTimeout
			}
			return nil, mapError(err)
		}
		switch message := raw.(type) {
		case *redis.Message:
			return &store.Message{Channel: message.Channel, Payload: message.Payload}, nil
		default:
			// subscription confirmations, pongs - keep waiting
		}
	}
}

func (s *subscription) Close() error {
	return s.pubsub.Close()
}

// mapError translates driver errors onto the store sentinel errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return store.ErrNotFound
	case errors.Is(err, redis.ErrPoolTimeout):
		return store.ErrPoolExhausted
	case errors.Is(err, redis.ErrClosed):
		return store.ErrClosed
	default:
		return err
	}
}
