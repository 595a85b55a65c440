package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned by AcquireLease when another process holds the
// lease. This is a benign race during checkout, not a failure.
var ErrLeaseHeld = errors.New("lease already held")

// Subscription is a live pub/sub subscription on one channel. Messages
// is closed when the subscription is closed.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Broker is the key/value and pub/sub interface backing leases, relay
// channels, and rate limiting. Implementations must be safe for concurrent
// use. Nothing durable is stored here: losing the broker loses in-flight
// streams, never handle history.
type Broker interface {
	// AcquireLease atomically claims key for ttl. Returns ErrLeaseHeld if
	// the key already exists.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, key string) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisBroker implements the Broker interface using go-redis/v9.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a new RedisBroker from a Redis URL.
func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) AcquireLease(ctx context.Context, key string, ttl time.Duration) error {
	acquired, err := b.client.SetNX(ctx, key, "locked", ttl).Result()
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLeaseHeld
	}
	return nil
}

func (b *RedisBroker) ReleaseLease(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBroker) Publish(ctx context.Context, channel, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Confirm the subscription is in place before anyone publishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, messages: make(chan string)}
	go sub.forward()
	return sub, nil
}

func (b *RedisBroker) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan string

	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Messages() <-chan string { return s.messages }

// Close is idempotent; the relay may tear a bridge down from more than one
// goroutine. Closing the PubSub ends the forward loop, which closes messages.
func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}

func (s *redisSubscription) forward() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel() {
		s.messages <- msg.Payload
	}
}
