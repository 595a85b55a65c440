package broker

import (
	"context"
	"sync"
	"time"
)

const memorySubscriptionBuffer = 256

// MemoryBroker is an in-process Broker implementation. It backs unit tests
// and single-process local development; production deployments use
// RedisBroker.
type MemoryBroker struct {
	mu       sync.Mutex
	closed   bool
	leases   map[string]time.Time
	subs     map[string][]*memorySubscription
	counters map[string]int64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		leases:   make(map[string]time.Time),
		subs:     make(map[string][]*memorySubscription),
		counters: make(map[string]int64),
	}
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.closeLocked()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (b *MemoryBroker) AcquireLease(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if expiry, ok := b.leases[key]; ok && time.Now().Before(expiry) {
		return ErrLeaseHeld
	}
	b.leases[key] = time.Now().Add(ttl)
	return nil
}

func (b *MemoryBroker) ReleaseLease(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leases, key)
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		broker:   b,
		channel:  channel,
		messages: make(chan string, memorySubscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBroker) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key]++
	return b.counters[key], nil
}

type memorySubscription struct {
	broker   *MemoryBroker
	channel  string
	messages chan string

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan string { return s.messages }

func (s *memorySubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	subs := b.subs[s.channel]
	for i, other := range subs {
		if other == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
}

func (s *memorySubscription) deliver(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- payload:
	default:
		// Drop when the subscriber is not keeping up; the relay is
		// best-effort, at-most-once per listener.
	}
}
