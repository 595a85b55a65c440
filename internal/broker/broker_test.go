package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/promptq/promptq/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisBroker.
func setupRedis(t *testing.T) *broker.RedisBroker {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	br, err := broker.NewRedisBroker("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { br.Close() })

	return br
}

func TestRedisBroker_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	assert.NoError(t, br.Ping(context.Background()))
}

func TestRedisBroker_LeaseExclusivity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	ctx := context.Background()
	key := broker.LeaseKey(uuid.New())

	require.NoError(t, br.AcquireLease(ctx, key, 10*time.Second))

	// Second acquisition while held fails.
	err := br.AcquireLease(ctx, key, 10*time.Second)
	assert.ErrorIs(t, err, broker.ErrLeaseHeld)

	// After release it can be taken again.
	require.NoError(t, br.ReleaseLease(ctx, key))
	assert.NoError(t, br.AcquireLease(ctx, key, 10*time.Second))
}

func TestRedisBroker_LeaseExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	ctx := context.Background()
	key := broker.LeaseKey(uuid.New())

	require.NoError(t, br.AcquireLease(ctx, key, 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	// The TTL elapsed, so the lease is free even though it was never
	// explicitly released. Covers the crashed-holder case.
	assert.NoError(t, br.AcquireLease(ctx, key, time.Second))
}

func TestRedisBroker_LeasesAreIndependent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, br.AcquireLease(ctx, broker.LeaseKey(uuid.New()), 10*time.Second))
	assert.NoError(t, br.AcquireLease(ctx, broker.LeaseKey(uuid.New()), 10*time.Second))
}

func TestRedisBroker_PubSubRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	ctx := context.Background()

	sub, err := br.Subscribe(ctx, "stream-token")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, br.Publish(ctx, "stream-token", "fragment one"))
	require.NoError(t, br.Publish(ctx, "stream-token", "fragment two"))

	for _, want := range []string{"fragment one", "fragment two"} {
		select {
		case got := <-sub.Messages():
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRedisBroker_SubscriptionCloseIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)

	sub, err := br.Subscribe(context.Background(), "stream-token")
	require.NoError(t, err)

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}

func TestRedisBroker_IncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	br := setupRedis(t)
	ctx := context.Background()
	key := broker.RateLimitKey("pqk_test")

	n, err := br.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = br.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
