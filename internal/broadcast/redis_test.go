package broadcast_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gradeflow/gradeflow/internal/broadcast"
)

// setupRedisBroadcaster spins up a Redis container and returns a broadcaster on it.
func setupRedisBroadcaster(t *testing.T) *broadcast.RedisBroadcaster {
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

	opts, err := redis.ParseURL("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	return broadcast.NewRedisBroadcaster(client)
}

func TestRedisBroadcaster_PublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	b := setupRedisBroadcaster(t)
	ctx := context.Background()
	jobID := uuid.New()

	sub, err := b.Subscribe(ctx, jobID)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, jobID, fmt.Sprintf("step %d", i)))
	}

	for i := 0; i < 5; i++ {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, fmt.Sprintf("step %d", i), msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestRedisBroadcaster_SubscriberIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	b := setupRedisBroadcaster(t)
	ctx := context.Background()
	jobA, jobB := uuid.New(), uuid.New()

	subB, err := b.Subscribe(ctx, jobB)
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, b.Publish(ctx, jobA, "only for A"))

	select {
	case msg := <-subB.Messages():
		t.Fatalf("subscriber for another job received %q", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBroadcaster_NoSubscriberDropsSilently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	b := setupRedisBroadcaster(t)

	err := b.Publish(context.Background(), uuid.New(), "Processing started")
	assert.NoError(t, err)
}
