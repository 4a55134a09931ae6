//go:build integration

package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// redisAddr returns REDIS_ADDR if set, otherwise starts a throwaway container.
func redisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping integration test: cannot start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestRedis_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub, err := Dial(ctx, redisAddr(t), "", 0, nil)
	require.NoError(t, err)
	defer func() { _ = hub.Close() }()

	runID := uuid.New()
	wake, unsubscribe, err := hub.Subscribe(ctx, runID)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, runID))
	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("wake-up not delivered")
	}

	unsubscribe()
	_, ok := <-wake
	require.False(t, ok)
}
