package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannelPrefix namespaces run wake-up channels.
const DefaultChannelPrefix = "robopost:runs:"

// Redis fans wake-ups out across processes through Redis pub/sub, so a callback
// handled by one replica wakes streams held by another.
type Redis struct {
	client *redis.Client
	prefix string
	log    logrus.FieldLogger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, log logrus.FieldLogger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{client: client, prefix: DefaultChannelPrefix, log: log}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, log logrus.FieldLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedis(client, log), nil
}

func (r *Redis) channel(runID uuid.UUID) string {
	return r.prefix + runID.String()
}

// Publish announces new state for runID.
func (r *Redis) Publish(ctx context.Context, runID uuid.UUID) error {
	if err := r.client.Publish(ctx, r.channel(runID), "1").Err(); err != nil {
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

// Subscribe listens for wake-ups on runID. Messages arriving faster than they are
// consumed are coalesced. cancel closes the subscription and waits for the
// forwarding goroutine to exit.
func (r *Redis) Subscribe(ctx context.Context, runID uuid.UUID) (<-chan struct{}, func(), error) {
	sub := r.client.Subscribe(ctx, r.channel(runID))
	// Wait for confirmation so a publish right after Subscribe returns is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel(runID), err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for range sub.Channel() {
			notify(out)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				r.log.WithError(err).WithField("run_id", runID).Debug("closing wake-up subscription")
			}
			<-done
		})
	}
	return out, cancel, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
