package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mabuchilab/instrumental/internal/infrastructure/config"
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultListLength  = 1000
	defaultChannel     = "instrumental:events"
)

// Queue publishes events over Pub/Sub and keeps a bounded backup list.
//
// Thread Safety:
//   - All methods are safe for concurrent use; go-redis pools connections.
type Queue struct {
	client  *redis.Client
	channel string
	listLen int64
}

// Connect opens a pooled Redis client and verifies it with PING.
func Connect(cfg config.RedisConfig) (*Queue, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return New(client, cfg.Channel, cfg.ListLength), nil
}

// New wraps an existing client. Zero values select the defaults.
func New(client *redis.Client, channel string, listLength int) *Queue {
	if channel == "" {
		channel = defaultChannel
	}
	if listLength <= 0 {
		listLength = defaultListLength
	}
	return &Queue{client: client, channel: channel, listLen: int64(listLength)}
}

// Channel returns the Pub/Sub channel events are published on.
func (q *Queue) Channel() string { return q.channel }

// ListKey returns the backup list key for an instrument.
func ListKey(instrument string) string {
	return "instrumental:" + instrument + ":events"
}

// Publish sends payload to the channel and pushes it onto the
// instrument's backup list in one pipeline.
func (q *Queue) Publish(ctx context.Context, instrument string, payload []byte) error {
	if instrument == "" {
		return ErrInvalidKey
	}
	key := ListKey(instrument)

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, q.channel, payload)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, q.listLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Recent returns up to n of the newest backed-up events, newest first.
func (q *Queue) Recent(ctx context.Context, instrument string, n int) ([][]byte, error) {
	if instrument == "" {
		return nil, ErrInvalidKey
	}
	if n <= 0 {
		return nil, nil
	}
	vals, err := q.client.LRange(ctx, ListKey(instrument), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: reading %s: %w", instrument, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Subscribe returns a Pub/Sub subscription on the event channel. The
// caller must Close it.
func (q *Queue) Subscribe(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, q.channel)
}

// HealthCheck pings the server.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisq health check: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
