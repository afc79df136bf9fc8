// Package bus wraps the Redis client used for pub/sub ingest and the
// shared key-value store. A UniversalClient covers both single-node and
// cluster deployments; in cluster mode one subscription is enough because
// pub/sub traffic is multicast cluster-wide.
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus is a thin adapter over go-redis.
type Bus struct {
	rdb redis.UniversalClient
}

// Options configure the Redis connection.
type Options struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	TLS      bool
}

func New(opts Options) *Bus {
	universal := &redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLS {
		universal.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Bus{rdb: redis.NewUniversalClient(universal)}
}

// FromClient wraps an existing client, used by tests.
func FromClient(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb}
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Get returns the value for key, or "" when the key does not exist.
func (b *Bus) Get(ctx context.Context, key string) (string, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (b *Bus) Set(ctx context.Context, key, value string) error {
	return b.rdb.Set(ctx, key, value, 0).Err()
}

func (b *Bus) Del(ctx context.Context, keys ...string) error {
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription on the given channels and waits
// for the subscription confirmation before returning.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	return sub, nil
}

// KeepAlive pings the subscription every interval until ctx is cancelled,
// keeping the stream live through idle timeouts. Run it in its own
// goroutine; it exits when ctx is done so it never outlives the
// subscription it guards.
func KeepAlive(ctx context.Context, sub *redis.PubSub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = sub.Ping(ctx)
		}
	}
}
