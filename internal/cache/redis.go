package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return NewWithClient(redis.NewClient(opts), logger)
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("component", "redis"),
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// HashGetAll returns every field of the hash at key. A missing key yields an
// empty map.
func (r *Redis) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return res, nil
}

// HashSetMissing writes the fields of values that are not yet present in the
// hash at key and reports how many were written.
func (r *Redis) HashSetMissing(ctx context.Context, key string, values map[string]string) (int, error) {
	pipe := r.client.TxPipeline()
	cmds := make([]*redis.BoolCmd, 0, len(values))
	for field, value := range values {
		cmds = append(cmds, pipe.HSetNX(ctx, key, field, value))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis hsetnx %s: %w", key, err)
	}
	written := 0
	for _, cmd := range cmds {
		if cmd.Val() {
			written++
		}
	}
	if written > 0 {
		r.logger.Info("seeded redis hash", "key", key, "fields", written)
	}
	return written, nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}
