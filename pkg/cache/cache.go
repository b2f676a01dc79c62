// Package cache is an optional Redis read-through cache for immutable query
// results, primarily serialized validity proofs. The service runs fine
// without it; every method degrades to a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intmax-network/validity-prover/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps a Redis connection for proof caching.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewClient connects using environment configuration:
//   - REDIS_URL: full connection URL (default "redis://localhost:6379/0")
//   - CACHE_TTL: entry lifetime (default 5m)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(utils.Env("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{
		client: rdb,
		logger: logger.With(zap.String("component", "cache")),
		ttl:    utils.EnvDuration("CACHE_TTL", 5*time.Minute),
	}, nil
}

// ValidityProofKey keys one block's cumulative proof.
func ValidityProofKey(blockNumber uint32) string {
	return fmt.Sprintf("validity_proof:%d", blockNumber)
}

// Get returns the cached bytes, nil on miss. Errors other than a miss are
// logged and reported as misses; the cache never fails a read path.
func (c *Client) Get(ctx context.Context, key string) []byte {
	if c == nil {
		return nil
	}
	value, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	return value
}

// Set stores the bytes with the configured TTL, best effort.
func (c *Client) Set(ctx context.Context, key string, value []byte) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
