// Package dedup guards against processing the same inbound message twice
// when a notification is redelivered.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/redis/go-redis/v9"
)

// Guard reports whether an id is seen for the first time. Release gives up a
// claim so a redelivery after a failed attempt is processed again.
type Guard interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// Setter is the subset of the redis client used by RedisGuard.
type Setter interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard claims ids with SETNX and a TTL.
type RedisGuard struct {
	rdb    Setter
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisGuard(rdb Setter, ttl time.Duration, logger *slog.Logger) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl, logger: logger}
}

// NewClient creates a redis client and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// AcquireOnce returns true the first time scope/id is seen within the TTL.
// When redis is unavailable it allows processing.
func (g *RedisGuard) AcquireOnce(ctx context.Context, scope, id string) bool {
	key := dedupKey(scope, id)

	ok, err := g.rdb.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		g.logger.Warn("Redis dedup check failed, allowing processing",
			slog.String("scope", scope),
			slog.String("id", id),
			sloki.WrapError(err),
		)
		return true
	}

	if !ok {
		g.logger.Info("Skipped duplicated event",
			slog.String("scope", scope),
			slog.String("id", id),
			slog.String("dedup_key", key),
		)
	}
	return ok
}

// Release deletes the claim on scope/id. Failures are logged; the key then
// expires with its TTL.
func (g *RedisGuard) Release(ctx context.Context, scope, id string) {
	if err := g.rdb.Del(ctx, dedupKey(scope, id)).Err(); err != nil {
		g.logger.Warn("Failed to release dedup key",
			slog.String("scope", scope),
			slog.String("id", id),
			sloki.WrapError(err),
		)
	}
}

func dedupKey(scope, id string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, id)
}

// Noop allows everything. It is used when no redis is configured.
type Noop struct{}

func (Noop) AcquireOnce(context.Context, string, string) bool { return true }
func (Noop) Release(context.Context, string, string)          {}
