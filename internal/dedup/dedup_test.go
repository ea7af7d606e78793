package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewBoolCmd(ctx, "setnx", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewIntCmd(ctx, "del")
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireOnce(t *testing.T) {
	t.Parallel()

	rdb := &fakeRedis{keys: map[string]time.Duration{}}
	g := NewRedisGuard(rdb, time.Hour, discardLogger())
	ctx := context.Background()

	if !g.AcquireOnce(ctx, "inbound", "msg-1") {
		t.Error("first acquire should succeed")
	}
	if g.AcquireOnce(ctx, "inbound", "msg-1") {
		t.Error("second acquire should be a duplicate")
	}
	if !g.AcquireOnce(ctx, "inbound", "msg-2") {
		t.Error("different id should succeed")
	}

	if ttl, ok := rdb.keys["dedup:inbound:msg-1"]; !ok || ttl != time.Hour {
		t.Errorf("key/ttl: got %v %v", ok, ttl)
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	rdb := &fakeRedis{keys: map[string]time.Duration{}}
	g := NewRedisGuard(rdb, time.Hour, discardLogger())
	ctx := context.Background()

	g.AcquireOnce(ctx, "inbound", "msg-1")
	g.Release(ctx, "inbound", "msg-1")
	if !g.AcquireOnce(ctx, "inbound", "msg-1") {
		t.Error("released id should be acquirable again")
	}

	// Releasing an unknown id is harmless.
	g.Release(ctx, "inbound", "never-seen")
}

func TestAcquireOnce_RedisDownAllows(t *testing.T) {
	t.Parallel()

	g := NewRedisGuard(&fakeRedis{err: errors.New("connection refused")}, time.Hour, discardLogger())
	for i := 0; i < 2; i++ {
		if !g.AcquireOnce(context.Background(), "inbound", "msg-1") {
			t.Fatal("redis failure must allow processing")
		}
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()

	var g Guard = Noop{}
	if !g.AcquireOnce(context.Background(), "inbound", "x") || !g.AcquireOnce(context.Background(), "inbound", "x") {
		t.Error("Noop should always allow")
	}
}
