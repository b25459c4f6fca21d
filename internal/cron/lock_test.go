package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/angelmondragon/barnlink/pkg/config"
	"github.com/angelmondragon/barnlink/pkg/redis"
)

func newLockClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.RedisConfig{Address: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	client, _ := newLockClient(t)
	first, err := NewRedisLock(client, LockName, time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	second, _ := NewRedisLock(client, LockName, time.Minute)

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, err := second.Acquire(ctx); err != nil || ok {
		t.Fatalf("second acquire = %v, %v; want false", ok, err)
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("non-owner release: %v", err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Fatalf("non-owner release must not free the lock")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := second.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	client, mr := newLockClient(t)
	first, _ := NewRedisLock(client, LockName, time.Minute)
	second, _ := NewRedisLock(client, LockName, time.Minute)

	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first acquire failed")
	}
	if !mr.Exists("bl:lock:" + LockName) {
		t.Fatalf("expected namespaced lock key")
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("lock should expire after its TTL")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("bl:lock:" + LockName) {
		t.Fatalf("stale owner deleted the new holder's lock")
	}
}
