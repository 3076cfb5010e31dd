package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDedupCacheReserveOnce(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewDedupCache(client, zap.NewNop())
	ctx := context.Background()

	ok, err := cache.Reserve(ctx, "7:100:2026-03-13")
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if !ok {
		t.Fatal("first reserve should succeed")
	}

	ok, err = cache.Reserve(ctx, "7:100:2026-03-13")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatal("second reserve should be rejected")
	}
}

func TestDedupCacheKeysCarryServicePrefix(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewDedupCache(client, zap.NewNop())
	if _, err := cache.Reserve(context.Background(), "7:100:2026-03-13"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !mr.Exists("hermitta:reminder:occurrence:7:100:2026-03-13") {
		t.Fatal("reservation key should live under the service namespace")
	}
}

func TestDedupCacheDistinctOccurrencesIndependent(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewDedupCache(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := cache.Reserve(ctx, "7:100:2026-03-13"); !ok {
		t.Fatal("reserve failed")
	}
	if ok, _ := cache.Reserve(ctx, "7:100:2026-04-13"); !ok {
		t.Fatal("a different occurrence date must reserve independently")
	}
	if ok, _ := cache.Reserve(ctx, "8:100:2026-03-13"); !ok {
		t.Fatal("a different rule must reserve independently")
	}
}

func TestDedupCacheReleaseAllowsReReserve(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewDedupCache(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := cache.Reserve(ctx, "7:100:2026-03-13"); !ok {
		t.Fatal("reserve failed")
	}
	if err := cache.Release(ctx, "7:100:2026-03-13"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := cache.Reserve(ctx, "7:100:2026-03-13"); !ok {
		t.Fatal("reserve after release should succeed")
	}
}

func TestDedupCacheReservationExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewDedupCache(client, zap.NewNop())
	ctx := context.Background()

	if ok, _ := cache.Reserve(ctx, "7:100:2026-03-13"); !ok {
		t.Fatal("reserve failed")
	}

	mr.FastForward(reservationTTL + time.Second)

	if ok, _ := cache.Reserve(ctx, "7:100:2026-03-13"); !ok {
		t.Fatal("reserve after TTL expiry should succeed")
	}
}
