package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewRedis(client)
}

func TestRedis_GetSetDelete(t *testing.T) {
	t.Parallel()
	_, r := newTestRedis(t)
	ctx := context.Background()

	if _, ok := r.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}

	r.Set(ctx, "k1", []byte("v1"), time.Minute)
	val, ok := r.Get(ctx, "k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	r.Delete(ctx, "k1")
	if _, ok := r.Get(ctx, "k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestRedis_TTLExpiry(t *testing.T) {
	t.Parallel()
	mr, r := newTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, "expiring", []byte("data"), 50*time.Millisecond)
	mr.FastForward(100 * time.Millisecond)

	if _, ok := r.Get(ctx, "expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestRedis_PurgePrefix(t *testing.T) {
	t.Parallel()
	_, r := newTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, UserKey("u1"), []byte("1"), time.Minute)
	r.Set(ctx, UserKey("u2"), []byte("2"), time.Minute)
	r.Set(ctx, ModelsKey("p1"), []byte("3"), time.Minute)

	r.PurgePrefix(ctx, PrefixUser)

	if _, ok := r.Get(ctx, UserKey("u1")); ok {
		t.Error("PurgePrefix should remove matching keys")
	}
	if _, ok := r.Get(ctx, UserKey("u2")); ok {
		t.Error("PurgePrefix should remove matching keys")
	}
	if _, ok := r.Get(ctx, ModelsKey("p1")); !ok {
		t.Error("PurgePrefix should not touch keys outside the prefix")
	}
}

func TestRedis_Purge(t *testing.T) {
	t.Parallel()
	_, r := newTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, "a", []byte("1"), time.Minute)
	r.Set(ctx, "b", []byte("2"), time.Minute)

	r.Purge(ctx)

	if _, ok := r.Get(ctx, "a"); ok {
		t.Error("purge should remove all keys")
	}
	if _, ok := r.Get(ctx, "b"); ok {
		t.Error("purge should remove all keys")
	}
}

func TestRedis_Stats(t *testing.T) {
	t.Parallel()
	_, r := newTestRedis(t)
	ctx := context.Background()

	r.Set(ctx, "a", []byte("1"), time.Minute)
	if _, ok := r.Get(ctx, "a"); !ok {
		t.Fatal("should find a")
	}
	if _, ok := r.Get(ctx, "missing"); ok {
		t.Fatal("should not find missing")
	}

	stats := r.Stats()
	if stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}
