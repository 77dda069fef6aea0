package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanPageSize bounds how many keys Redis returns per SCAN cursor round.
const scanPageSize = 200

// Redis is a shared L2 cache backed by a Redis client. It is the optional
// second tier in front of a Memory L1: multiple gateway instances share it,
// so an entry warmed by one instance is visible to the others.
type Redis struct {
	client redis.UniversalClient

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis wraps an existing Redis client as an L2 Cache tier. The caller
// owns the client's lifecycle (including Close).
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache get failed",
				slog.String("key", key), slog.String("error", err.Error()),
			)
		}
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache set failed",
			slog.String("key", key), slog.String("error", err.Error()),
		)
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache delete failed",
			slog.String("key", key), slog.String("error", err.Error()),
		)
	}
}

// Purge flushes the current Redis database (the configured db index, 0 unless
// set). Only safe when the gateway owns that logical DB.
func (r *Redis) Purge(ctx context.Context) {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache purge failed", slog.String("error", err.Error()))
	}
}

// PurgePrefix scans for prefix* in pages and deletes each page as it is
// found, avoiding both a blocking KEYS call and a single giant DEL.
func (r *Redis) PurgePrefix(ctx context.Context, prefix string) {
	var cursor uint64
	pattern := prefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache scan failed",
				slog.String("prefix", prefix), slog.String("error", err.Error()),
			)
			return
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "l2 cache prefix delete failed",
					slog.String("prefix", prefix), slog.String("error", err.Error()),
				)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats reports hit/miss counters observed by this process. Size is left at
// 0: DBSIZE would count unrelated keys sharing the logical database.
func (r *Redis) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}
