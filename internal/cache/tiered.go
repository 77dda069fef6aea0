package cache

import (
	"context"
	"time"
)

// backfillTTL bounds how long an L2 hit is held in L1 after being promoted.
// The original write TTL isn't known at read time (Cache.Get doesn't return
// remaining TTL), so promoted entries use a short fixed window instead of
// risking L1 outliving the L2 copy they were copied from.
const backfillTTL = time.Minute

// Tiered composes an in-process L1 with an optional shared L2. Reads check
// L1 first; an L2 hit is backfilled into L1 so the next read on this
// instance is local. Writes and deletes go to both tiers so no instance is
// left serving a stale L1 entry after another instance invalidates L2.
type Tiered struct {
	l1 Cache
	l2 Cache // nil disables the shared tier
}

// NewTiered returns a Cache backed by l1 and, if non-nil, l2.
func NewTiered(l1 Cache, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := t.l1.Get(ctx, key); ok {
		return val, true
	}
	if t.l2 == nil {
		return nil, false
	}
	val, ok := t.l2.Get(ctx, key)
	if !ok {
		return nil, false
	}
	t.l1.Set(ctx, key, val, backfillTTL)
	return val, true
}

func (t *Tiered) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	t.l1.Set(ctx, key, val, ttl)
	if t.l2 != nil {
		t.l2.Set(ctx, key, val, ttl)
	}
}

func (t *Tiered) Delete(ctx context.Context, key string) {
	t.l1.Delete(ctx, key)
	if t.l2 != nil {
		t.l2.Delete(ctx, key)
	}
}

func (t *Tiered) Purge(ctx context.Context) {
	t.l1.Purge(ctx)
	if t.l2 != nil {
		t.l2.Purge(ctx)
	}
}

func (t *Tiered) PurgePrefix(ctx context.Context, prefix string) {
	t.l1.PurgePrefix(ctx, prefix)
	if t.l2 != nil {
		t.l2.PurgePrefix(ctx, prefix)
	}
}

func (t *Tiered) Stats() Stats {
	l1 := t.l1.Stats()
	if t.l2 == nil {
		return l1
	}
	l2 := t.l2.Stats()
	return Stats{
		Hits:   l1.Hits + l2.Hits,
		Misses: l2.Misses, // an L1 miss that hits L2 isn't a net miss
		Size:   l1.Size,
	}
}
