package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter. It keeps its own
// key index alongside otter so PurgePrefix can scan for a family without
// depending on otter exposing iteration over its eviction structures.
type Memory struct {
	cache *otter.Cache[string, entry]

	mu   sync.RWMutex
	keys map[string]struct{}

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemory creates an in-memory cache with the given max entry count and default TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c, keys: make(map[string]struct{})}, nil
}

// Get retrieves a value from the cache if present and not expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		m.forgetKey(key)
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	return e.data, true
}

// Set stores a value with per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.cache.Set(key, entry{
		data:      val,
		expiresAt: time.Now().Add(ttl),
	})
	m.rememberKey(key)
}

// Delete removes a value from the cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
	m.forgetKey(key)
}

// Purge removes all values from the cache.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
	m.mu.Lock()
	m.keys = make(map[string]struct{})
	m.mu.Unlock()
}

// PurgePrefix invalidates every key starting with prefix. It snapshots the
// matching keys under the index lock, then invalidates otter outside the
// lock so a concurrent Get on an unrelated key never blocks on eviction.
func (m *Memory) PurgePrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	var victims []string
	for k := range m.keys {
		if strings.HasPrefix(k, prefix) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		delete(m.keys, k)
	}
	m.mu.Unlock()

	for _, k := range victims {
		m.cache.Invalidate(k)
	}
}

// Stats reports cumulative hit/miss counters and the current key count.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	size := len(m.keys)
	m.mu.RUnlock()
	return Stats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
		Size:   size,
	}
}

func (m *Memory) rememberKey(key string) {
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) forgetKey(key string) {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
}
