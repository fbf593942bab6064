// SPDX-License-Identifier: GPL-3.0-or-later

// Package cache implements the key -> service map shared by the router
// and balancer layers: single-flight construction so concurrent callers
// building the same key share one build, reference-counted idle eviction,
// and drain-on-removal, built on golang.org/x/sync/singleflight.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DrainFunc is invoked when an entry is evicted or the cache is drained.
// It should release the entry's resources, allowing in-flight work a
// bounded grace period if the caller wants one.
type DrainFunc func(ctx context.Context)

// BuildFunc constructs the value for a cache key. A non-nil error is
// never cached: per-request a failed build is returned to every waiter,
// and the next GetOrMake retries from scratch.
type BuildFunc[V any] func(ctx context.Context) (V, DrainFunc, error)

// CacheEntry is a point-in-time, read-only view of one cached value, its
// last-use time, and its external reference count. Used by callers that
// need to inspect cache state (metrics, tests) without holding a
// reference.
type CacheEntry[V any] struct {
	Value    V
	LastUsed time.Time
	RefCount int64
}

type entry[V any] struct {
	value    V
	drain    DrainFunc
	lastUsed atomic.Int64 // unix nanoseconds
	refCount atomic.Int64
}

// Cache maps K to a lazily-constructed, reference-counted V. Construct
// with [New]; call [Cache.Run] (typically in its own goroutine) to drive
// the idle-eviction sweep, and [Cache.DrainAll] on process shutdown.
type Cache[K comparable, V any] struct {
	maxIdleAge time.Duration
	timeNow    func() time.Time

	mu      sync.Mutex
	entries map[K]*entry[V]
	group   singleflight.Group
}

// New returns an empty [*Cache]. maxIdleAge is the duration of no use
// (with no outstanding handles) after which an entry is evicted. The
// background sweep interval is maxIdleAge/4, matching the proxy's
// eviction-sweep cadence.
func New[K comparable, V any](maxIdleAge time.Duration, timeNow func() time.Time) *Cache[K, V] {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &Cache[K, V]{
		maxIdleAge: maxIdleAge,
		timeNow:    timeNow,
		entries:    make(map[K]*entry[V]),
	}
}

// Handle is an owning reference to a cached value. Callers must call
// [Handle.Release] when done so idle eviction can reclaim the entry.
type Handle[K comparable, V any] struct {
	Value V
	cache *Cache[K, V]
	key   K
	once  sync.Once
}

// Release decrements the entry's reference count. Safe to call more than
// once; only the first call has effect.
func (h *Handle[K, V]) Release() {
	h.once.Do(func() {
		h.cache.mu.Lock()
		e, ok := h.cache.entries[h.key]
		h.cache.mu.Unlock()
		if ok {
			e.refCount.Add(-1)
		}
	})
}

// GetOrMake returns a [Handle] to the entry for key, building it with
// build if absent. Concurrent calls for the same key share a single
// build (single-flight); a failed build is never cached.
func (c *Cache[K, V]) GetOrMake(ctx context.Context, key K, build BuildFunc[V]) (*Handle[K, V], error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refCount.Add(1)
		e.lastUsed.Store(c.timeNow().UnixNano())
		c.mu.Unlock()
		return &Handle[K, V]{Value: e.value, cache: c, key: key}, nil
	}
	c.mu.Unlock()

	sfKey := fmt.Sprintf("%v", key)
	result, err, _ := c.group.Do(sfKey, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		value, drain, err := build(ctx)
		if err != nil {
			return nil, err
		}

		e := &entry[V]{value: value, drain: drain}
		e.lastUsed.Store(c.timeNow().UnixNano())

		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	// Every caller sharing the single-flight result, the one that ran
	// the build included, takes its own reference for its handle.
	e := result.(*entry[V])
	e.refCount.Add(1)
	e.lastUsed.Store(c.timeNow().UnixNano())
	return &Handle[K, V]{Value: e.value, cache: c, key: key}, nil
}

// Run drives the idle-eviction sweep until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context) {
	if c.maxIdleAge <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.maxIdleAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cache[K, V]) sweep(ctx context.Context) {
	now := c.timeNow()
	var toDrain []*entry[V]

	c.mu.Lock()
	for key, e := range c.entries {
		if e.refCount.Load() > 0 {
			continue
		}
		idle := now.Sub(time.Unix(0, e.lastUsed.Load()))
		if idle >= c.maxIdleAge {
			delete(c.entries, key)
			toDrain = append(toDrain, e)
		}
	}
	c.mu.Unlock()

	for _, e := range toDrain {
		if e.drain != nil {
			e.drain(ctx)
		}
	}
}

// DrainAll evicts every entry and drains it concurrently, regardless of
// reference count. Intended for process shutdown.
func (c *Cache[K, V]) DrainAll(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]*entry[V], 0, len(c.entries))
	for key, e := range c.entries {
		entries = append(entries, e)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		if e.drain == nil {
			continue
		}
		g.Go(func() error {
			e.drain(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Len reports the number of entries currently cached, for metrics.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns a [CacheEntry] view of key's current state, for tests
// and metrics.
func (c *Cache[K, V]) Snapshot(key K) (CacheEntry[V], bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return CacheEntry[V]{}, false
	}
	return CacheEntry[V]{
		Value:    e.value,
		LastUsed: time.Unix(0, e.lastUsed.Load()),
		RefCount: e.refCount.Load(),
	}, true
}
