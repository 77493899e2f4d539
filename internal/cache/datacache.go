/*
Copyright 2025 Openstake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"container/list"
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrDisposed is returned by every operation invoked after Dispose.
var ErrDisposed = errors.New("data cache disposed")

// Options tune a DataCache. Zero values pick the defaults below.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

const (
	defaultTTL             = 60 * time.Second
	defaultMaxSize         = 1000
	defaultCleanupInterval = 120 * time.Second
)

// Fetcher loads the value for a missing key.
type Fetcher[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	key       string
	value     T
	timestamp time.Time
	expiresAt time.Time
	hits      uint64
}

// Metrics is a point-in-time snapshot of cache effectiveness.
type Metrics struct {
	Hits      uint64
	Misses    uint64
	StaleHits uint64
	Evictions uint64
	Size      int
	HitRate   float64
}

// DataCache is a TTL+LRU cache with stale-while-revalidate reads: when
// a refresh fails and an expired value is still around, the stale value
// is served instead of the error.
//
// Concurrent GetCachedOrFetch calls for the same missing key may each
// invoke the fetcher; callers needing single-flight semantics dedupe at
// a higher level (the reconciler does).
type DataCache[T any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	// lru front = most recently touched
	lru  *list.List
	opts Options

	hits      uint64
	misses    uint64
	staleHits uint64
	evictions uint64

	disposed bool
	stop     chan struct{}
	log      *logrus.Entry
}

// NewDataCache builds a cache and starts its expiry purge timer.
func NewDataCache[T any](name string, opts Options) *DataCache[T] {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	c := &DataCache[T]{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		opts:    opts,
		stop:    make(chan struct{}),
		log:     logrus.WithField("component", "data_cache").WithField("cache", name),
	}

	go c.cleanupLoop()
	return c
}

func (c *DataCache[T]) cleanupLoop() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *DataCache[T]) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, el := range c.entries {
		if now.After(el.Value.(*entry[T]).expiresAt) {
			c.removeLocked(key, el)
		}
	}
}

func (c *DataCache[T]) removeLocked(key string, el *list.Element) {
	c.lru.Remove(el)
	delete(c.entries, key)
}

// Set stores value under key with the given ttl (0 means the cache
// default), evicting the least-recently-touched entry when full.
func (c *DataCache[T]) Set(key string, value T, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if ttl <= 0 {
		ttl = c.opts.TTL
	}

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[T])
		e.value = value
		e.timestamp = now
		e.expiresAt = now.Add(ttl)
		c.lru.MoveToFront(el)
		return nil
	}

	if len(c.entries) >= c.opts.MaxSize {
		oldest := c.lru.Back()
		if oldest != nil {
			c.removeLocked(oldest.Value.(*entry[T]).key, oldest)
			c.evictions++
		}
	}

	el := c.lru.PushFront(&entry[T]{
		key:       key,
		value:     value,
		timestamp: now,
		expiresAt: now.Add(ttl),
	})
	c.entries[key] = el
	return nil
}

// Get returns the unexpired value for key. Expired entries report a
// miss but stay resident until the purge timer claims them, keeping
// them available as stale fallbacks.
func (c *DataCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.disposed {
		return zero, false
	}

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[T])
	if time.Now().After(e.expiresAt) {
		c.misses++
		return zero, false
	}

	e.hits++
	c.hits++
	c.lru.MoveToFront(el)
	return e.value, true
}

// GetCachedOrFetch returns the cached value for key, or fetches, caches
// and returns it. A fetch failure with a previous (possibly expired)
// value resident serves the stale value instead of the error.
func (c *DataCache[T]) GetCachedOrFetch(ctx context.Context, key string, fetcher Fetcher[T], ttl time.Duration) (T, error) {
	var zero T

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return zero, ErrDisposed
	}
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[T])
		if !time.Now().After(e.expiresAt) {
			e.hits++
			c.hits++
			c.lru.MoveToFront(el)
			value := e.value
			c.mu.Unlock()
			return value, nil
		}
	}
	c.misses++
	c.mu.Unlock()

	value, err := fetcher(ctx)
	if err != nil {
		c.mu.Lock()
		el, ok := c.entries[key]
		if ok {
			e := el.Value.(*entry[T])
			c.staleHits++
			stale := e.value
			c.mu.Unlock()
			c.log.WithFields(logrus.Fields{
				"key": key,
			}).WithError(err).Warn("fetch failed, serving stale cached value")
			return stale, nil
		}
		c.mu.Unlock()
		return zero, err
	}

	if err := c.Set(key, value, ttl); err != nil {
		return zero, err
	}
	return value, nil
}

// Invalidate drops one key.
func (c *DataCache[T]) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if el, ok := c.entries[key]; ok {
		c.removeLocked(key, el)
	}
	return nil
}

// InvalidatePattern drops every key matching the regexp and returns the
// number removed.
func (c *DataCache[T]) InvalidatePattern(re *regexp.Regexp) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrDisposed
	}
	removed := 0
	for key, el := range c.entries {
		if re.MatchString(key) {
			c.removeLocked(key, el)
			removed++
		}
	}
	return removed, nil
}

// InvalidatePrefix drops every key with the given prefix and returns
// the number removed.
func (c *DataCache[T]) InvalidatePrefix(prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrDisposed
	}
	removed := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key, el)
			removed++
		}
	}
	return removed, nil
}

func (c *DataCache[T]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	return nil
}

func (c *DataCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DataCache[T]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		m.HitRate = float64(c.hits) / float64(total)
	}
	return m
}

// WarmupResult reports how many warmup fetches landed.
type WarmupResult struct {
	Succeeded int
	Failed    int
}

// Warmup populates many keys concurrently, bounded by concurrency.
func (c *DataCache[T]) Warmup(ctx context.Context, keys []string, fetcher func(ctx context.Context, key string) (T, error), concurrency int) (WarmupResult, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return WarmupResult{}, ErrDisposed
	}
	c.mu.Unlock()

	if concurrency <= 0 {
		concurrency = 1
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := WarmupResult{}

	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer sem.Release(1)
			value, err := fetcher(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				return
			}
			if err := c.Set(key, value, 0); err != nil {
				result.Failed++
				return
			}
			result.Succeeded++
		}(key)
	}
	wg.Wait()

	return result, nil
}

// Dispose stops the purge timer and rejects further operations.
func (c *DataCache[T]) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.disposed = true
	close(c.stop)
	c.entries = nil
	c.lru = nil
	return nil
}
