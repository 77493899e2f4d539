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

package pqueue

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDisposed is returned by every operation invoked after Dispose.
var ErrDisposed = errors.New("priority queue disposed")

// waitEMAAlpha is the smoothing factor for the average-wait estimate.
const waitEMAAlpha = 0.1

// Item is a queue entry: the wrapped value, its computed priority and
// the moment it was admitted.
type Item[T any] struct {
	Value      T
	Key        string
	Priority   float64
	EnqueuedAt time.Time
}

// Options bound the auxiliary wait-tracking map. Zero values pick the
// defaults below.
type Options struct {
	MaxTrackedWaits int
	MaxStaleAge     time.Duration
	SweepInterval   time.Duration
}

const (
	defaultMaxTrackedWaits = 10000
	defaultMaxStaleAge     = 10 * time.Minute
	defaultSweepInterval   = time.Minute
)

// Queue is a priority-ordered buffer. Items are held in a slice sorted
// non-increasing by priority; admission order among equal priorities is
// made deterministic by the caller's scoring tiebreaker.
type Queue[T any] struct {
	mu    sync.Mutex
	items []*Item[T]

	score func(T) float64
	key   func(T) string

	// waits tracks enqueue timestamps per key so dequeue can update the
	// average wait. Bounded; see evictOldestWaits.
	waits           map[string]time.Time
	maxTrackedWaits int
	maxStaleAge     time.Duration

	avgWait       time.Duration
	totalEnqueued uint64
	totalDequeued uint64

	disposed bool
	stop     chan struct{}
}

// Metrics is a point-in-time snapshot of queue health.
type Metrics struct {
	Size          int
	TotalEnqueued uint64
	TotalDequeued uint64
	AvgWait       time.Duration
}

// New creates a queue whose priorities come from score and whose stable
// item identity comes from key. A background sweeper drops wait entries
// for items that never dequeued.
func New[T any](score func(T) float64, key func(T) string, opts Options) *Queue[T] {
	if opts.MaxTrackedWaits <= 0 {
		opts.MaxTrackedWaits = defaultMaxTrackedWaits
	}
	if opts.MaxStaleAge <= 0 {
		opts.MaxStaleAge = defaultMaxStaleAge
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	q := &Queue[T]{
		score:           score,
		key:             key,
		waits:           make(map[string]time.Time),
		maxTrackedWaits: opts.MaxTrackedWaits,
		maxStaleAge:     opts.MaxStaleAge,
		stop:            make(chan struct{}),
	}

	go q.sweepLoop(opts.SweepInterval)
	return q
}

func (q *Queue[T]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.sweepStaleWaits()
		case <-q.stop:
			return
		}
	}
}

func (q *Queue[T]) sweepStaleWaits() {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.maxStaleAge)
	for k, at := range q.waits {
		if at.Before(cutoff) {
			delete(q.waits, k)
		}
	}
}

// Enqueue scores value and splices it into the sorted slice. Binary
// search for the insertion point, linear shift to make room.
func (q *Queue[T]) Enqueue(value T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrDisposed
	}
	q.insertLocked(q.newItem(value))
	return nil
}

// EnqueueBatch scores and sorts the incoming values once, then merges
// the two sorted runs in a single pass.
func (q *Queue[T]) EnqueueBatch(values []T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrDisposed
	}
	if len(values) == 0 {
		return nil
	}

	batch := make([]*Item[T], 0, len(values))
	for _, v := range values {
		batch = append(batch, q.newItem(v))
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})

	merged := make([]*Item[T], 0, len(q.items)+len(batch))
	i, j := 0, 0
	for i < len(q.items) && j < len(batch) {
		if q.items[i].Priority >= batch[j].Priority {
			merged = append(merged, q.items[i])
			i++
		} else {
			merged = append(merged, batch[j])
			j++
		}
	}
	merged = append(merged, q.items[i:]...)
	merged = append(merged, batch[j:]...)
	q.items = merged
	return nil
}

func (q *Queue[T]) newItem(value T) *Item[T] {
	now := time.Now()
	item := &Item[T]{
		Value:      value,
		Key:        q.key(value),
		Priority:   q.score(value),
		EnqueuedAt: now,
	}
	if len(q.waits) >= q.maxTrackedWaits {
		q.evictOldestWaits()
	}
	q.waits[item.Key] = now
	q.totalEnqueued++
	return item
}

// evictOldestWaits drops roughly the oldest 10% of tracked waits so the
// map stays bounded even when items linger without dequeuing.
func (q *Queue[T]) evictOldestWaits() {
	type entry struct {
		key string
		at  time.Time
	}
	entries := make([]entry, 0, len(q.waits))
	for k, at := range q.waits {
		entries = append(entries, entry{k, at})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].at.Before(entries[j].at)
	})
	drop := len(entries) / 10
	if drop == 0 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(q.waits, e.key)
	}
}

func (q *Queue[T]) insertLocked(item *Item[T]) {
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < item.Priority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// Dequeue pops the highest-priority item. Returns nil when empty.
func (q *Queue[T]) Dequeue() (*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrDisposed
	}
	return q.popLocked(), nil
}

// DequeueBatch pops up to n items from the front.
func (q *Queue[T]) DequeueBatch(n int) ([]*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrDisposed
	}
	var out []*Item[T]
	for len(out) < n {
		item := q.popLocked()
		if item == nil {
			break
		}
		out = append(out, item)
	}
	return out, nil
}

func (q *Queue[T]) popLocked() *Item[T] {
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.totalDequeued++

	if at, ok := q.waits[item.Key]; ok {
		wait := time.Since(at)
		delete(q.waits, item.Key)
		if q.avgWait == 0 {
			q.avgWait = wait
		} else {
			q.avgWait = time.Duration(waitEMAAlpha*float64(wait) + (1-waitEMAAlpha)*float64(q.avgWait))
		}
	}
	return item
}

// Reprioritize locates the item with the given key, recomputes its
// priority through fn and reinserts it, preserving the sort invariant.
// The boolean reports whether the key was found.
func (q *Queue[T]) Reprioritize(key string, fn func(old float64) float64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return false, ErrDisposed
	}
	for i, item := range q.items {
		if item.Key == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			item.Priority = fn(item.Priority)
			q.insertLocked(item)
			return true, nil
		}
	}
	return false, nil
}

// Peek returns the front item without removing it.
func (q *Queue[T]) Peek() *Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed || len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Size:          len(q.items),
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		AvgWait:       q.avgWait,
	}
}

// Dispose stops the sweeper and clears all state. Safe to call once;
// later calls return ErrDisposed.
func (q *Queue[T]) Dispose() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrDisposed
	}
	q.disposed = true
	close(q.stop)
	q.items = nil
	q.waits = nil
	return nil
}
