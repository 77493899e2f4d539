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

package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/openstake/indexer-agent/internal/breaker"
	"github.com/openstake/indexer-agent/internal/cache"
	"github.com/openstake/indexer-agent/internal/pqueue"
	"github.com/openstake/indexer-agent/model"
)

var reconcilerTracer = otel.Tracer("Reconciliation")

// processingEMAAlpha smooths the average processing-time estimate.
const processingEMAAlpha = 0.1

var (
	// ErrReconcilerPaused is returned when new work arrives while the
	// reconciler is paused.
	ErrReconcilerPaused = errors.New("reconciler is paused")
	// ErrReconcilerDisposed is returned by every operation after Dispose.
	ErrReconcilerDisposed = errors.New("reconciler disposed")
)

// ReconcileFunc performs the network work for one allocation decision:
// querying chain state and submitting the allocate or close transaction.
type ReconcileFunc func(ctx context.Context, decision *model.AllocationDecision) error

// ReconcilerOptions bound the reconciler's admission and retry behavior.
type ReconcilerOptions struct {
	Concurrency       int
	RetryAttempts     int
	RetryDelay        time.Duration
	BatchSize         int
	UsePriorityQueue  bool
	UseCircuitBreaker bool

	Breaker breaker.Options
	Cache   cache.Options
	Queue   pqueue.Options
}

// ReconcilerMetrics aggregates reconciler health for operators.
type ReconcilerMetrics struct {
	Total             uint64
	Succeeded         uint64
	Failed            uint64
	AvgProcessingTime time.Duration
	QueueDepth        int
	CacheHitRate      float64
	BreakerState      string
}

// ConcurrentReconciler drives bounded-concurrency reconciliation of
// allocation decisions. Decisions for the same deployment already in
// flight share one underlying call; transient failures are retried with
// linearly increasing delay, each attempt optionally guarded by the
// circuit breaker.
type ConcurrentReconciler struct {
	opts    ReconcilerOptions
	handler ReconcileFunc

	queue   *pqueue.Queue[*model.AllocationDecision]
	breaker *breaker.Breaker
	cache   *cache.DataCache[interface{}]

	group    singleflight.Group
	inflight map[string]struct{}
	sem      *semaphore.Weighted

	mu       sync.Mutex
	paused   bool
	draining bool
	active   int
	disposed bool

	total     uint64
	succeeded uint64
	failed    uint64
	avgProc   time.Duration

	log *logrus.Entry
}

// NewConcurrentReconciler builds a reconciler around handler. The
// reconciler owns its queue, breaker and cache and releases them on
// Dispose.
func NewConcurrentReconciler(handler ReconcileFunc, opts ReconcilerOptions) *ConcurrentReconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}

	r := &ConcurrentReconciler{
		opts:     opts,
		handler:  handler,
		cache:    cache.NewDataCache[interface{}]("reconciler", opts.Cache),
		inflight: make(map[string]struct{}),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		log:      logrus.WithField("component", "reconciler"),
	}
	if opts.UsePriorityQueue {
		r.queue = pqueue.NewDecisionQueue(opts.Queue)
	}
	if opts.UseCircuitBreaker {
		r.breaker = breaker.New("reconciler", opts.Breaker)
	}
	return r
}

// Reconcile admits a set of decisions. In priority-queue mode they are
// scored and enqueued; the caller that wins the drain race then pulls
// fixed-size batches until the queue empties, while concurrent callers
// return right after enqueueing. In direct mode the decisions are
// processed under the flat concurrency limit before returning. Callers
// that need every admitted decision settled wait on OnIdle.
func (r *ConcurrentReconciler) Reconcile(ctx context.Context, decisions []*model.AllocationDecision) error {
	ctx, span := reconcilerTracer.Start(ctx, "Reconciling allocation decisions")
	defer span.End()

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrReconcilerDisposed
	}
	if r.paused {
		r.mu.Unlock()
		return ErrReconcilerPaused
	}
	r.mu.Unlock()

	if r.queue == nil {
		return r.processDirect(ctx, decisions)
	}

	if err := r.queue.EnqueueBatch(decisions); err != nil {
		return err
	}
	return r.drainQueue(ctx)
}

func (r *ConcurrentReconciler) processDirect(ctx context.Context, decisions []*model.AllocationDecision) error {
	var wg sync.WaitGroup
	for _, decision := range decisions {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		// Count the decision as active before the worker starts, so an
		// OnIdle poller cannot observe idle mid-dispatch.
		r.mu.Lock()
		r.active++
		r.mu.Unlock()
		wg.Add(1)
		go func(d *model.AllocationDecision) {
			defer wg.Done()
			defer r.sem.Release(1)
			r.processOne(ctx, d)
		}(decision)
	}
	wg.Wait()
	return nil
}

// drainQueue pulls fixed-size batches off the priority queue until it
// is empty. Only one drainer runs at a time; concurrent Reconcile calls
// that lose the race return after their decisions were enqueued.
func (r *ConcurrentReconciler) drainQueue(ctx context.Context) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.draining = false
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if paused {
			return nil
		}

		items, err := r.queue.DequeueBatch(r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, item := range items {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			r.mu.Lock()
			r.active++
			r.mu.Unlock()
			wg.Add(1)
			go func(d *model.AllocationDecision) {
				defer wg.Done()
				defer r.sem.Release(1)
				r.processOne(ctx, d)
			}(item.Value)
		}
		wg.Wait()
	}
}

// processOne reconciles a single decision, deduplicating against any
// in-flight reconciliation of the same deployment.
func (r *ConcurrentReconciler) processOne(ctx context.Context, decision *model.AllocationDecision) {
	key := decision.Key()

	// active was already incremented at dispatch.
	r.mu.Lock()
	r.inflight[key] = struct{}{}
	r.mu.Unlock()

	started := time.Now()
	_, err, _ := r.group.Do(key, func() (interface{}, error) {
		return nil, r.executeWithRetry(ctx, decision)
	})

	r.mu.Lock()
	r.active--
	delete(r.inflight, key)
	r.total++
	if err != nil {
		r.failed++
	} else {
		r.succeeded++
	}
	elapsed := time.Since(started)
	if r.avgProc == 0 {
		r.avgProc = elapsed
	} else {
		r.avgProc = time.Duration(processingEMAAlpha*float64(elapsed) + (1-processingEMAAlpha)*float64(r.avgProc))
	}
	r.mu.Unlock()

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"deployment": key,
			"toAllocate": decision.ToAllocate,
		}).WithError(err).Error("reconciliation failed after retries")
	}
}

// linearBackOff implements backoff.BackOff with delay × attempt waits,
// matching the reconciler's retry contract.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.delay * time.Duration(l.attempt)
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

func (r *ConcurrentReconciler) executeWithRetry(ctx context.Context, decision *model.AllocationDecision) error {
	key := decision.Key()
	attempt := 0

	operation := func() error {
		attempt++
		if attempt > 1 {
			r.log.WithFields(logrus.Fields{
				"deployment": key,
				"attempt":    attempt,
			}).Warn("retrying reconciliation")
		}

		if r.breaker != nil {
			_, err := r.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return nil, r.handler(ctx, decision)
			}, nil)
			return err
		}
		return r.handler(ctx, decision)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: r.opts.RetryDelay}, uint64(r.opts.RetryAttempts-1)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

// CachedFetch exposes the reconciler's data cache to handlers that look
// up deployment or chain state, with stale-while-revalidate semantics.
func (r *ConcurrentReconciler) CachedFetch(ctx context.Context, key string, fetcher func(ctx context.Context) (interface{}, error), ttl time.Duration) (interface{}, error) {
	return r.cache.GetCachedOrFetch(ctx, key, fetcher, ttl)
}

// InvalidateCached drops cached state for keys matching the prefix.
func (r *ConcurrentReconciler) InvalidateCached(prefix string) (int, error) {
	return r.cache.InvalidatePrefix(prefix)
}

// Pause stops admitting new work. Already-dispatched operations run to
// completion.
func (r *ConcurrentReconciler) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume reopens admission.
func (r *ConcurrentReconciler) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// Clear drops queued work and in-flight bookkeeping. In-flight network
// calls still run to completion; their keys are forgotten so the next
// request for the same deployment starts fresh.
func (r *ConcurrentReconciler) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrReconcilerDisposed
	}

	if r.queue != nil {
		// Drain without processing
		for {
			items, err := r.queue.DequeueBatch(r.opts.BatchSize)
			if err != nil || len(items) == 0 {
				break
			}
		}
	}
	for key := range r.inflight {
		r.group.Forget(key)
		delete(r.inflight, key)
	}
	return nil
}

// OnIdle blocks until the queue is drained, no drainer is running and
// no work is in flight, or ctx expires.
func (r *ConcurrentReconciler) OnIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		idle := r.active == 0 && !r.draining && (r.queue == nil || r.queue.Len() == 0)
		r.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Metrics returns an aggregated snapshot across the reconciler and the
// components it composes.
func (r *ConcurrentReconciler) Metrics() ReconcilerMetrics {
	r.mu.Lock()
	m := ReconcilerMetrics{
		Total:             r.total,
		Succeeded:         r.succeeded,
		Failed:            r.failed,
		AvgProcessingTime: r.avgProc,
	}
	r.mu.Unlock()

	if r.queue != nil {
		m.QueueDepth = r.queue.Len()
	}
	m.CacheHitRate = r.cache.Metrics().HitRate
	if r.breaker != nil {
		m.BreakerState = r.breaker.State().String()
	}
	return m
}

// Dispose releases the queue, breaker and cache. Later calls return
// ErrReconcilerDisposed.
func (r *ConcurrentReconciler) Dispose() error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrReconcilerDisposed
	}
	r.disposed = true
	r.mu.Unlock()

	if r.queue != nil {
		_ = r.queue.Dispose()
	}
	if r.breaker != nil {
		_ = r.breaker.Dispose()
	}
	return r.cache.Dispose()
}
