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

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) (interface{}, error) { return nil, errBoom }

func succeeding(ctx context.Context) (interface{}, error) { return "ok", nil }

func newTestBreaker(t *testing.T, opts Options) *Breaker {
	t.Helper()
	b := New("test", opts)
	t.Cleanup(func() { _ = b.Dispose() })
	return b
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 5, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Execute(ctx, failing, nil)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	// Fifth consecutive failure trips the breaker
	_, err := b.Execute(ctx, failing, nil)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// While open and before the reset timeout, calls fail fast
	_, err = b.Execute(ctx, succeeding, nil)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := b.Execute(ctx, failing, nil)
	assert.ErrorIs(t, err, errBoom)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	// First call after the reset timeout is admitted as a probe, and a
	// successful probe closes the breaker
	result, err := b.Execute(ctx, succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureTripsBack(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond, HalfOpenMaxAttempts: 3})
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing, nil)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)

	// A failed probe trips straight back to open
	_, err := b.Execute(ctx, failing, nil)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFallbackWhileOpen(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, _ = b.Execute(ctx, failing, nil)
	require.Equal(t, StateOpen, b.State())

	result, err := b.Execute(ctx, succeeding, func(ctx context.Context) (interface{}, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}

func TestExecuteBatchCollectsPerOperationResults(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 100, ResetTimeout: time.Minute})

	ops := []Operation{succeeding, failing, succeeding}
	results, err := b.ExecuteBatch(context.Background(), ops, BatchOptions{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, "ok", results[0].Result)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, errBoom)
	assert.True(t, results[2].Success)
}

func TestExecuteBatchStopsAdmittingWhenOpen(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, ResetTimeout: time.Minute})

	// First chunk trips the breaker, later chunks are not admitted
	ops := []Operation{failing, succeeding, succeeding, succeeding}
	results, err := b.ExecuteBatch(context.Background(), ops, BatchOptions{Concurrency: 1, StopOnFailure: true})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.False(t, results[0].Success)
	for _, r := range results[1:] {
		assert.False(t, r.Success)
		var openErr *CircuitOpenError
		assert.ErrorAs(t, r.Err, &openErr)
	}
}

func TestBreakerObservers(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var transitions []State
	id := b.Subscribe(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	_, _ = b.Execute(ctx, failing, nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == StateOpen
	}, time.Second, 10*time.Millisecond)

	// After unsubscribing no further notifications arrive, even though
	// the breaker keeps transitioning (open -> half-open -> closed)
	b.Unsubscribe(id)
	time.Sleep(40 * time.Millisecond)
	_, err := b.Execute(ctx, succeeding, nil)
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, transitions, 1, "unsubscribed observer must not be notified")
}

func TestBreakerRollingWindowReset(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 100, ResetTimeout: time.Minute, MonitoringPeriod: 30 * time.Millisecond})
	ctx := context.Background()

	_, _ = b.Execute(ctx, succeeding, nil)
	_, _ = b.Execute(ctx, failing, nil)
	_, _ = b.Execute(ctx, failing, nil)

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.Equal(t, 2, stats.ConsecutiveFailures)

	assert.Eventually(t, func() bool {
		s := b.Stats()
		return s.TotalRequests == 0 && s.Failures == 0 && s.Successes == 0
	}, time.Second, 10*time.Millisecond)

	// Consecutive failures survive the rolling reset
	assert.Equal(t, 2, b.Stats().ConsecutiveFailures)
}

func TestBreakerHealthPercentage(t *testing.T) {
	b := newTestBreaker(t, Options{FailureThreshold: 100, ResetTimeout: time.Minute})
	ctx := context.Background()

	assert.Equal(t, float64(100), b.HealthPercentage())

	_, _ = b.Execute(ctx, succeeding, nil)
	_, _ = b.Execute(ctx, failing, nil)
	assert.InDelta(t, 50, b.HealthPercentage(), 0.01)
}

func TestDisposedBreakerRejectsOperations(t *testing.T) {
	b := New("disposed", Options{})
	require.NoError(t, b.Dispose())

	_, err := b.Execute(context.Background(), succeeding, nil)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = b.ExecuteBatch(context.Background(), []Operation{succeeding}, BatchOptions{})
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, b.Dispose(), ErrDisposed)
}
