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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDisposed is returned by every operation invoked after Dispose.
var ErrDisposed = errors.New("circuit breaker disposed")

// State is the breaker's position in its three-state machine. Legal
// transitions: Closed→Open, Open→HalfOpen, HalfOpen→{Closed, Open}.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError reports a fast-failed call with the time remaining
// until the breaker will probe again.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry in %.1fs", e.Name, e.RetryAfter.Seconds())
}

// Operation is a protected unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// Observer receives state-change notifications.
type Observer func(from, to State)

// Options tune the breaker. Zero values pick the defaults below.
type Options struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
	MonitoringPeriod    time.Duration
}

const (
	defaultFailureThreshold    = 5
	defaultResetTimeout        = 30 * time.Second
	defaultHalfOpenMaxAttempts = 3
	defaultMonitoringPeriod    = 60 * time.Second
)

// Stats are the breaker's health counters. Rolling totals are zeroed
// every MonitoringPeriod so the health percentage reflects recent
// traffic; ConsecutiveFailures survives the reset.
type Stats struct {
	Failures            uint64
	Successes           uint64
	ConsecutiveFailures int
	LastFailureTime     time.Time
	TotalRequests       uint64
	LastStateChange     time.Time
}

// Breaker protects calls to an unreliable collaborator, failing fast
// while the collaborator is known to be down and probing for recovery
// after ResetTimeout.
type Breaker struct {
	mu   sync.Mutex
	name string
	opts Options

	state            State
	stats            Stats
	halfOpenAttempts int

	observers map[int]Observer
	nextObsID int
	disposed  bool
	stop      chan struct{}
	log       *logrus.Entry
}

// New builds a breaker and starts its rolling-window monitor.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaultResetTimeout
	}
	if opts.HalfOpenMaxAttempts <= 0 {
		opts.HalfOpenMaxAttempts = defaultHalfOpenMaxAttempts
	}
	if opts.MonitoringPeriod <= 0 {
		opts.MonitoringPeriod = defaultMonitoringPeriod
	}

	b := &Breaker{
		name:      name,
		opts:      opts,
		state:     StateClosed,
		observers: make(map[int]Observer),
		stop:      make(chan struct{}),
		log:       logrus.WithField("component", "circuit_breaker").WithField("breaker", name),
	}
	b.stats.LastStateChange = time.Now()

	go b.monitorLoop()
	return b
}

func (b *Breaker) monitorLoop() {
	ticker := time.NewTicker(b.opts.MonitoringPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.stats.Failures = 0
			b.stats.Successes = 0
			b.stats.TotalRequests = 0
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Execute runs fn under the breaker's protection. While the breaker is
// open, fallback is invoked when supplied, else a CircuitOpenError with
// the remaining reset time is returned.
func (b *Breaker) Execute(ctx context.Context, fn Operation, fallback Operation) (interface{}, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}

	if b.state == StateOpen {
		elapsed := time.Since(b.stats.LastFailureTime)
		if elapsed >= b.opts.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenAttempts = 0
		} else {
			remaining := b.opts.ResetTimeout - elapsed
			b.mu.Unlock()
			if fallback != nil {
				return fallback(ctx)
			}
			return nil, &CircuitOpenError{Name: b.name, RetryAfter: remaining}
		}
	}

	if b.state == StateHalfOpen {
		if b.halfOpenAttempts >= b.opts.HalfOpenMaxAttempts {
			b.transitionLocked(StateOpen)
			b.mu.Unlock()
			if fallback != nil {
				return fallback(ctx)
			}
			return nil, &CircuitOpenError{Name: b.name, RetryAfter: b.opts.ResetTimeout}
		}
		b.halfOpenAttempts++
	}

	b.stats.TotalRequests++
	b.mu.Unlock()

	result, err := fn(ctx)

	b.mu.Lock()
	if err != nil {
		b.recordFailureLocked()
	} else {
		b.recordSuccessLocked()
	}
	b.mu.Unlock()

	return result, err
}

func (b *Breaker) recordSuccessLocked() {
	b.stats.Successes++
	b.stats.ConsecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) recordFailureLocked() {
	b.stats.Failures++
	b.stats.ConsecutiveFailures++
	b.stats.LastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.stats.ConsecutiveFailures >= b.opts.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A failed probe trips straight back
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stats.LastStateChange = time.Now()
	b.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("circuit breaker state change")

	for _, obs := range b.observers {
		go obs(from, to)
	}
}

// BatchOptions control ExecuteBatch chunking.
type BatchOptions struct {
	Concurrency   int
	StopOnFailure bool
}

// BatchResult is the per-operation outcome of ExecuteBatch. Failed
// operations carry their error here rather than aborting the batch.
type BatchResult struct {
	Success bool
	Result  interface{}
	Err     error
}

// ExecuteBatch runs ops in chunks of Concurrency, each operation
// individually protected by the breaker. With StopOnFailure set, an
// open breaker stops admission of further chunks; unprocessed
// operations are reported with a CircuitOpenError.
func (b *Breaker) ExecuteBatch(ctx context.Context, ops []Operation, opts BatchOptions) ([]BatchResult, error) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}
	b.mu.Unlock()

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	results := make([]BatchResult, len(ops))
	for start := 0; start < len(ops); start += opts.Concurrency {
		if opts.StopOnFailure && b.State() == StateOpen {
			for i := start; i < len(ops); i++ {
				results[i] = BatchResult{Err: &CircuitOpenError{Name: b.name, RetryAfter: b.opts.ResetTimeout}}
			}
			break
		}

		end := start + opts.Concurrency
		if end > len(ops) {
			end = len(ops)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := b.Execute(ctx, ops[i], nil)
				results[i] = BatchResult{Success: err == nil, Result: result, Err: err}
			}(i)
		}
		wg.Wait()
	}

	return results, nil
}

// Subscribe registers a state-change observer and returns an id usable
// with Unsubscribe.
func (b *Breaker) Subscribe(obs Observer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextObsID
	b.nextObsID++
	b.observers[id] = obs
	return id
}

func (b *Breaker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, id)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// HealthPercentage is the share of successful requests in the current
// monitoring window. An idle breaker reports fully healthy.
func (b *Breaker) HealthPercentage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stats.TotalRequests == 0 {
		return 100
	}
	return float64(b.stats.Successes) / float64(b.stats.TotalRequests) * 100
}

// Dispose stops the monitor goroutine. Later calls return ErrDisposed.
func (b *Breaker) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	b.disposed = true
	close(b.stop)
	b.observers = nil
	return nil
}
