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
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstake/indexer-agent/model"
)

func decision(id string, toAllocate bool, amount int64, basis string, safety bool) *model.AllocationDecision {
	return &model.AllocationDecision{
		Deployment: model.Deployment{ID: id},
		ToAllocate: toAllocate,
		RuleMatch: model.RuleMatch{
			Rule: &model.AllocationRule{
				AllocationAmount: decimal.NewFromInt(amount),
				DecisionBasis:    basis,
				Safety:           safety,
			},
		},
		ProtocolNetwork: "eip155:42161",
	}
}

func TestDequeueOrderIsNonIncreasing(t *testing.T) {
	q := NewDecisionQueue(Options{})
	defer func() { _ = q.Dispose() }()

	// Mixed creates, closes and amounts so priorities differ
	decisions := []*model.AllocationDecision{
		decision("Qm1", false, 100, model.DecisionBasisRules, true),
		decision("Qm2", true, 5000, model.DecisionBasisAlways, true),
		decision("Qm3", true, 10, model.DecisionBasisRules, false),
		decision("Qm4", false, 900000, model.DecisionBasisAlways, true),
		decision("Qm5", true, 0, model.DecisionBasisRules, true),
	}
	for _, d := range decisions {
		require.NoError(t, q.Enqueue(d))
	}

	last := float64(0)
	for i := 0; i < len(decisions); i++ {
		item, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, item)
		if i > 0 {
			assert.LessOrEqual(t, item.Priority, last)
		}
		last = item.Priority
	}

	// Queue is drained
	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEnqueueBatchMatchesSequentialOrdering(t *testing.T) {
	sequential := NewDecisionQueue(Options{})
	batched := NewDecisionQueue(Options{})
	defer func() { _ = sequential.Dispose() }()
	defer func() { _ = batched.Dispose() }()

	var decisions []*model.AllocationDecision
	for i := 0; i < 50; i++ {
		decisions = append(decisions, decision(
			fmt.Sprintf("Qm%03d", i),
			i%2 == 0,
			int64(i*137%9000),
			model.DecisionBasisRules,
			i%7 != 0,
		))
	}

	for _, d := range decisions {
		require.NoError(t, sequential.Enqueue(d))
	}
	require.NoError(t, batched.EnqueueBatch(decisions))

	for {
		a, err := sequential.Dequeue()
		require.NoError(t, err)
		b, err := batched.Dequeue()
		require.NoError(t, err)
		if a == nil {
			assert.Nil(t, b)
			break
		}
		require.NotNil(t, b)
		assert.Equal(t, a.Key, b.Key)
	}
}

func TestDecisionPriorityIsPure(t *testing.T) {
	a := decision("QmSame", true, 1234, model.DecisionBasisAlways, true)
	b := decision("QmSame", true, 1234, model.DecisionBasisAlways, true)
	assert.Equal(t, DecisionPriority(a), DecisionPriority(b))
}

func TestDecisionPriorityWeights(t *testing.T) {
	create := decision("QmX", true, 1000, model.DecisionBasisRules, true)
	closeDec := decision("QmX", false, 1000, model.DecisionBasisRules, true)
	assert.Greater(t, DecisionPriority(create), DecisionPriority(closeDec))

	always := decision("QmX", true, 1000, model.DecisionBasisAlways, true)
	rules := decision("QmX", true, 1000, model.DecisionBasisRules, true)
	assert.Greater(t, DecisionPriority(always), DecisionPriority(rules))

	unsafe := decision("QmX", true, 1000, model.DecisionBasisRules, false)
	assert.Less(t, DecisionPriority(unsafe), DecisionPriority(rules))

	big := decision("QmX", true, 500000, model.DecisionBasisRules, true)
	small := decision("QmX", true, 5, model.DecisionBasisRules, true)
	assert.Greater(t, DecisionPriority(big), DecisionPriority(small))
}

func TestReprioritizePreservesSortInvariant(t *testing.T) {
	q := NewDecisionQueue(Options{})
	defer func() { _ = q.Dispose() }()

	require.NoError(t, q.Enqueue(decision("QmA", true, 100, model.DecisionBasisRules, true)))
	require.NoError(t, q.Enqueue(decision("QmB", false, 100, model.DecisionBasisRules, true)))
	require.NoError(t, q.Enqueue(decision("QmC", false, 50, model.DecisionBasisRules, true)))

	// Push the close of QmC above every create
	found, err := q.Reprioritize("QmC", func(old float64) float64 { return old + 10000 })
	require.NoError(t, err)
	assert.True(t, found)

	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "QmC", item.Key)

	// Unknown keys report not found without error
	found, err = q.Reprioritize("QmZ", func(old float64) float64 { return old })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDequeueBatch(t *testing.T) {
	q := NewDecisionQueue(Options{})
	defer func() { _ = q.Dispose() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(decision(fmt.Sprintf("Qm%d", i), true, int64(i*100), model.DecisionBasisRules, true)))
	}

	items, err := q.DequeueBatch(3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 2, q.Len())

	// Asking for more than remains drains without error
	items, err = q.DequeueBatch(10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func trackedWaits[T any](q *Queue[T]) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waits)
}

func TestWaitMapStaysBoundedUnderEnqueuePressure(t *testing.T) {
	q := NewDecisionQueue(Options{MaxTrackedWaits: 10})
	defer func() { _ = q.Dispose() }()

	// Enqueue far past the tracking bound without ever dequeuing, so
	// wait entries can only leave through eviction.
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(decision(fmt.Sprintf("Qm%03d", i), true, int64(i), model.DecisionBasisRules, true)))
	}

	assert.LessOrEqual(t, trackedWaits(q), 10)
	assert.Equal(t, 50, q.Len(), "eviction must only touch wait tracking, not queued items")

	// Items whose wait entry was evicted still dequeue normally.
	items, err := q.DequeueBatch(50)
	require.NoError(t, err)
	assert.Len(t, items, 50)
}

func TestStaleWaitEntriesAreSwept(t *testing.T) {
	q := NewDecisionQueue(Options{
		MaxStaleAge:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	defer func() { _ = q.Dispose() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(decision(fmt.Sprintf("Qm%d", i), true, 100, model.DecisionBasisRules, true)))
	}
	require.Equal(t, 5, trackedWaits(q))

	// Entries older than the stale age disappear without any dequeue.
	assert.Eventually(t, func() bool {
		return trackedWaits(q) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, q.Len())
}

func TestWaitMetrics(t *testing.T) {
	q := NewDecisionQueue(Options{})
	defer func() { _ = q.Dispose() }()

	require.NoError(t, q.Enqueue(decision("QmWait", true, 100, model.DecisionBasisRules, true)))
	item, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, item)

	m := q.Metrics()
	assert.Equal(t, uint64(1), m.TotalEnqueued)
	assert.Equal(t, uint64(1), m.TotalDequeued)
	assert.GreaterOrEqual(t, int64(m.AvgWait), int64(0))
}

func TestDisposedQueueRejectsOperations(t *testing.T) {
	q := NewDecisionQueue(Options{})
	require.NoError(t, q.Dispose())

	assert.ErrorIs(t, q.Enqueue(decision("Qm", true, 1, model.DecisionBasisRules, true)), ErrDisposed)
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = q.DequeueBatch(1)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = q.Reprioritize("Qm", func(old float64) float64 { return old })
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, q.Dispose(), ErrDisposed)
}
