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
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openstake/indexer-agent/escrow"
	"github.com/openstake/indexer-agent/internal/breaker"
	redlock "github.com/openstake/indexer-agent/internal/lock"
	"github.com/openstake/indexer-agent/model"
)

var redemptionTracer = otel.Tracer("Redemption")

// ErrSimulationFailed rejects a whole batch when any simulated call
// reports failure; the batch then falls back to per-voucher redemption.
var ErrSimulationFailed = errors.New("Batch RAV redemption simulation failed")

// CallResult is the outcome of one simulated aggregated call.
type CallResult struct {
	Success    bool
	ReturnData []byte
}

// Receipt is the mined result of an aggregated submission.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// RAVAggregator is the multicall capability backed by the on-chain
// aggregator contract. Each voucher maps to one aggregated call with
// allowFailure=false, so a single failing call fails the whole
// simulation or transaction.
type RAVAggregator interface {
	Simulate(ctx context.Context, ravs []*model.RAV) ([]CallResult, error)
	Execute(ctx context.Context, ravs []*model.RAV) (*Receipt, error)
}

// Submitter redeems one voucher through the transaction-submission
// collaborator. It is the fallback path when batching is unavailable or
// a batch was rejected.
type Submitter interface {
	RedeemRAV(ctx context.Context, rav *model.RAV) error
}

// DeferredSink receives vouchers that could not be redeemed this cycle.
type DeferredSink interface {
	EnqueueRAV(ctx context.Context, rav *model.RAV) error
}

// BatchRedeemerOptions tune batch formation. A batch closes once it
// holds at least BatchSize vouchers and BatchThreshold of value, or
// hits the hard MaxBatchSize cap. Admitted sets smaller than BatchSize
// or worth less than BatchThreshold skip batching entirely.
type BatchRedeemerOptions struct {
	BatchSize      int
	BatchThreshold decimal.Decimal
	MaxBatchSize   int

	// LockTimeout bounds how long a per-sender redemption lock is held;
	// LockWait bounds how long we wait to acquire one.
	LockTimeout time.Duration
	LockWait    time.Duration

	Breaker breaker.Options
}

// RedemptionOutcome reports what one redemption cycle did with its
// input vouchers.
type RedemptionOutcome struct {
	Redeemed []*model.RAV
	Deferred []*model.RAV
	Failed   []*model.RAV
	Batches  int
}

// RedemptionMetrics aggregates redeemer counters.
type RedemptionMetrics struct {
	BatchesSubmitted      uint64
	BatchesFailed         uint64
	BatchSizeDistribution map[int]uint64
	RedeemedIndividually  uint64
	RedemptionFailures    uint64
	DeferredVouchers      uint64
}

// BatchRedeemer turns pending payment vouchers into on-chain
// redemptions: escrow-filtered, batched through the aggregator when
// worthwhile, simulated before submission, and degraded to the
// breaker-protected individual path on any failure.
type BatchRedeemer struct {
	opts       BatchRedeemerOptions
	aggregator RAVAggregator
	submitter  Submitter
	ledger     escrow.Ledger
	deferred   DeferredSink
	lockClient redis.UniversalClient
	breaker    *breaker.Breaker

	mu               sync.Mutex
	batchesSubmitted uint64
	batchesFailed    uint64
	batchSizes       map[int]uint64
	redeemedIndiv    uint64
	redemptionFailed uint64
	deferredCount    uint64
	batchingDisabled bool

	log *logrus.Entry
}

// NewBatchRedeemer builds a redeemer. A nil aggregator means the
// aggregator contract could not be located on-chain at startup:
// batching stays disabled for the process lifetime and every voucher
// takes the individual path.
func NewBatchRedeemer(aggregator RAVAggregator, submitter Submitter, ledger escrow.Ledger, opts BatchRedeemerOptions) *BatchRedeemer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.BatchThreshold.IsZero() {
		opts.BatchThreshold = decimal.NewFromInt(100)
	}
	if opts.MaxBatchSize < opts.BatchSize {
		opts.MaxBatchSize = opts.BatchSize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}

	r := &BatchRedeemer{
		opts:       opts,
		aggregator: aggregator,
		submitter:  submitter,
		ledger:     ledger,
		breaker:    breaker.New("rav_redemption", opts.Breaker),
		batchSizes: make(map[int]uint64),
		log:        logrus.WithField("component", "batch_redeemer"),
	}
	if aggregator == nil {
		r.batchingDisabled = true
		r.log.Warn("aggregator contract not found on-chain, batch redemption disabled for this network")
	}
	return r
}

// WithDeferredSink routes vouchers dropped this cycle to sink for a
// later retry instead of silently discarding them.
func (r *BatchRedeemer) WithDeferredSink(sink DeferredSink) *BatchRedeemer {
	r.deferred = sink
	return r
}

// WithRedemptionLocks makes the redeemer hold a per-sender Redis lock
// around submissions so concurrent agent processes cannot double-redeem.
func (r *BatchRedeemer) WithRedemptionLocks(client redis.UniversalClient) *BatchRedeemer {
	r.lockClient = client
	return r
}

// RedeemPendingRAVs runs one redemption cycle over the pending voucher
// set and reports what was redeemed, deferred and failed.
func (r *BatchRedeemer) RedeemPendingRAVs(ctx context.Context, ravs []*model.RAV) (*RedemptionOutcome, error) {
	ctx, span := redemptionTracer.Start(ctx, "Redeeming pending RAVs")
	defer span.End()

	outcome := &RedemptionOutcome{}
	if len(ravs) == 0 {
		return outcome, nil
	}

	admitted, dropped, err := r.filterByEscrow(ctx, ravs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, rav := range dropped {
		r.deferRAV(ctx, rav, outcome)
	}
	if len(admitted) == 0 {
		return outcome, nil
	}

	if r.shouldBatch(admitted) {
		batches := r.formBatches(admitted)
		outcome.Batches = len(batches)
		for _, batch := range batches {
			r.redeemBatch(ctx, span, batch, outcome)
		}
		return outcome, nil
	}

	r.redeemIndividually(ctx, admitted, outcome)
	return outcome, nil
}

// filterByEscrow walks each sender's vouchers in arrival order,
// provisionally admitting each one that still fits the sender's
// remaining escrow balance and decrementing the balance as it goes.
// Vouchers that do not fit are dropped from this cycle.
func (r *BatchRedeemer) filterByEscrow(ctx context.Context, ravs []*model.RAV) (admitted, dropped []*model.RAV, err error) {
	remaining := make(map[string]decimal.Decimal)

	for _, rav := range ravs {
		balance, ok := remaining[rav.Sender]
		if !ok {
			balance, err = r.ledger.GetBalanceForSender(ctx, rav.Sender)
			if err != nil {
				return nil, nil, err
			}
		}

		if rav.ValueAggregate.LessThanOrEqual(balance) {
			admitted = append(admitted, rav)
			remaining[rav.Sender] = balance.Sub(rav.ValueAggregate)
		} else {
			r.log.WithFields(logrus.Fields{
				"allocation": rav.Allocation,
				"sender":     rav.Sender,
				"value":      rav.ValueAggregate.String(),
				"balance":    balance.String(),
			}).Warn("voucher exceeds remaining escrow balance, deferring")
			dropped = append(dropped, rav)
			remaining[rav.Sender] = balance
		}
	}
	return admitted, dropped, nil
}

// shouldBatch decides whether the admitted set is worth an aggregated
// call at all.
func (r *BatchRedeemer) shouldBatch(admitted []*model.RAV) bool {
	if r.batchingDisabled {
		return false
	}
	if len(admitted) < r.opts.BatchSize {
		return false
	}
	total := decimal.Zero
	for _, rav := range admitted {
		total = total.Add(rav.ValueAggregate)
	}
	return total.GreaterThanOrEqual(r.opts.BatchThreshold)
}

// formBatches groups admitted vouchers sequentially. A batch closes
// once it carries at least BatchSize vouchers and BatchThreshold of
// cumulative value, or when it hits the MaxBatchSize hard cap.
func (r *BatchRedeemer) formBatches(admitted []*model.RAV) []*model.RAVBatch {
	var batches []*model.RAVBatch
	current := model.NewRAVBatch()

	for _, rav := range admitted {
		current.Add(rav)
		if current.Size() >= r.opts.MaxBatchSize ||
			(current.Size() >= r.opts.BatchSize && current.TotalValue.GreaterThanOrEqual(r.opts.BatchThreshold)) {
			batches = append(batches, current)
			current = model.NewRAVBatch()
		}
	}
	if current.Size() > 0 {
		batches = append(batches, current)
	}
	return batches
}

// redeemBatch simulates and submits one batch, falling back to
// per-voucher redemption when the simulation or submission fails.
func (r *BatchRedeemer) redeemBatch(ctx context.Context, span trace.Span, batch *model.RAVBatch, outcome *RedemptionOutcome) {
	unlock, err := r.acquireSenderLocks(ctx, batch.RAVs)
	if err != nil {
		r.log.WithField("batch", batch.ID).WithError(err).Warn("could not lock batch senders, deferring batch")
		for _, rav := range batch.RAVs {
			r.deferRAV(ctx, rav, outcome)
		}
		return
	}
	defer unlock()

	results, err := r.aggregator.Simulate(ctx, batch.RAVs)
	if err == nil {
		for _, result := range results {
			if !result.Success {
				err = ErrSimulationFailed
				break
			}
		}
	}
	if err != nil {
		span.RecordError(err)
		r.log.WithFields(logrus.Fields{
			"batch": batch.ID,
			"size":  batch.Size(),
			"value": batch.TotalValue.String(),
		}).WithError(err).Error("batch simulation rejected, falling back to individual redemption")
		r.mu.Lock()
		r.batchesFailed++
		r.mu.Unlock()
		r.redeemIndividually(ctx, batch.RAVs, outcome)
		return
	}

	receipt, err := r.aggregator.Execute(ctx, batch.RAVs)
	if err != nil {
		span.RecordError(err)
		r.log.WithField("batch", batch.ID).WithError(err).Error("batch submission failed, falling back to individual redemption")
		r.mu.Lock()
		r.batchesFailed++
		r.mu.Unlock()
		r.redeemIndividually(ctx, batch.RAVs, outcome)
		return
	}

	r.mu.Lock()
	r.batchesSubmitted++
	r.batchSizes[batch.Size()]++
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"batch":  batch.ID,
		"size":   batch.Size(),
		"value":  batch.TotalValue.String(),
		"txHash": receipt.TxHash,
	}).Info("batch redemption confirmed")
	outcome.Redeemed = append(outcome.Redeemed, batch.RAVs...)
}

// redeemIndividually is the per-voucher path: each redemption runs
// through the circuit breaker; failures are deferred for a later cycle.
func (r *BatchRedeemer) redeemIndividually(ctx context.Context, ravs []*model.RAV, outcome *RedemptionOutcome) {
	for _, rav := range ravs {
		rav := rav
		_, err := r.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, r.submitter.RedeemRAV(ctx, rav)
		}, nil)

		r.mu.Lock()
		if err != nil {
			r.redemptionFailed++
		} else {
			r.redeemedIndiv++
		}
		r.mu.Unlock()

		if err != nil {
			r.log.WithFields(logrus.Fields{
				"allocation": rav.Allocation,
				"sender":     rav.Sender,
			}).WithError(err).Error("individual redemption failed")
			outcome.Failed = append(outcome.Failed, rav)
			r.deferRAV(ctx, rav, outcome)
			continue
		}
		outcome.Redeemed = append(outcome.Redeemed, rav)
	}
}

func (r *BatchRedeemer) deferRAV(ctx context.Context, rav *model.RAV, outcome *RedemptionOutcome) {
	outcome.Deferred = append(outcome.Deferred, rav)
	r.mu.Lock()
	r.deferredCount++
	r.mu.Unlock()

	if r.deferred == nil {
		return
	}
	if err := r.deferred.EnqueueRAV(ctx, rav); err != nil {
		r.log.WithFields(logrus.Fields{
			"allocation": rav.Allocation,
			"sender":     rav.Sender,
		}).WithError(err).Error("failed to defer voucher")
	}
}

// acquireSenderLocks takes the per-sender redemption locks for every
// distinct sender in the batch, in sorted order to avoid deadlocks with
// peer processes. Returns a release function for the acquired set.
func (r *BatchRedeemer) acquireSenderLocks(ctx context.Context, ravs []*model.RAV) (func(), error) {
	if r.lockClient == nil {
		return func() {}, nil
	}

	seen := make(map[string]struct{})
	var senders []string
	for _, rav := range ravs {
		if _, ok := seen[rav.Sender]; !ok {
			seen[rav.Sender] = struct{}{}
			senders = append(senders, rav.Sender)
		}
	}
	sort.Strings(senders)

	var held []*redlock.Locker
	release := func() {
		for _, locker := range held {
			if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				r.log.WithError(err).Warn("failed to release redemption lock")
			}
		}
	}

	for _, sender := range senders {
		locker := redlock.NewRedemptionLock(r.lockClient, sender)
		if err := locker.WaitLock(ctx, r.opts.LockTimeout, r.opts.LockWait); err != nil {
			release()
			return nil, err
		}
		held = append(held, locker)
	}
	return release, nil
}

// BatchingEnabled reports whether the aggregated path is available.
func (r *BatchRedeemer) BatchingEnabled() bool {
	return !r.batchingDisabled
}

func (r *BatchRedeemer) Metrics() RedemptionMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	dist := make(map[int]uint64, len(r.batchSizes))
	for size, count := range r.batchSizes {
		dist[size] = count
	}
	return RedemptionMetrics{
		BatchesSubmitted:      r.batchesSubmitted,
		BatchesFailed:         r.batchesFailed,
		BatchSizeDistribution: dist,
		RedeemedIndividually:  r.redeemedIndiv,
		RedemptionFailures:    r.redemptionFailed,
		DeferredVouchers:      r.deferredCount,
	}
}

// Dispose releases the redeemer's circuit breaker.
func (r *BatchRedeemer) Dispose() error {
	return r.breaker.Dispose()
}
