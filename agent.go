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
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/openstake/indexer-agent/config"
	"github.com/openstake/indexer-agent/escrow"
	"github.com/openstake/indexer-agent/internal/breaker"
	"github.com/openstake/indexer-agent/internal/cache"
	redis_db "github.com/openstake/indexer-agent/internal/redis-db"
	"github.com/openstake/indexer-agent/model"
)

// Agent wires the reconciliation core together: the concurrent
// reconciler for allocation decisions, the batch redeemer for payment
// vouchers, the escrow balance cache and the deferred-redemption queue.
// External collaborators (chain client, transaction submitter, escrow
// accounting) are injected; the agent owns everything it builds and
// releases it exactly once through Close.
type Agent struct {
	config     *config.Configuration
	redis      redis.UniversalClient
	queue      *Queue
	reconciler *ConcurrentReconciler
	redeemer   *BatchRedeemer
	ledger     *escrow.CachedLedger

	closeOnce sync.Once
	closeErr  error
}

// featureEnabled reads an optional feature flag. Flags default to
// enabled when the configuration skipped validation, as mocked test
// configs do.
func featureEnabled(flag *bool) bool {
	return flag == nil || *flag
}

// NewAgent initializes the reconciliation core from the loaded
// configuration. handler performs the on-chain work for one decision;
// aggregator may be nil when the multicall contract is absent on the
// target network, which disables batching for the process lifetime.
func NewAgent(handler ReconcileFunc, aggregator RAVAggregator, submitter Submitter, ledger escrow.Ledger) (*Agent, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	cachedLedger := escrow.NewCachedLedger(redisClient.Client(), ledger, configuration.Cache.TTL)
	deferredQueue := NewQueue(configuration)

	reconciler := NewConcurrentReconciler(handler, ReconcilerOptions{
		Concurrency:       configuration.Reconciler.Concurrency,
		RetryAttempts:     configuration.Reconciler.RetryAttempts,
		RetryDelay:        configuration.Reconciler.RetryDelay,
		BatchSize:         configuration.Reconciler.BatchSize,
		UsePriorityQueue:  featureEnabled(configuration.Reconciler.UsePriorityQueue),
		UseCircuitBreaker: featureEnabled(configuration.Reconciler.UseCircuitBreaker),
		Breaker: breaker.Options{
			FailureThreshold:    configuration.Breaker.FailureThreshold,
			ResetTimeout:        configuration.Breaker.ResetTimeout,
			HalfOpenMaxAttempts: configuration.Breaker.HalfOpenMaxAttempts,
			MonitoringPeriod:    configuration.Breaker.MonitoringPeriod,
		},
		Cache: cache.Options{
			TTL:             configuration.Cache.TTL,
			MaxSize:         configuration.Cache.MaxSize,
			CleanupInterval: configuration.Cache.CleanupInterval,
		},
	})

	redeemer := NewBatchRedeemer(aggregator, submitter, cachedLedger, BatchRedeemerOptions{
		BatchSize:      configuration.Redemption.BatchSize,
		BatchThreshold: configuration.BatchThresholdAmount(),
		MaxBatchSize:   configuration.Redemption.MaxBatchSize,
		Breaker: breaker.Options{
			FailureThreshold:    configuration.Breaker.FailureThreshold,
			ResetTimeout:        configuration.Breaker.ResetTimeout,
			HalfOpenMaxAttempts: configuration.Breaker.HalfOpenMaxAttempts,
			MonitoringPeriod:    configuration.Breaker.MonitoringPeriod,
		},
	}).WithDeferredSink(deferredQueue).WithRedemptionLocks(redisClient.Client())

	return &Agent{
		config:     configuration,
		redis:      redisClient.Client(),
		queue:      deferredQueue,
		reconciler: reconciler,
		redeemer:   redeemer,
		ledger:     cachedLedger,
	}, nil
}

// Reconcile admits allocation decisions into the reconciler.
func (a *Agent) Reconcile(ctx context.Context, decisions []*model.AllocationDecision) error {
	return a.reconciler.Reconcile(ctx, decisions)
}

// RedeemPendingRAVs runs one redemption cycle and invalidates cached
// escrow balances for every sender that redeemed.
func (a *Agent) RedeemPendingRAVs(ctx context.Context, ravs []*model.RAV) (*RedemptionOutcome, error) {
	outcome, err := a.redeemer.RedeemPendingRAVs(ctx, ravs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, rav := range outcome.Redeemed {
		if _, ok := seen[rav.Sender]; ok {
			continue
		}
		seen[rav.Sender] = struct{}{}
		if err := a.ledger.InvalidateSender(ctx, rav.Sender); err != nil {
			return outcome, err
		}
		if err := a.queue.AcknowledgeRAV(rav); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// RedeemDeferred retries up to limit vouchers parked on the deferred
// queue.
func (a *Agent) RedeemDeferred(ctx context.Context, limit int) (*RedemptionOutcome, error) {
	ravs, err := a.queue.PendingRAVs(limit)
	if err != nil {
		return nil, err
	}
	if len(ravs) == 0 {
		return &RedemptionOutcome{}, nil
	}
	return a.RedeemPendingRAVs(ctx, ravs)
}

// Reconciler exposes the underlying reconciler for pause/resume/metrics.
func (a *Agent) Reconciler() *ConcurrentReconciler {
	return a.reconciler
}

// Redeemer exposes the underlying batch redeemer.
func (a *Agent) Redeemer() *BatchRedeemer {
	return a.redeemer
}

// DeferredQueue exposes the deferred-redemption queue.
func (a *Agent) DeferredQueue() *Queue {
	return a.queue
}

// Close releases every owned resource exactly once.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		if err := a.reconciler.Dispose(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
		if err := a.redeemer.Dispose(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
		if err := a.queue.Close(); err != nil && a.closeErr == nil {
			a.closeErr = err
		}
	})
	return a.closeErr
}
