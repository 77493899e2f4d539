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

package escrow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// balanceKeyPrefix namespaces cached sender balances.
const balanceKeyPrefix = "escrow:balance:"

// localCacheSize bounds the in-process TinyLFU tier of the balance cache.
const localCacheSize = 10000

// Ledger reports how much a payment sender currently has locked in
// escrow. Implementations talk to the escrow-accounting subgraph; this
// core only consumes the balance.
type Ledger interface {
	GetBalanceForSender(ctx context.Context, sender string) (decimal.Decimal, error)
}

// CachedLedger fronts a Ledger with a two-tier (local TinyLFU + Redis)
// cache so every batch-formation pass does not hammer the accounting
// collaborator for the same senders.
type CachedLedger struct {
	upstream Ledger
	cache    *cache.Cache
	ttl      time.Duration
	log      *logrus.Entry
}

// NewCachedLedger wraps upstream with a balance cache. ttl bounds how
// stale an admitted balance can be.
func NewCachedLedger(client redis.UniversalClient, upstream Ledger, ttl time.Duration) *CachedLedger {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localCacheSize, ttl),
	})
	return &CachedLedger{
		upstream: upstream,
		cache:    c,
		ttl:      ttl,
		log:      logrus.WithField("component", "escrow_ledger"),
	}
}

// GetBalanceForSender returns the cached balance when fresh, refreshing
// from the upstream ledger otherwise. Balances cross the cache as
// decimal strings to keep the encoding stable.
func (l *CachedLedger) GetBalanceForSender(ctx context.Context, sender string) (decimal.Decimal, error) {
	key := balanceKeyPrefix + sender

	var raw string
	err := l.cache.Get(ctx, key, &raw)
	if err == nil {
		balance, parseErr := decimal.NewFromString(raw)
		if parseErr == nil {
			return balance, nil
		}
		l.log.WithField("sender", sender).WithError(parseErr).Warn("discarding unparseable cached balance")
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		l.log.WithField("sender", sender).WithError(err).Warn("balance cache read failed, fetching from ledger")
	}

	balance, err := l.upstream.GetBalanceForSender(ctx, sender)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrapf(err, "fetching escrow balance for sender %s", sender)
	}

	if err := l.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: balance.String(),
		TTL:   l.ttl,
	}); err != nil {
		l.log.WithField("sender", sender).WithError(err).Warn("balance cache write failed")
	}

	return balance, nil
}

// InvalidateSender drops a sender's cached balance. Called after a
// successful redemption since the escrow balance just changed on-chain.
func (l *CachedLedger) InvalidateSender(ctx context.Context, sender string) error {
	return l.cache.Delete(ctx, balanceKeyPrefix+sender)
}

// StaticLedger is a fixed in-memory ledger used in tests and dry runs.
type StaticLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func NewStaticLedger(balances map[string]decimal.Decimal) *StaticLedger {
	copied := make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		copied[k] = v
	}
	return &StaticLedger{balances: copied}
}

func (s *StaticLedger) GetBalanceForSender(_ context.Context, sender string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[sender]
	if !ok {
		return decimal.Zero, nil
	}
	return balance, nil
}

// SetBalance replaces a sender's balance.
func (s *StaticLedger) SetBalance(sender string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[sender] = balance
}
