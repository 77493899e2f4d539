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

package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RAV is a receipt aggregate voucher: a cumulative signed payment claim
// aggregating many micro-receipts into one monotonically increasing
// redeemable value. RAVs are produced upstream by the payments pipeline
// and consumed here by the batch redeemer.
type RAV struct {
	// Allocation is the on-chain allocation the voucher redeems against.
	Allocation string `json:"allocation_id"`
	// Sender is the address of the payer whose escrow funds the voucher.
	Sender string `json:"sender_address"`
	// ValueAggregate only ever grows for a given (allocation, sender)
	// pair; redeeming an older aggregate after a newer one is a
	// protocol violation.
	ValueAggregate decimal.Decimal `json:"value_aggregate"`
	Timestamp      int64           `json:"timestamp_ns"`
	Signature      []byte          `json:"signature"`
	Last           bool            `json:"last"`
	Final          bool            `json:"final"`
}

// Key identifies a voucher by its (allocation, sender) pair.
func (r *RAV) Key() string {
	return fmt.Sprintf("%s:%s", r.Allocation, r.Sender)
}

// RAVBatch groups admitted vouchers for a single aggregated on-chain
// call. A batch is formed per reconciliation cycle and discarded after
// submission or failure.
type RAVBatch struct {
	ID         string          `json:"batch_id"`
	RAVs       []*RAV          `json:"ravs"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// NewRAVBatch creates an empty batch with a fresh identifier.
func NewRAVBatch() *RAVBatch {
	return &RAVBatch{
		ID:         "batch_" + uuid.New().String(),
		TotalValue: decimal.Zero,
	}
}

// Add appends a voucher and accumulates its value.
func (b *RAVBatch) Add(rav *RAV) {
	b.RAVs = append(b.RAVs, rav)
	b.TotalValue = b.TotalValue.Add(rav.ValueAggregate)
}

// Size returns the number of vouchers in the batch.
func (b *RAVBatch) Size() int {
	return len(b.RAVs)
}
