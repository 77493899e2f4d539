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
	"hash/fnv"
	"math"

	"github.com/shopspring/decimal"

	"github.com/openstake/indexer-agent/model"
)

const (
	allocateBasePriority   = 1000
	deallocateBasePriority = 500
	alwaysBasisBonus       = 50
	unsafeRulePenalty      = 200

	// Allocation amounts are capped before log scaling so one oversized
	// rule cannot dominate ordering.
	maxScoredAllocation = 1_000_000
)

// DecisionPriority scores an allocation decision. The score is a pure
// function of the decision: creates outrank closes, larger rule amounts
// rank higher on a log scale, "always" rules beat plain rule matches,
// unsafe rules are penalized, and a fractional hash of the deployment
// id breaks ties deterministically.
func DecisionPriority(d *model.AllocationDecision) float64 {
	priority := float64(deallocateBasePriority)
	if d.ToAllocate {
		priority = allocateBasePriority
	}

	if rule := d.RuleMatch.Rule; rule != nil {
		amount := rule.AllocationAmount
		if amount.GreaterThan(decimal.NewFromInt(maxScoredAllocation)) {
			amount = decimal.NewFromInt(maxScoredAllocation)
		}
		amt, _ := amount.Float64()
		if amt > 0 {
			priority += math.Log10(amt+1) * 10
		}
		if rule.DecisionBasis == model.DecisionBasisAlways {
			priority += alwaysBasisBonus
		}
		if !rule.Safety {
			priority -= unsafeRulePenalty
		}
	}

	return priority + deploymentTiebreaker(d.Deployment.ID)
}

// deploymentTiebreaker maps a deployment id to [0, 1) so equal-priority
// decisions still order the same way on every run.
func deploymentTiebreaker(id string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()) / float64(math.MaxUint32+1)
}

// NewDecisionQueue builds a queue of allocation decisions scored by
// DecisionPriority and keyed by deployment id.
func NewDecisionQueue(opts Options) *Queue[*model.AllocationDecision] {
	return New(DecisionPriority, func(d *model.AllocationDecision) string {
		return d.Key()
	}, opts)
}
