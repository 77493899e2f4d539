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
	"github.com/shopspring/decimal"
)

// DecisionBasis describes how an allocation rule was resolved for a
// deployment.
const (
	DecisionBasisAlways   = "always"
	DecisionBasisNever    = "never"
	DecisionBasisRules    = "rules"
	DecisionBasisOffchain = "offchain"
)

// AllocationRule carries the rule parameters that matched a deployment
// during rule evaluation. Rules are produced by an external collaborator;
// this core only reads them when scoring decisions.
type AllocationRule struct {
	AllocationAmount decimal.Decimal `json:"allocation_amount"`
	DecisionBasis    string          `json:"decision_basis"`
	Safety           bool            `json:"safety"`
}

// RuleMatch pairs a deployment with the rule that selected it. Rule may
// be nil when a decision was forced without any matching rule.
type RuleMatch struct {
	Rule *AllocationRule `json:"rule,omitempty"`
}

// AllocationDecision is a proposed allocate/close action for a single
// subgraph deployment. Decisions are consumed exactly once by the
// reconciler and are not persisted by this core.
type AllocationDecision struct {
	Deployment      Deployment `json:"deployment"`
	ToAllocate      bool       `json:"to_allocate"`
	RuleMatch       RuleMatch  `json:"rule_match"`
	ProtocolNetwork string     `json:"protocol_network"`
}

// Deployment identifies a subgraph deployment on the network.
type Deployment struct {
	ID string `json:"id"`
}

// Key returns the stable identity used for in-flight deduplication and
// reprioritization of a decision.
func (d *AllocationDecision) Key() string {
	return d.Deployment.ID
}
