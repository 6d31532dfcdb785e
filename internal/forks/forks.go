// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package forks implements the candidate-fork activation rule of
// spec.md §4.6: a finite ordered list of ForkConfig by minEpoch, each
// gated by a stake-weighted vote over validator-declared fork-vote
// substates.
package forks

import (
	"crypto/sha256"
	"math/big"

	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/ledger"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/types"
)

// ForkConfig names one candidate fork: the epoch it becomes eligible at,
// the RERules it would activate, and the stake-vote threshold (in basis
// points of total power) required to activate it.
type ForkConfig struct {
	Name         string
	MinEpoch     types.Epoch
	Rules        constraintmachine.RERules
	ThresholdBPS uint64
}

// nameHash is the content a validator's fork-vote substate must match to
// count as a vote for this fork (spec.md §4.6: "hash equals
// H(validatorKey || forkName || …)").
func (f ForkConfig) nameHash(validator types.BFTNode) [32]byte {
	var buf []byte
	buf = append(buf, validator.Bytes()...)
	buf = append(buf, []byte(f.Name)...)
	return sha256.Sum256(buf)
}

// Registry holds the ordered candidate-fork list and the currently active
// ruleset.
type Registry struct {
	log    log.Logger
	forks  []ForkConfig
	active RERulesHolder
}

// RERulesHolder is satisfied by whatever owns "the currently active
// RERules" — kept as an interface so Registry doesn't need to know who
// else references the active ruleset (the constraint machine instance the
// dispatcher threads through ledger.StateComputer).
type RERulesHolder interface {
	SetActiveRules(rules constraintmachine.RERules)
	ActiveRules() constraintmachine.RERules
}

// New builds a Registry over forks, sorted ascending by MinEpoch so
// Activate always considers candidates in eligibility order.
func New(logger log.Logger, forkList []ForkConfig, active RERulesHolder) *Registry {
	sorted := append([]ForkConfig(nil), forkList...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].MinEpoch < sorted[j-1].MinEpoch; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Registry{log: logger, forks: sorted, active: active}
}

// Activate iterates candidates in minEpoch order and activates the first
// whose epoch is reached and whose stake vote clears its threshold,
// swapping the active RERules atomically with the epoch boundary that
// calls it (spec.md §4.6: "at most one fork activates per boundary").
// Returns the activated ForkConfig, or nil if none qualified.
func (r *Registry) Activate(epoch types.Epoch, validators *types.ValidatorSet, committed store.Reader) (*ForkConfig, error) {
	for _, cand := range r.forks {
		if epoch < cand.MinEpoch {
			continue
		}
		ok, err := stakeVoting(cand, validators, committed)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.active.SetActiveRules(cand.Rules)
		r.log.Info("fork activated", log.String("name", cand.Name), log.Uint64("epoch", uint64(epoch)))
		activated := cand
		return &activated, nil
	}
	return nil, nil
}

// stakeVoting implements spec.md §4.6's predicate: sum the power of every
// validator whose fork-vote substate hash matches H(validatorKey ||
// forkName), and compare against totalPower * bps / 10000.
func stakeVoting(cand ForkConfig, validators *types.ValidatorSet, committed store.Reader) (bool, error) {
	votedPower := new(big.Int)

	err := committed.Iterate(ledger.UpKeyPrefix(), func(_, value []byte) error {
		sub, err := ledger.DecodeSubstate(value)
		if err != nil {
			return err
		}
		if sub.Type != constraintmachine.TypeForkVote {
			return nil
		}
		vote, ok := decodeForkVote(sub.Payload)
		if !ok {
			return nil
		}
		power := validators.PowerOf(vote.Validator)
		if power == nil {
			return nil // vote from a non-member of the current validator set
		}
		if vote.NameHash != cand.nameHash(vote.Validator) {
			return nil
		}
		votedPower.Add(votedPower, power)
		return nil
	})
	if err != nil {
		return false, err
	}

	threshold := new(big.Int).Mul(validators.TotalPower(), big.NewInt(int64(cand.ThresholdBPS)))
	threshold.Div(threshold, big.NewInt(10_000))
	return votedPower.Cmp(threshold) >= 0, nil
}

// forkVote is the decoded payload of a TypeForkVote substate: [type byte]
// [33-byte compressed validator key][32-byte name hash].
type forkVote struct {
	Validator types.BFTNode
	NameHash  [32]byte
}

func decodeForkVote(payload []byte) (forkVote, bool) {
	if len(payload) != 1+33+32 {
		return forkVote{}, false
	}
	node, err := types.NewBFTNode(payload[1:34])
	if err != nil {
		return forkVote{}, false
	}
	var hash [32]byte
	copy(hash[:], payload[34:66])
	return forkVote{Validator: node, NameHash: hash}, true
}

// EncodeForkVote builds the substate payload for a validator's candidate
// fork vote, for use by whatever assembles ForkVote UP instructions
// (typically a wallet/CLI, out of this package's scope, but kept here
// since it is this package's wire format to own).
func EncodeForkVote(validator types.BFTNode, forkName string) []byte {
	out := make([]byte, 0, 1+33+32)
	out = append(out, byte(constraintmachine.TypeForkVote))
	out = append(out, validator.Bytes()...)
	var buf []byte
	buf = append(buf, validator.Bytes()...)
	buf = append(buf, []byte(forkName)...)
	hash := sha256.Sum256(buf)
	out = append(out, hash[:]...)
	return out
}
