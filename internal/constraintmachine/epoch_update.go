// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

import (
	"math/big"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/types"
)

// EpochUpdateStage is the tagged sum of reducer states the epoch-update
// transaction walks through, per spec.md §4.5's progression:
// RewardingValidators -> Unstaking -> Staking -> Rake -> Owner ->
// Registered -> UpdatingValidatorStakes -> CreatingNextValidatorSet ->
// StartingEpochRound.
type EpochUpdateStage string

const (
	StageRewardingValidators     EpochUpdateStage = "RewardingValidators"
	StageUnstaking               EpochUpdateStage = "Unstaking"
	StageStaking                 EpochUpdateStage = "Staking"
	StageRake                    EpochUpdateStage = "Rake"
	StageOwner                   EpochUpdateStage = "Owner"
	StageRegistered              EpochUpdateStage = "Registered"
	StageUpdatingValidatorStakes EpochUpdateStage = "UpdatingValidatorStakes"
	StageCreatingNextValidatorSet EpochUpdateStage = "CreatingNextValidatorSet"
	StageStartingEpochRound      EpochUpdateStage = "StartingEpochRound"
)

// EpochUpdateState is the ReducerState carried through the epoch-update
// transaction's group. Each field accumulates the work done by its
// corresponding stage before the machine hands control to the next one.
type EpochUpdateState struct {
	Stage EpochUpdateStage

	// PendingRewards accumulates minted rewards per validator before they
	// are folded into stake by StageUpdatingValidatorStakes.
	PendingRewards map[ids.NodeID]*big.Int

	// ExitedStake holds the stake released by StageUnstaking, pending
	// return to owners after EpochUnstakingDelay rounds.
	ExitedStake map[ids.NodeID]*big.Int

	// DeltaStake accumulates net stake changes (prepared stake minus
	// prepared unstake minus rake) to apply when building the next
	// validator set.
	DeltaStake map[ids.NodeID]*big.Int

	NextValidators []types.Validator
}

func (s *EpochUpdateState) ReducerStateType() string { return string(s.Stage) }

// NewEpochUpdateState begins the epoch-update transaction at its first
// stage.
func NewEpochUpdateState() *EpochUpdateState {
	return &EpochUpdateState{
		Stage:          StageRewardingValidators,
		PendingRewards: make(map[ids.NodeID]*big.Int),
		ExitedStake:    make(map[ids.NodeID]*big.Int),
		DeltaStake:     make(map[ids.NodeID]*big.Int),
	}
}

// advance returns a copy of s moved to the next stage, used by each
// stage's TransitionProcedure.Apply.
func (s *EpochUpdateState) advance(next EpochUpdateStage) *EpochUpdateState {
	cp := *s
	cp.Stage = next
	return &cp
}

// EpochCompleteAction is the Action produced when the epoch-update
// transaction's final stage (StartingEpochRound) closes its group,
// carrying the validator set the EpochManager should swap in.
type EpochCompleteAction struct {
	NextValidators *types.ValidatorSet
}

func (EpochCompleteAction) ActionType() string { return "EpochComplete" }

// MaxRoundsExceeded reports an epoch round counter that would pass
// config.EpochMaxRounds. No procedure in this package returns it: the
// genesis ruleset has no round-counter substate, so the constraint machine
// does not itself reject a round past the maximum.
type MaxRoundsExceeded struct {
	Round, Max uint64
}

func (e MaxRoundsExceeded) Error() string {
	return "epoch round counter would exceed configured maximum"
}
