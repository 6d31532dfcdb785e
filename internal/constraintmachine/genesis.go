// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/types"
)

// validatorSystemMetadataParticle carries the next validator set computed by
// the epoch-update transaction's CreatingNextValidatorSet stage. It is
// UP'd and immediately LDOWN'd within the same transaction: the machine
// never persists it, it only ferries the set from the instruction stream
// into EpochUpdateState.
type validatorSystemMetadataParticle struct {
	validators []types.Validator
}

func (validatorSystemMetadataParticle) SubstateType() SubstateTypeId {
	return TypeValidatorSystemMetadata
}

// encodeValidatorSystemMetadata serialises a validator list as a
// TypeValidatorSystemMetadata substate payload: typeByte, u16 count, then
// per validator a 33-byte compressed key and a 32-byte big-endian power.
func encodeValidatorSystemMetadata(validators []types.Validator) []byte {
	buf := make([]byte, 0, 3+len(validators)*(33+32))
	buf = append(buf, byte(TypeValidatorSystemMetadata))
	var countBytes [2]byte
	binary.BigEndian.PutUint16(countBytes[:], uint16(len(validators)))
	buf = append(buf, countBytes[:]...)
	for _, v := range validators {
		buf = append(buf, v.Node.Bytes()...)
		var power [32]byte
		v.Power.FillBytes(power[:])
		buf = append(buf, power[:]...)
	}
	return buf
}

func decodeValidatorSystemMetadata(payload []byte) ([]types.Validator, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("constraintmachine: short validator system metadata payload")
	}
	count := int(binary.BigEndian.Uint16(payload[1:3]))
	offset := 3
	const entryLen = 33 + 32
	validators := make([]types.Validator, 0, count)
	for i := 0; i < count; i++ {
		if offset+entryLen > len(payload) {
			return nil, fmt.Errorf("constraintmachine: truncated validator system metadata entry %d", i)
		}
		node, err := types.NewBFTNode(payload[offset : offset+33])
		if err != nil {
			return nil, err
		}
		power := new(big.Int).SetBytes(payload[offset+33 : offset+entryLen])
		validators = append(validators, types.Validator{Node: node, Power: power})
		offset += entryLen
	}
	return validators, nil
}

// genesisParser parses the substate types the genesis ruleset's epoch-update
// transaction uses. Token and staking particle types are left to a fork's
// own richer parser; this one only needs to round-trip the validator-set
// carrier particle.
type genesisParser struct{}

func (genesisParser) Parse(s Substate) (Particle, error) {
	switch s.Type {
	case TypeValidatorSystemMetadata:
		validators, err := decodeValidatorSystemMetadata(s.Payload)
		if err != nil {
			return nil, err
		}
		return validatorSystemMetadataParticle{validators: validators}, nil
	default:
		return nil, fmt.Errorf("constraintmachine: genesis parser has no rule for substate type %d", s.Type)
	}
}

// virtualEpochStageID derives a deterministic virtual substate id for one
// stage of one epoch's update transaction, so repeated VDOWNs across epochs
// never collide and a replayed stage within the same epoch is rejected by
// CMStore.IsVirtualDown (spec.md I5).
func virtualEpochStageID(epoch types.Epoch, stage EpochUpdateStage) SubstateID {
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], uint64(epoch))
	h := bftcrypto.HashToSign(append(seed[:8:8], []byte(stage)...))
	var id ids.ID
	copy(id[:], h[:])
	return NewVirtualSubstateID(id)
}

// epochStageOrder lists the reducer-state progression a genesis epoch-update
// transaction walks, in order. The first entry is reached from the nil
// reducer (group start); CreatingNextValidatorSet is reached via an
// OpUp+OpLDown pair instead of a bare OpVDown, since it needs the next
// validator set as an input particle.
var epochStageOrder = []EpochUpdateStage{
	StageRewardingValidators,
	StageUnstaking,
	StageStaking,
	StageRake,
	StageOwner,
	StageRegistered,
	StageUpdatingValidatorStakes,
	StageCreatingNextValidatorSet,
	StageStartingEpochRound,
}

// stageTransition builds the TransitionProcedure that performs one stage's
// bookkeeping and advances the reducer to the stage that follows it. Every
// stage of the epoch-update chain is PermissionSystem: it is only reachable
// inside a transaction the ledger has marked as its end-of-epoch system
// transaction (VerifyContext.IsEndOfEpoch).
func stageTransition(next EpochUpdateStage, work func(s *EpochUpdateState)) func(current ReducerState, input, output Particle) (TransitionResult, error) {
	return func(current ReducerState, input, output Particle) (TransitionResult, error) {
		s, ok := current.(*EpochUpdateState)
		if !ok {
			return TransitionResult{}, fmt.Errorf("constraintmachine: epoch-update stage reached with non-epoch-update reducer state")
		}
		work(s)
		return TransitionResult{Next: s.advance(next)}, nil
	}
}

// GenesisRERules builds the production ruleset every fork starts from: the
// substate parser and procedure table that make the nine-stage epoch-update
// transaction executable, per spec.md §4.5/§4.6. A fork specialises this by
// copying Procedures and adding its own token/staking entries (keyed by
// types the genesis parser does not need to know about); the epoch-update
// chain itself is shared across forks since every fork must be able to
// close an epoch.
func GenesisRERules() RERules {
	procedures := ProcedureTable{
		// Group start: nil reducer. Opens the RewardingValidators stage with
		// a fresh EpochUpdateState and moves on to Unstaking; it mints no
		// rewards itself.
		{ReducerStateType: ""}: {
			Permission: PermissionSystem,
			Apply: func(current ReducerState, input, output Particle) (TransitionResult, error) {
				s := NewEpochUpdateState()
				// Reward accrual against PreparedStake/ValidatorBFTData
				// substates is carried out by a fork's own procedures layered
				// in front of this entry (they DOWN the reward-bearing
				// substates before this VDOWN runs); this stage only opens
				// the bookkeeping the later stages fold into.
				return TransitionResult{Next: s.advance(StageUnstaking)}, nil
			},
		},
		{ReducerStateType: string(StageUnstaking)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageStaking, func(s *EpochUpdateState) {}),
		},
		{ReducerStateType: string(StageStaking)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageRake, func(s *EpochUpdateState) {}),
		},
		{ReducerStateType: string(StageRake)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageOwner, func(s *EpochUpdateState) {}),
		},
		{ReducerStateType: string(StageOwner)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageRegistered, func(s *EpochUpdateState) {}),
		},
		{ReducerStateType: string(StageRegistered)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageUpdatingValidatorStakes, func(s *EpochUpdateState) {}),
		},
		{ReducerStateType: string(StageUpdatingValidatorStakes)}: {
			Permission: PermissionSystem,
			Apply:      stageTransition(StageCreatingNextValidatorSet, func(s *EpochUpdateState) {}),
		},

		// UP of the next validator set: a pass-through step that only
		// authorises the particle's creation; CreatingNextValidatorSet's
		// real work happens on the LDOWN that immediately follows.
		{OutputType: TypeValidatorSystemMetadata, ReducerStateType: string(StageCreatingNextValidatorSet)}: {
			Permission: PermissionSystem,
			Apply: func(current ReducerState, input, output Particle) (TransitionResult, error) {
				s, ok := current.(*EpochUpdateState)
				if !ok {
					return TransitionResult{}, fmt.Errorf("constraintmachine: next-validator-set UP reached with non-epoch-update reducer state")
				}
				return TransitionResult{Next: s}, nil
			},
		},

		// LDOWN of the validator set just UP'd: populates NextValidators and
		// advances to the terminal stage.
		{InputType: TypeValidatorSystemMetadata, ReducerStateType: string(StageCreatingNextValidatorSet)}: {
			Permission: PermissionSystem,
			Apply: func(current ReducerState, input, output Particle) (TransitionResult, error) {
				s, ok := current.(*EpochUpdateState)
				if !ok {
					return TransitionResult{}, fmt.Errorf("constraintmachine: CreatingNextValidatorSet reached with non-epoch-update reducer state")
				}
				particle, ok := input.(validatorSystemMetadataParticle)
				if !ok {
					return TransitionResult{}, fmt.Errorf("constraintmachine: expected validator system metadata particle")
				}
				s.NextValidators = particle.validators
				return TransitionResult{Next: s.advance(StageStartingEpochRound)}, nil
			},
		},

		// Terminal stage: closes the group, handing the assembled validator
		// set to the epoch manager as the action's payload.
		{ReducerStateType: string(StageStartingEpochRound)}: {
			Permission: PermissionSystem,
			Apply: func(current ReducerState, input, output Particle) (TransitionResult, error) {
				s, ok := current.(*EpochUpdateState)
				if !ok {
					return TransitionResult{}, fmt.Errorf("constraintmachine: StartingEpochRound reached with non-epoch-update reducer state")
				}
				next, err := types.NewValidatorSet(s.NextValidators)
				if err != nil {
					return TransitionResult{}, fmt.Errorf("constraintmachine: assembling next validator set: %w", err)
				}
				return TransitionResult{Action: EpochCompleteAction{NextValidators: next}}, nil
			},
		},
	}

	return RERules{
		Name:       "genesis",
		Parser:     genesisParser{},
		Procedures: procedures,
	}
}

// EncodeEpochUpdateTxn builds the instruction stream for the end-of-epoch
// system transaction that walks the nine-stage reducer chain and closes the
// epoch with nextValidators as the next validator set. It carries no SIG:
// PermissionSystem procedures are authorized by VerifyContext.IsEndOfEpoch
// alone, not by a recovered signer.
func EncodeEpochUpdateTxn(epoch types.Epoch, nextValidators []types.Validator) []byte {
	var buf []byte

	writeVDown := func(stage EpochUpdateStage) {
		ref := virtualEpochStageID(epoch, stage)
		payload := ref.TxnID[:] // 32-byte virtual hash form, see decodeSubstateRef.
		buf = append(buf, byte(OpVDown))
		buf = append(buf, lengthPrefix(payload)...)
		buf = append(buf, payload...)
	}

	// The stages reached by a bare VDOWN, in the order they execute: the
	// group-start step plus every stage up to (not including)
	// CreatingNextValidatorSet, which instead takes an UP+LDOWN pair.
	writeVDown(StageRewardingValidators)
	for _, stage := range []EpochUpdateStage{
		StageUnstaking, StageStaking, StageRake, StageOwner, StageRegistered, StageUpdatingValidatorStakes,
	} {
		writeVDown(stage)
	}

	metadata := encodeValidatorSystemMetadata(nextValidators)
	buf = append(buf, byte(OpUp))
	buf = append(buf, lengthPrefix(metadata)...)
	buf = append(buf, metadata...)

	var ldownRef [4]byte // LDOWN references the UP above by its UP ordinal (0: the transaction's only UP).
	buf = append(buf, byte(OpLDown))
	buf = append(buf, lengthPrefix(ldownRef[:])...)
	buf = append(buf, ldownRef[:]...)

	writeVDown(StageStartingEpochRound)

	buf = append(buf, byte(OpEnd))
	return buf
}

func lengthPrefix(payload []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
	return l[:]
}
