// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package constraintmachine implements the deterministic per-transaction
// validator of spec.md §4.5: it interprets an instruction stream as a
// sequence of substate operations, enforces transition procedures with
// reducer state, and authorizes each step by permission level.
package constraintmachine

import (
	"encoding/binary"

	"github.com/luxfi/ids"
)

// SubstateTypeId identifies the declared shape of a substate's payload
// (spec.md §6's "typeByte"). The concrete set of type ids is owned by the
// active RERules (different forks may add types); this package only
// reserves the ids used by the epoch-update machinery, which every fork
// must support.
type SubstateTypeId byte

const (
	TypeUnknown SubstateTypeId = iota
	TypeTokens
	TypeValidatorBFTData
	TypePreparedStake
	TypeExittingStake
	TypePreparedUnstake
	TypeValidatorStakeData
	TypeValidatorOwnerCopy
	TypeValidatorRegisteredCopy
	TypeValidatorRakeCopy
	TypeValidatorSystemMetadata
	TypeEpochData
	TypeRoundData
	// TypeForkVote carries a validator's recorded candidate-fork vote hash,
	// consumed by the stake-weighted voting predicate in spec.md §4.6.
	TypeForkVote
)

// Substate is an on-ledger unit of state, spin-addressed: it is created
// UP, and may be consumed DOWN at most once (spec.md I5).
type Substate struct {
	Type    SubstateTypeId
	Payload []byte
}

// SubstateID addresses a substate either by (txnId, index) for substates
// created within a transaction, or as a virtual id derived from a
// particle's canonical hash for substates that exist without having been
// explicitly created (e.g. a validator's implicit zero-stake substate).
type SubstateID struct {
	TxnID   ids.ID
	Index   uint32
	Virtual bool
}

// NewSubstateID builds a concrete (txnId, index) substate id.
func NewSubstateID(txnID ids.ID, index uint32) SubstateID {
	return SubstateID{TxnID: txnID, Index: index}
}

// NewVirtualSubstateID builds a virtual substate id from a particle's
// canonical hash.
func NewVirtualSubstateID(hash ids.ID) SubstateID {
	return SubstateID{TxnID: hash, Virtual: true}
}

// Bytes returns a canonical byte encoding suitable for use as a store key:
// 32-byte TxnID, 4-byte big-endian Index, 1-byte Virtual flag.
func (id SubstateID) Bytes() []byte {
	buf := make([]byte, 37)
	copy(buf[0:32], id.TxnID[:])
	binary.BigEndian.PutUint32(buf[32:36], id.Index)
	if id.Virtual {
		buf[36] = 1
	}
	return buf
}

// Particle is the deserialised form of a Substate under the active fork's
// parser (RERules.Parser). Each particle additionally knows its own
// permission-relevant owner/signer predicate via the transition procedures
// that accept it — this package treats Particle as an opaque typed value
// interpreted by procedure implementations.
type Particle interface {
	// SubstateType identifies which procedures may accept this particle.
	SubstateType() SubstateTypeId
}
