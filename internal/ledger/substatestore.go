// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger implements spec.md §4.4's Ledger/StateComputer contract:
// Prepare runs a candidate vertex's command against a speculative overlay to
// produce the BFTHeader consensus votes on, and Commit replays the committed
// chain against real persistent state once a 3-chain forms.
package ledger

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/constraintmachine"
)

// kv is the narrow read/write surface substateStore needs, satisfied by both
// *store.PreviewStore (Prepare's speculative overlay) and store.Txn (Commit's
// real transaction) without this package depending on which one is live.
type kv interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte)
	Delete(key []byte)
}

// Key prefixes partition the flat kv namespace between spent-substate
// tombstones and substate payload records. UpPrefix is exported so other
// committed-state readers (the fork registry's candidate-vote scan) can
// iterate live substates without duplicating the layout.
const (
	UpPrefix      byte = 0x01
	prefixDown    byte = 0x02
	prefixVirtual byte = 0x03
)

// substateStore adapts a kv surface to constraintmachine.CMStore, so the
// same Machine.Verify call drives both Prepare's preview pass and Commit's
// real pass over whichever backing store is wired in.
type substateStore struct {
	kv     kv
	parser constraintmachine.Parser
}

func newSubstateStore(store kv, parser constraintmachine.Parser) *substateStore {
	return &substateStore{kv: store, parser: parser}
}

func upKey(id constraintmachine.SubstateID) []byte {
	return append([]byte{UpPrefix}, id.Bytes()...)
}

// UpKeyPrefix is the prefix shared by every live (UP) substate record,
// usable with store.Reader.Iterate to scan all committed substates of a
// given type without needing their ids in advance.
func UpKeyPrefix() []byte { return []byte{UpPrefix} }

func downKey(id constraintmachine.SubstateID) []byte {
	return append([]byte{prefixDown}, id.Bytes()...)
}

func virtualDownKey(id constraintmachine.SubstateID) []byte {
	return append([]byte{prefixVirtual}, id.Bytes()...)
}

// LoadParticle resolves id to its stored Substate and parses it under the
// active fork's rules.
func (s *substateStore) LoadParticle(id constraintmachine.SubstateID) (constraintmachine.Particle, error) {
	raw, err := s.kv.Get(upKey(id))
	if err != nil {
		return nil, fmt.Errorf("ledger: load particle %x: %w", id.Bytes(), err)
	}
	sub, err := decodeSubstate(raw)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(sub)
}

// IsDown reports whether id has already been marked spent.
func (s *substateStore) IsDown(id constraintmachine.SubstateID) (bool, error) {
	return s.kv.Has(downKey(id))
}

// IsVirtualDown reports whether a virtual substate has already been spent.
func (s *substateStore) IsVirtualDown(id constraintmachine.SubstateID) (bool, error) {
	return s.kv.Has(virtualDownKey(id))
}

// MarkDown records id as spent.
func (s *substateStore) MarkDown(id constraintmachine.SubstateID) error {
	s.kv.Put(downKey(id), []byte{1})
	return nil
}

// MarkVirtualDown records a virtual substate as spent.
func (s *substateStore) MarkVirtualDown(id constraintmachine.SubstateID) error {
	s.kv.Put(virtualDownKey(id), []byte{1})
	return nil
}

// PutUp persists a newly created substate.
func (s *substateStore) PutUp(id constraintmachine.SubstateID, sub constraintmachine.Substate) error {
	s.kv.Put(upKey(id), encodeSubstate(sub))
	return nil
}

// encodeSubstate/decodeSubstate frame a Substate as [typeByte][payload] — the
// payload already carries its own type byte at Payload[0] per the instruction
// decoder, so the stored record is simply the payload itself.
func encodeSubstate(s constraintmachine.Substate) []byte {
	return append([]byte(nil), s.Payload...)
}

func decodeSubstate(raw []byte) (constraintmachine.Substate, error) {
	return DecodeSubstate(raw)
}

// DecodeSubstate frames a stored record back into a Substate. Exported for
// committed-state scanners outside this package (the fork registry) that
// need to interpret records read directly off store.Reader.Iterate.
func DecodeSubstate(raw []byte) (constraintmachine.Substate, error) {
	if len(raw) == 0 {
		return constraintmachine.Substate{}, fmt.Errorf("ledger: empty substate record")
	}
	return constraintmachine.Substate{Type: constraintmachine.SubstateTypeId(raw[0]), Payload: raw}, nil
}

// virtualID derives a virtual substate id from a content hash, mirroring
// constraintmachine.NewVirtualSubstateID for use at the ledger boundary.
func virtualID(hash [32]byte) constraintmachine.SubstateID {
	var id ids.ID
	copy(id[:], hash[:])
	return constraintmachine.NewVirtualSubstateID(id)
}
