// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"fmt"
	"time"

	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/types"
)

// EpochBoundary is implemented by the epoch manager: StateComputer reports
// the validator set an end-of-epoch commit should swap in, and lets the
// caller decide the actual activation point (spec.md §4.4 distinguishes
// "producing the next validator set" from "activating" it).
type EpochBoundary interface {
	OnEpochComplete(next *types.ValidatorSet)
}

// StateComputer implements vertexstore.LedgerPreparer and
// vertexstore.Committer over a constraintmachine.Machine and a persistent
// store.EngineStore, per spec.md §4.4.
type StateComputer struct {
	log    log.Logger
	engine *store.EngineStore
	rules  constraintmachine.RERules

	epoch        types.Epoch
	stateVersion uint64
	accumulator  [32]byte

	epochMaxRounds uint64
	boundary       EpochBoundary
}

// New builds a StateComputer seeded at the given epoch/stateVersion/
// accumulator — the values carried by the last committed LedgerHeader, or
// all-zero at genesis.
func New(logger log.Logger, engine *store.EngineStore, rules constraintmachine.RERules, epochMaxRounds uint64, boundary EpochBoundary, epoch types.Epoch, stateVersion uint64, accumulator [32]byte) *StateComputer {
	return &StateComputer{
		log:            logger,
		engine:         engine,
		rules:          rules,
		epoch:          epoch,
		stateVersion:   stateVersion,
		accumulator:    accumulator,
		epochMaxRounds: epochMaxRounds,
		boundary:       boundary,
	}
}

// Prepare runs v's command, if any, against a speculative preview overlay
// and returns the LedgerHeader that would result from committing it — a
// pure computation with no persistent effect (spec.md §4.4's Ledger.prepare).
func (c *StateComputer) Prepare(v types.Vertex) (types.LedgerHeader, error) {
	preview := c.engine.NewPreview()

	if v.Command == nil {
		return types.LedgerHeader{
			Epoch:        c.epoch,
			View:         v.View,
			StateVersion: c.stateVersion,
			AccumulatorHash: c.accumulator,
			Timestamp:    time.Now(),
		}, nil
	}

	cmd := v.Command
	isEndOfEpoch := uint64(v.View) != 0 && uint64(v.View)%c.epochMaxRounds == 0
	cms := newSubstateStore(preview, c.rules.Parser)
	actions, err := constraintmachine.New(c.rules).Verify(cmd.ID(), cmd.Bytes(), cms, constraintmachine.VerifyContext{IsEndOfEpoch: isEndOfEpoch})
	if err != nil {
		return types.LedgerHeader{}, fmt.Errorf("ledger: prepare: %w", err)
	}

	nextVersion := c.stateVersion + 1
	nextAccum := types.AccumulatorStep(c.accumulator, cmd.ID())

	header := types.LedgerHeader{
		Epoch:           c.epoch,
		View:            v.View,
		StateVersion:    nextVersion,
		AccumulatorHash: nextAccum,
		IsEndOfEpoch:    isEndOfEpoch,
		Timestamp:       time.Now(),
	}
	if nv := nextValidatorSet(actions); nv != nil {
		header.NextValidatorSet = nv
	}
	return header, nil
}

// Commit replays the committed chain's commands against the real,
// persistent store, advancing stateVersion/accumulator and invoking
// boundary.OnEpochComplete for any end-of-epoch transaction encountered
// (spec.md §4.4's Ledger.commit). proof is the committing QC's ledger
// header; Commit does not read it, so the replayed chain's end is not
// checked against it.
func (c *StateComputer) Commit(vertices []types.Vertex, proof types.LedgerHeader) error {
	txn := c.engine.Begin()

	version := c.stateVersion
	accum := c.accumulator
	var pendingNext *types.ValidatorSet

	for _, v := range vertices {
		if v.Command == nil {
			continue
		}
		cmd := v.Command
		isEndOfEpoch := uint64(v.View) != 0 && uint64(v.View)%c.epochMaxRounds == 0
		cms := newSubstateStore(txn, c.rules.Parser)
		actions, err := constraintmachine.New(c.rules).Verify(cmd.ID(), cmd.Bytes(), cms, constraintmachine.VerifyContext{IsEndOfEpoch: isEndOfEpoch})
		if err != nil {
			txn.Abort()
			return fmt.Errorf("ledger: commit: view %d: %w", v.View, err)
		}
		version++
		accum = types.AccumulatorStep(accum, cmd.ID())
		if nv := nextValidatorSet(actions); nv != nil {
			pendingNext = nv
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}

	c.stateVersion = version
	c.accumulator = accum

	if len(vertices) > 0 {
		head := vertices[len(vertices)-1].View
		c.log.Debug("ledger committed", log.Uint64("throughView", uint64(head)), log.Uint64("stateVersion", c.stateVersion))
	}

	if pendingNext != nil && c.boundary != nil {
		c.boundary.OnEpochComplete(pendingNext)
	}
	return nil
}

// CommitCommands persists a batch of already-certified commands fetched via
// sync (spec.md §4.7's on_sync_response), verifying each against the real
// store exactly as Commit does but addressed by raw command rather than by
// vertex/view, since the sync path has no local vertex tree to draw views
// from. Only the batch's final command is treated as a possible
// end-of-epoch transaction, and only when proof says the batch closes an
// epoch — a sync batch carries at most one epoch boundary, and it always
// falls on the last command of the batch that crosses it. The resulting
// accumulator and state version are checked against the proof's claimed
// values: a mismatch means the synced batch does not actually produce the
// header the peer claimed, a storage/wire corruption class error rather
// than an ordinary rejection (spec.md §7).
func (c *StateComputer) CommitCommands(commands []types.Command, proof types.LedgerHeader) error {
	txn := c.engine.Begin()

	version := c.stateVersion
	accum := c.accumulator
	var pendingNext *types.ValidatorSet

	for i := range commands {
		cmd := commands[i]
		isEndOfEpoch := proof.IsEndOfEpoch && i == len(commands)-1
		cms := newSubstateStore(txn, c.rules.Parser)
		actions, err := constraintmachine.New(c.rules).Verify(cmd.ID(), cmd.Bytes(), cms, constraintmachine.VerifyContext{IsEndOfEpoch: isEndOfEpoch})
		if err != nil {
			txn.Abort()
			return fmt.Errorf("ledger: commit commands: command %d: %w", i, err)
		}
		version++
		accum = types.AccumulatorStep(accum, cmd.ID())
		if nv := nextValidatorSet(actions); nv != nil {
			pendingNext = nv
		}
	}

	if version != proof.StateVersion || accum != proof.AccumulatorHash {
		txn.Abort()
		return fmt.Errorf("ledger: sync proof mismatch: computed stateVersion=%d accumulator=%x, proof claims stateVersion=%d accumulator=%x",
			version, accum, proof.StateVersion, proof.AccumulatorHash)
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("ledger: commit commands: %w", err)
	}

	c.stateVersion = version
	c.accumulator = accum
	c.log.Debug("ledger synced", log.Int("commands", len(commands)), log.Uint64("stateVersion", c.stateVersion))

	if pendingNext != nil && c.boundary != nil {
		c.boundary.OnEpochComplete(pendingNext)
	}
	return nil
}

// SetEpoch updates the epoch stamped onto subsequent LedgerHeaders, called
// by the epoch manager once it has swapped in a new validator set.
func (c *StateComputer) SetEpoch(epoch types.Epoch) { c.epoch = epoch }

// SetActiveRules swaps the RERules used by subsequent Prepare/Commit calls,
// satisfying forks.RERulesHolder — the fork registry calls this atomically
// with the epoch boundary that activates a candidate fork (spec.md §4.6).
func (c *StateComputer) SetActiveRules(rules constraintmachine.RERules) { c.rules = rules }

// ActiveRules returns the currently active RERules.
func (c *StateComputer) ActiveRules() constraintmachine.RERules { return c.rules }

// StateVersion returns the current persisted state version.
func (c *StateComputer) StateVersion() uint64 { return c.stateVersion }

// AccumulatorHash returns the current persisted accumulator hash.
func (c *StateComputer) AccumulatorHash() [32]byte { return c.accumulator }

// nextValidatorSet scans a transaction's actions for the epoch-update
// transaction's terminal EpochCompleteAction, if present.
func nextValidatorSet(actions []constraintmachine.Action) *types.ValidatorSet {
	for _, a := range actions {
		if ec, ok := a.(constraintmachine.EpochCompleteAction); ok {
			return ec.NextValidators
		}
	}
	return nil
}
