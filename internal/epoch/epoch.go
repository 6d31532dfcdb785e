// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package epoch implements the EpochManager: it receives the next
// validator set from a ledger commit that closed an epoch (spec.md §4.4),
// swaps it atomically with any fork activation (spec.md §4.6), resets the
// view-progression components for the new epoch's genesis, and routes
// inbound messages by epoch so stale- or future-epoch traffic is dropped
// before it reaches consensus state (SPEC_FULL.md §4.8's
// "already ... epoch-routed by EpochManager.Route").
package epoch

import (
	"errors"
	"fmt"

	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/forks"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/types"
)

// ErrEpochMismatch is returned by Route when a message's epoch does not
// match the node's current epoch.
var ErrEpochMismatch = errors.New("epoch: message epoch does not match current epoch")

// ValidatorSetter receives the swapped-in validator set for a new epoch
// (bftprocessor.Processor.SetValidators).
type ValidatorSetter interface {
	SetValidators(epoch types.Epoch, validators *types.ValidatorSet)
}

// ViewResetter reinitializes view progression at a new epoch's genesis
// (pacemaker.Pacemaker.ResetForNewEpoch).
type ViewResetter interface {
	ResetForNewEpoch()
}

// VertexStore is the narrow vertexstore.VertexStore surface EpochManager
// needs to re-root the uncommitted tree at the new epoch's genesis.
type VertexStore interface {
	Root() types.Vertex
	Reset(root types.Vertex, rootQC types.QuorumCertificate, path []types.Vertex) error
}

// LedgerState is the narrow ledger.StateComputer surface EpochManager
// needs: the post-commit state to stamp onto the new genesis header, and
// a hook to update the epoch the computer stamps onto future headers.
type LedgerState interface {
	StateVersion() uint64
	AccumulatorHash() [32]byte
	SetEpoch(epoch types.Epoch)
}

// Manager is the EpochManager. It is wired into ledger.StateComputer as
// its EpochBoundary and owns the atomic epoch-swap + fork-activation +
// component-reset sequence spec.md §4.6 describes.
type Manager struct {
	log log.Logger

	current    types.Epoch
	validators *types.ValidatorSet

	registry *forks.Registry
	reader   store.Reader

	processor ValidatorSetter
	pacemaker ViewResetter
	vertices  VertexStore
	ledger    LedgerState
}

// New constructs a Manager seeded at the genesis epoch/validator set.
func New(logger log.Logger, genesisEpoch types.Epoch, genesisValidators *types.ValidatorSet, registry *forks.Registry, reader store.Reader, processor ValidatorSetter, pm ViewResetter, vs VertexStore, ls LedgerState) *Manager {
	return &Manager{
		log:        logger,
		current:    genesisEpoch,
		validators: genesisValidators,
		registry:   registry,
		reader:     reader,
		processor:  processor,
		pacemaker:  pm,
		vertices:   vs,
		ledger:     ls,
	}
}

// Current returns the epoch the manager believes is active.
func (m *Manager) Current() types.Epoch { return m.current }

// Validators returns the active validator set.
func (m *Manager) Validators() *types.ValidatorSet { return m.validators }

// OnEpochComplete implements ledger.EpochBoundary: a commit has just closed
// an epoch and handed over the next validator set. It swaps the epoch and
// validator set, attempts fork activation, and resets every epoch-scoped
// component to the new epoch's genesis, in that order so a fork's RERules
// are live before the first transaction of the new epoch is prepared.
func (m *Manager) OnEpochComplete(next *types.ValidatorSet) {
	prevRoot := m.vertices.Root()

	m.current++
	m.validators = next

	if m.registry != nil {
		if activated, err := m.registry.Activate(m.current, next, m.reader); err != nil {
			m.log.Warn("fork activation check failed", log.Uint64("epoch", uint64(m.current)), log.Error(err))
		} else if activated != nil {
			m.log.Info("activated fork at epoch boundary", log.String("fork", activated.Name), log.Uint64("epoch", uint64(m.current)))
		}
	}

	m.processor.SetValidators(m.current, next)
	m.pacemaker.ResetForNewEpoch()
	m.ledger.SetEpoch(m.current)

	genesis := types.Vertex{View: 0, ParentID: prevRoot.ID()}
	header := types.LedgerHeader{
		Epoch:            m.current,
		View:             0,
		StateVersion:     m.ledger.StateVersion(),
		AccumulatorHash:  m.ledger.AccumulatorHash(),
		NextValidatorSet: next,
	}
	rootQC := types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: genesis.ID(), LedgerHeader: header}}
	if err := m.vertices.Reset(genesis, rootQC, nil); err != nil {
		m.log.Warn("failed to re-root vertex store at epoch genesis", log.Uint64("epoch", uint64(m.current)), log.Error(err))
	}

	m.log.Info("epoch advanced", log.Uint64("epoch", uint64(m.current)), log.Int("validators", next.Len()))
}

// EpochTagged is implemented by any inbound message that carries the epoch
// it was produced under.
type EpochTagged interface {
	MessageEpoch() types.Epoch
}

// Route checks msg's epoch against the current epoch before handing it to
// handle, dropping stale- or future-epoch messages (a replica that fell
// behind or raced ahead of an epoch boundary) rather than processing them
// against the wrong validator set.
func (m *Manager) Route(msg EpochTagged, handle func() error) error {
	if msg.MessageEpoch() != m.current {
		return fmt.Errorf("%w: got %d, want %d", ErrEpochMismatch, msg.MessageEpoch(), m.current)
	}
	return handle()
}
