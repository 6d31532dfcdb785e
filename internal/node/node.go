// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node is the construction root spec.md §9 calls for in place of
// the teacher's heavy dependency-injection graph (SPEC_FULL.md §4.8):
// New(cfg) builds the pacemaker, vertex store, ledger, constraint machine,
// fork registry, epoch manager, and sync service by value, wires their
// cross-references, and hands the assembled set to a dispatcher — one
// explicit constructor function, no container, no reflection.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/bftprocessor"
	"github.com/MRumpold/radixdlt/internal/config"
	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/dispatcher"
	"github.com/MRumpold/radixdlt/internal/epoch"
	"github.com/MRumpold/radixdlt/internal/forks"
	"github.com/MRumpold/radixdlt/internal/ledger"
	"github.com/MRumpold/radixdlt/internal/metrics"
	"github.com/MRumpold/radixdlt/internal/pacemaker"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/syncsvc"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/vertexstore"
	"github.com/MRumpold/radixdlt/internal/wire"
)

// QueryService is the narrow, core-visible hook set SPEC_FULL.md §4.9
// exposes in place of a JSON-RPC/HTTP surface (out of scope, spec.md §9):
// ledger proofs, the active validator set, and command submission. A
// caller wraps this in whatever RPC framing it wants; the core never
// knows about HTTP.
type QueryService interface {
	GetLedgerProof(stateVersion *uint64) (wire.LedgerProof, bool)
	GetValidators(epoch types.Epoch) (*types.ValidatorSet, bool)
	SubmitCommand(ctx context.Context, raw []byte) (ids.ID, error)
}

// Config wires every genesis-time decision a node needs before its event
// loop starts. Fields with a documented default may be left zero.
type Config struct {
	Tunables config.Config

	Self              *bftcrypto.KeyPair
	GenesisEpoch      types.Epoch
	GenesisValidators *types.ValidatorSet

	// GenesisRules defaults to constraintmachine.GenesisRERules() when its
	// Name field is empty.
	GenesisRules constraintmachine.RERules
	Forks        []forks.ForkConfig

	StoreDir  string
	Transport dispatcher.Transport

	// Registerer defaults to a fresh prometheus.NewRegistry() so multiple
	// Nodes in one process (tests, local devnets) don't collide on the
	// global default registry.
	Registerer prometheus.Registerer
	Logger     log.Logger
}

// Node is the assembled node: every subsystem from SPEC_FULL.md §4, owned
// by value/pointer, plus the dispatcher event loop that drives them.
type Node struct {
	log log.Logger

	self types.BFTNode

	engine  *store.EngineStore
	ledger  *ledger.StateComputer
	vs      *vertexstore.VertexStore
	pm      *pacemaker.Pacemaker
	proc    *bftprocessor.Processor
	epochMgr *epoch.Manager
	sync    *syncsvc.Service
	forks   *forks.Registry
	metrics *metrics.Metrics
	dsp     *dispatcher.Dispatcher

	mu          sync.Mutex
	proofs      map[uint64]wire.LedgerProof
	epochProofs map[types.Epoch]wire.LedgerProof
	latest      uint64
}

// networkBox forwards bftprocessor.Network, bftprocessor.SyncRequester, and
// syncsvc.Network calls to a dispatcher that does not exist yet at the
// point processor/sync must be constructed — New resolves the
// construction-order cycle (dispatcher needs processor and sync; processor
// and sync need the dispatcher as their outbound network) by handing both
// a box and back-filling its target once the dispatcher itself is built,
// before the event loop starts.
type networkBox struct {
	d *dispatcher.Dispatcher
}

func (b *networkBox) SendVote(to types.BFTNode, vote types.Vote) error {
	return b.d.SendVote(to, vote)
}

func (b *networkBox) OnMissingParent(parentID ids.ID, from types.BFTNode) {
	b.d.OnMissingParent(parentID, from)
}

func (b *networkBox) SendSyncRequest(to types.BFTNode, req syncsvc.SyncRequest) error {
	return b.d.SendSyncRequest(to, req)
}

// boundaryBox resolves the same construction-order cycle between
// ledger.StateComputer (needs an EpochBoundary at construction) and
// epoch.Manager (needs the ledger already built as its LedgerState).
type boundaryBox struct {
	m *epoch.Manager
}

func (b *boundaryBox) OnEpochComplete(next *types.ValidatorSet) {
	if b.m != nil {
		b.m.OnEpochComplete(next)
	}
}

// New assembles a Node from cfg. It opens the store, builds every
// consensus subsystem in dependency order, and wires the dispatcher as
// their shared event loop — but does not start that loop; call Run for
// that.
func New(cfg Config) (*Node, error) {
	if cfg.Self == nil {
		return nil, fmt.Errorf("node: Self key pair is required")
	}
	if cfg.GenesisValidators == nil || cfg.GenesisValidators.Len() == 0 {
		return nil, fmt.Errorf("node: GenesisValidators must be non-empty")
	}
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("node: StoreDir is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("node: Transport is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	rules := cfg.GenesisRules
	if rules.Name == "" {
		rules = constraintmachine.GenesisRERules()
	}

	engine, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("node: register metrics: %w", err)
	}

	boundary := &boundaryBox{}
	lc := ledger.New(logger, engine, rules, cfg.Tunables.EpochMaxRounds, boundary, cfg.GenesisEpoch, 0, [32]byte{})

	root := types.Vertex{View: 0}
	rootHeader := types.LedgerHeader{Epoch: cfg.GenesisEpoch, View: 0}
	rootQC := types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID(), LedgerHeader: rootHeader}}

	vs, err := vertexstore.New(logger, lc, lc, root, rootQC)
	if err != nil {
		return nil, fmt.Errorf("node: build vertex store: %w", err)
	}

	net := &networkBox{}

	pm := pacemaker.New(logger, cfg.Tunables.PacemakerBaseTimeoutMS, cfg.Tunables.PacemakerRate, cfg.Tunables.PacemakerMaxExp, nil)
	proc := bftprocessor.New(logger, cfg.Self, cfg.GenesisEpoch, cfg.GenesisValidators, vs, pm, net, net)
	pm.SetTimeoutSink(proc)

	reg2 := forks.New(logger, cfg.Forks, lc)

	em := epoch.New(logger, cfg.GenesisEpoch, cfg.GenesisValidators, reg2, engine, proc, pm, vs, lc)
	boundary.m = em

	syncSvc := syncsvc.New(logger, net, lc, em, cfg.Tunables.SyncBatchSize, cfg.Tunables.SyncPatience, rootHeader)

	n := &Node{
		log:         logger,
		self:        cfg.Self.Node,
		engine:      engine,
		ledger:      lc,
		vs:          vs,
		pm:          pm,
		proc:        proc,
		epochMgr:    em,
		sync:        syncSvc,
		forks:       reg2,
		metrics:     m,
		proofs:      make(map[uint64]wire.LedgerProof),
		epochProofs: make(map[types.Epoch]wire.LedgerProof),
	}

	dsp := dispatcher.New(logger, cfg.Self.Node, proc, vs, pm, em, syncSvc, m, cfg.Transport, dispatcher.Config{
		MempoolMaxSize: cfg.Tunables.MempoolMaxSize,
		EpochMaxRounds: cfg.Tunables.EpochMaxRounds,
	})
	net.d = dsp
	dsp.SetCommitObserver(n.recordCommit)
	n.dsp = dsp

	return n, nil
}

// Deliver hands an inbound wire message to the dispatcher, per
// dispatcher.Dispatcher.Deliver's contract: the one entry point a
// transport goroutine calls from outside the event loop.
func (n *Node) Deliver(from types.BFTNode, raw []byte) { n.dsp.Deliver(from, raw) }

// Self returns this node's validator identity.
func (n *Node) Self() types.BFTNode { return n.self }

// Run drives the node's event loop until ctx is cancelled. The caller owns
// closing the store afterward (Close).
func (n *Node) Run(ctx context.Context) error {
	return n.dsp.Run(ctx)
}

// Close releases the underlying store. Call after Run returns.
func (n *Node) Close() error { return n.engine.Close() }

// recordCommit is the dispatcher's commit observer: it turns a
// committed-header QC into a wire.LedgerProof and indexes it by
// stateVersion (and, when the commit closed an epoch, by the epoch it
// opened), satisfying GetLedgerProof/GetEpochRequest without the
// dispatcher or ledger needing to know a proof index exists.
func (n *Node) recordCommit(qc types.QuorumCertificate) {
	if qc.CommittedHeader == nil {
		return
	}
	header := *qc.CommittedHeader
	validators := n.epochMgr.Validators()

	proof := wire.LedgerProof{Header: header, VotedHeader: qc.VotedHeader, ParentHeader: qc.ParentHeader}
	for i, v := range validators.Validators() {
		byteIdx := i / 8
		if byteIdx >= len(qc.Signature.Bitmap) || qc.Signature.Bitmap[byteIdx]&(1<<uint(i%8)) == 0 {
			continue
		}
		idx := len(proof.Signatures)
		if idx >= len(qc.Signature.Signatures) {
			break
		}
		proof.Validators = append(proof.Validators, v.Node)
		proof.Signatures = append(proof.Signatures, qc.Signature.Signatures[idx])
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.proofs[header.StateVersion] = proof
	if header.StateVersion > n.latest {
		n.latest = header.StateVersion
	}
	if header.IsEndOfEpoch {
		n.epochProofs[header.Epoch+1] = proof
	}
}

// GetLedgerProof implements QueryService: stateVersion == nil returns the
// most recently committed proof.
func (n *Node) GetLedgerProof(stateVersion *uint64) (wire.LedgerProof, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if stateVersion == nil {
		p, ok := n.proofs[n.latest]
		return p, ok
	}
	p, ok := n.proofs[*stateVersion]
	return p, ok
}

// ProofForEpoch implements dispatcher.EpochProofSource.
func (n *Node) ProofForEpoch(e types.Epoch) (wire.LedgerProof, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.epochProofs[e]
	return p, ok
}

// GetValidators implements QueryService. Only the currently active epoch's
// validator set is retained; a request for any other epoch reports
// ok == false rather than guessing at history the node does not index.
func (n *Node) GetValidators(e types.Epoch) (*types.ValidatorSet, bool) {
	if e != n.epochMgr.Current() {
		return nil, false
	}
	return n.epochMgr.Validators(), true
}

// SubmitCommand implements QueryService: it queues raw as a command for a
// future proposal (spec.md §4.9's mempool-facing submission surface) and
// returns the id the ledger will use to identify it.
func (n *Node) SubmitCommand(ctx context.Context, raw []byte) (ids.ID, error) {
	cmd := types.NewCommand(raw)
	if err := n.dsp.SubmitCommand(cmd); err != nil {
		return ids.ID{}, fmt.Errorf("node: submit command: %w", err)
	}
	return cmd.ID(), nil
}

var _ QueryService = (*Node)(nil)
var _ dispatcher.EpochProofSource = (*Node)(nil)
