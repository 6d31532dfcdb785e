// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatcher owns the node's single event loop (spec.md §5): it
// decodes inbound wire messages, routes them through EpochManager to the
// BFT event processor and sync service, and re-arms the pacemaker's view
// timer and the sync service's patience timer so that every timer firing
// re-enters the loop as an ordinary event rather than running concurrently
// with it. Outbound sends are the loop's only concurrency: each peer class
// drains through its own bounded queue so a slow or wedged peer cannot
// block consensus progress, dropping with a counted metric instead
// (SPEC_FULL.md §5).
package dispatcher

import (
	"context"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/bftprocessor"
	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/epoch"
	"github.com/MRumpold/radixdlt/internal/metrics"
	"github.com/MRumpold/radixdlt/internal/pacemaker"
	"github.com/MRumpold/radixdlt/internal/syncsvc"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/vertexstore"
	"github.com/MRumpold/radixdlt/internal/wire"
)

// Peer classes partition the outbound backpressure queues so one noisy
// class (e.g. vertex backfill) cannot starve another (e.g. votes) and so
// the dropped-message metric stays low-cardinality.
const (
	ClassVote     = "vote"
	ClassProposal = "proposal"
	ClassVertex   = "vertex"
	ClassSync     = "sync"
	ClassEpoch    = "epoch_proof"
)

// defaultVertexBackfillCount bounds how many vertices a single
// GetVerticesRequest asks for when recovering from a missing parent.
const defaultVertexBackfillCount = 16

// Transport sends an already-encoded wire message to a peer. The
// dispatcher never blocks the event loop on it: every send passes through
// a bounded per-class queue drained by its own goroutine.
type Transport interface {
	Send(to types.BFTNode, data []byte) error
}

// CommandSource answers a peer's SyncRequestMsg with the committed
// commands the node holds from stateVersion onward, plus the signed proof
// of the header they commit to (spec.md §6's "{ header,
// signatures_by_validator_key }" — the same wire.LedgerProof shape
// GetEpochResponse carries, not a bare header a peer would have to trust
// unauthenticated). A node that does not keep a queryable command log
// (the common case for a fresh validator) wires nil here; such requests
// are then dropped rather than answered, matching syncsvc's own
// stale/unreachable-peer handling on the requester side (on timeout it
// resends to a candidate drawn again at random).
type CommandSource interface {
	CommandsSince(stateVersion uint64, limit int) ([]types.Command, wire.LedgerProof, error)
}

// EpochProofSource answers a peer's GetEpochRequest with a signed ledger
// proof for the requested epoch's boundary header. Left optional for the
// same reason as CommandSource: weak-subjectivity bootstrap is a
// consumer of this protocol that is not implemented yet.
type EpochProofSource interface {
	ProofForEpoch(e types.Epoch) (wire.LedgerProof, bool)
}

// Dispatcher is the construction root's event loop. Every field it closes
// over is otherwise only ever touched from within Run's goroutine, which
// is what lets bftprocessor, vertexstore, pacemaker, and syncsvc stay free
// of their own locking.
type Dispatcher struct {
	log log.Logger

	self      types.BFTNode
	processor *bftprocessor.Processor
	vs        *vertexstore.VertexStore
	pm        *pacemaker.Pacemaker
	epochMgr  *epoch.Manager
	sync      *syncsvc.Service
	metrics   *metrics.Metrics
	transport Transport

	commands    CommandSource
	epochProofs EpochProofSource
	commitObserver func(types.QuorumCertificate)

	inbound chan inboundMsg
	events  chan func()

	outbound map[string]chan outboundItem

	pendingCommands chan types.Command
	epochMaxRounds  uint64

	armed     bool
	armedView types.View

	proposed      bool
	proposedView  types.View
}

type inboundMsg struct {
	from types.BFTNode
	msg  interface{}
}

type outboundItem struct {
	to   types.BFTNode
	data []byte
}

// Config bounds the dispatcher's internal queues. Zero values fall back
// to small but workable defaults so a node under test can omit it.
type Config struct {
	InboundQueueSize  int
	EventQueueSize    int
	OutboundQueueSize int
	// MempoolMaxSize bounds the pending-command queue SubmitCommand feeds
	// and BuildProposal drains — config.Config.MempoolMaxSize.
	MempoolMaxSize int
	// EpochMaxRounds is the epoch-local view at which tryPropose must
	// build the mandatory end-of-epoch system transaction instead of
	// draining the pending-command queue — config.Config.EpochMaxRounds,
	// the same value ledger.StateComputer checks proposals against.
	EpochMaxRounds uint64
}

// New constructs a Dispatcher wired to every subsystem it drives. The
// caller (internal/node) owns constructing those subsystems and passing
// this one their shared pointers.
func New(
	logger log.Logger,
	self types.BFTNode,
	processor *bftprocessor.Processor,
	vs *vertexstore.VertexStore,
	pm *pacemaker.Pacemaker,
	epochMgr *epoch.Manager,
	sync *syncsvc.Service,
	m *metrics.Metrics,
	transport Transport,
	cfg Config,
) *Dispatcher {
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = 256
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 256
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.MempoolMaxSize <= 0 {
		cfg.MempoolMaxSize = 10_000
	}

	d := &Dispatcher{
		log:             logger,
		self:            self,
		processor:       processor,
		vs:              vs,
		pm:              pm,
		epochMgr:        epochMgr,
		sync:            sync,
		metrics:         m,
		transport:       transport,
		inbound:         make(chan inboundMsg, cfg.InboundQueueSize),
		events:          make(chan func(), cfg.EventQueueSize),
		pendingCommands: make(chan types.Command, cfg.MempoolMaxSize),
		epochMaxRounds:  cfg.EpochMaxRounds,
		outbound: map[string]chan outboundItem{
			ClassVote:     make(chan outboundItem, cfg.OutboundQueueSize),
			ClassProposal: make(chan outboundItem, cfg.OutboundQueueSize),
			ClassVertex:   make(chan outboundItem, cfg.OutboundQueueSize),
			ClassSync:     make(chan outboundItem, cfg.OutboundQueueSize),
			ClassEpoch:    make(chan outboundItem, cfg.OutboundQueueSize),
		},
	}

	sync.SetTimeoutDispatch(func(tag uint64) {
		d.enqueue(func() {
			if err := d.sync.OnSyncTimeout(tag); err != nil {
				d.log.Warn("sync timeout handling failed", log.Error(err))
			}
		})
	})

	return d
}

// SetCommandSource wires the optional responder for inbound SyncRequestMsg.
func (d *Dispatcher) SetCommandSource(src CommandSource) { d.commands = src }

// SetEpochProofSource wires the optional responder for inbound
// GetEpochRequest.
func (d *Dispatcher) SetEpochProofSource(src EpochProofSource) { d.epochProofs = src }

// SetCommitObserver wires a callback invoked with every QC that carries a
// CommittedHeader, immediately after the commit it triggers has been
// applied to the vertex store and ledger. internal/node uses this to build
// its queryable ledger-proof index without the dispatcher itself needing
// to know what a "proof" is used for downstream.
func (d *Dispatcher) SetCommitObserver(obs func(types.QuorumCertificate)) { d.commitObserver = obs }

// SubmitCommand queues cmd for inclusion in a future proposal this node
// leads, per spec.md §4.9's command-submission surface. It never blocks
// the caller's goroutine on the event loop: a full pending queue drops
// the command, mirroring every other backpressure point in this package.
// There is no further mempool policy (ordering, fee prioritization,
// eviction) beyond this bounded FIFO — SPEC_FULL.md's Non-Goals exclude
// mempool batching policy as a feature.
func (d *Dispatcher) SubmitCommand(cmd types.Command) error {
	select {
	case d.pendingCommands <- cmd:
		return nil
	default:
		return fmt.Errorf("dispatcher: pending command queue full")
	}
}

// nextPendingCommand pops one queued command for BuildProposal, or nil if
// none is waiting.
func (d *Dispatcher) nextPendingCommand() *types.Command {
	select {
	case cmd := <-d.pendingCommands:
		return &cmd
	default:
		return nil
	}
}

// tryPropose builds and broadcasts this node's proposal for the
// pacemaker's current view, if it is that view's elected leader and has
// not already proposed for it. HotStuff proposes exactly once per view,
// empty or not, to keep the pipeline advancing even with no pending
// commands.
//
// At the epoch's last view, the vertex must carry the end-of-epoch system
// transaction rather than whatever application command is queued next:
// ledger.StateComputer.Prepare/Commit mark exactly that view
// IsEndOfEpoch, and its constraint-machine verification only recognizes
// the nine-stage epoch-update instruction stream under that flag (spec.md
// §4.4/§4.6). Every node derives the identical transaction bytes from the
// current epoch and validator set, so whichever node actually leads the
// view proposes the same payload; a non-leader's reconstruction is simply
// discarded by BuildProposal, unlike a queued application command, which
// would be lost if built for a node that turns out not to lead.
func (d *Dispatcher) tryPropose() {
	view := d.pm.CurrentView()
	if d.proposed && d.proposedView == view {
		return
	}

	var cmd *types.Command
	if d.epochMaxRounds > 0 && uint64(view) != 0 && uint64(view)%d.epochMaxRounds == 0 {
		txn := types.NewCommand(constraintmachine.EncodeEpochUpdateTxn(d.epochMgr.Current(), d.epochMgr.Validators().Validators()))
		cmd = &txn
	} else {
		cmd = d.nextPendingCommand()
	}

	prop, ok := d.processor.BuildProposal(cmd)
	if !ok {
		return
	}
	d.proposed = true
	d.proposedView = view

	if err := d.processor.OnProposal(prop); err != nil {
		d.log.Warn("failed to process own proposal", log.Error(err))
		return
	}

	wireProp := wire.Proposal{View: prop.View, QC: *prop.QC, Vertex: prop.Vertex}
	data, err := wireProp.MarshalBinary()
	if err != nil {
		d.log.Warn("encode own proposal", log.Error(err))
		return
	}
	for _, v := range d.epochMgr.Validators().Validators() {
		if v.Node.Equals(d.self) {
			continue
		}
		d.enqueueOutbound(ClassProposal, v.Node, data)
	}
}

// Deliver decodes raw and queues it for processing on the event loop. It
// is the only entry point a transport goroutine calls into the
// dispatcher from outside Run; a full inbound queue drops the message
// rather than blocking the network layer.
func (d *Dispatcher) Deliver(from types.BFTNode, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		d.log.Debug("dropping undecodable inbound message", log.Error(err))
		return
	}
	select {
	case d.inbound <- inboundMsg{from: from, msg: msg}:
	default:
		d.log.Warn("dropping inbound message: queue full")
	}
}

// enqueue schedules f to run on the event loop. Timer callbacks (which
// fire on their own goroutine per time.AfterFunc) use this instead of
// touching processor/pacemaker/syncsvc state directly, preserving the
// single-writer invariant.
func (d *Dispatcher) enqueue(f func()) {
	select {
	case d.events <- f:
	default:
		d.log.Warn("dropping internal event: queue full")
	}
}

// enqueueOutbound hands an encoded message to its class's send queue. A
// full queue is dropped with a per-class counter rather than blocking the
// event loop on a slow peer.
func (d *Dispatcher) enqueueOutbound(class string, to types.BFTNode, data []byte) {
	ch, ok := d.outbound[class]
	if !ok {
		d.log.Warn("unknown outbound class", log.String("class", class))
		return
	}
	select {
	case ch <- outboundItem{to: to, data: data}:
	default:
		d.metrics.IncDropped(class)
		d.log.Warn("dropped outbound message: queue full", log.String("class", class))
	}
}

// --- bftprocessor.Network ---

// SendVote implements bftprocessor.Network.
func (d *Dispatcher) SendVote(to types.BFTNode, vote types.Vote) error {
	data, err := (wire.VoteMsg{Vote: vote}).MarshalBinary()
	if err != nil {
		return fmt.Errorf("dispatcher: encode vote: %w", err)
	}
	d.enqueueOutbound(ClassVote, to, data)
	return nil
}

// --- bftprocessor.SyncRequester ---

// OnMissingParent implements bftprocessor.SyncRequester: it asks from for
// the missing vertex chain up to parentID.
func (d *Dispatcher) OnMissingParent(parentID ids.ID, from types.BFTNode) {
	req := wire.GetVerticesRequest{TipID: parentID, Count: defaultVertexBackfillCount}
	data, err := req.MarshalBinary()
	if err != nil {
		d.log.Warn("encode vertex backfill request", log.Error(err))
		return
	}
	d.enqueueOutbound(ClassVertex, from, data)
}

// --- syncsvc.Network ---

// SendSyncRequest implements syncsvc.Network.
func (d *Dispatcher) SendSyncRequest(to types.BFTNode, req syncsvc.SyncRequest) error {
	data, err := (wire.SyncRequestMsg{StateVersion: req.StateVersion, BatchSize: req.BatchSize}).MarshalBinary()
	if err != nil {
		return fmt.Errorf("dispatcher: encode sync request: %w", err)
	}
	d.metrics.IncSyncRequest()
	d.enqueueOutbound(ClassSync, to, data)
	return nil
}

// Run drives the event loop until ctx is cancelled: it starts the
// outbound send workers, arms the pacemaker's view timer, and then
// selects over the internal event queue and the inbound message queue.
// Each iteration handles exactly one event and returns to the select
// before the next, so no two events ever execute concurrently.
func (d *Dispatcher) Run(ctx context.Context) error {
	for class, ch := range d.outbound {
		go d.drainOutbound(ctx, class, ch)
	}

	d.rearmViewTimeoutIfChanged()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-d.events:
			f()
			d.rearmViewTimeoutIfChanged()
		case m := <-d.inbound:
			d.handleInbound(m)
			d.rearmViewTimeoutIfChanged()
		}
	}
}

func (d *Dispatcher) drainOutbound(ctx context.Context, class string, ch chan outboundItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-ch:
			if err := d.transport.Send(item.to, item.data); err != nil {
				d.log.Warn("send failed", log.String("class", class), log.Error(err))
			}
		}
	}
}

// rearmViewTimeoutIfChanged re-arms the pacemaker's timer only when the
// current view actually moved since the last arming, so a loop that
// processes several events per view doesn't keep resetting the clock.
func (d *Dispatcher) rearmViewTimeoutIfChanged() {
	view := d.pm.CurrentView()
	if d.armed && view == d.armedView {
		return
	}
	d.armed = true
	d.armedView = view
	d.pm.ScheduleTimeout(func() {
		d.enqueue(func() {
			d.metrics.IncTimeout()
			d.pm.OnViewTimeout(view)
		})
	})
	d.tryPropose()
}

func (d *Dispatcher) handleInbound(m inboundMsg) {
	switch msg := m.msg.(type) {
	case *wire.Proposal:
		d.handleProposal(msg)
	case *wire.VoteMsg:
		d.handleVote(msg)
	case *wire.GetVerticesRequest:
		d.handleGetVertices(m.from, msg)
	case *wire.GetVerticesResponse:
		d.handleVerticesResponse(msg)
	case *wire.GetEpochRequest:
		d.handleGetEpoch(m.from, msg)
	case *wire.GetEpochResponse:
		d.log.Debug("dropping unsolicited epoch proof response")
	case *wire.SyncRequestMsg:
		d.handleSyncRequest(m.from, msg)
	case *wire.SyncResponseMsg:
		d.handleSyncResponse(msg)
	default:
		d.log.Warn("dropping inbound message of unhandled type")
	}
}

func (d *Dispatcher) handleProposal(msg *wire.Proposal) {
	err := d.epochMgr.Route(msg, func() error {
		return d.processor.OnProposal(bftprocessor.Proposal{View: msg.View, QC: &msg.QC, Vertex: msg.Vertex})
	})
	if err != nil {
		d.log.Debug("dropping proposal", log.Error(err))
	}
}

func (d *Dispatcher) handleVote(msg *wire.VoteMsg) {
	err := d.epochMgr.Route(msg, func() error {
		qc, _, err := d.processor.OnVote(msg.Vote)
		if err != nil {
			return err
		}
		d.metrics.IncVote()
		if qc != nil && qc.CommittedHeader != nil {
			d.metrics.IncCommit()
			if d.commitObserver != nil {
				d.commitObserver(*qc)
			}
		}
		return nil
	})
	if err != nil {
		d.log.Debug("dropping vote", log.Error(err))
	}
}

func (d *Dispatcher) handleGetVertices(from types.BFTNode, msg *wire.GetVerticesRequest) {
	vertices, err := d.vs.GetVertices(msg.TipID, msg.Count)
	if err != nil {
		d.log.Debug("vertex backfill request failed", log.Error(err))
		return
	}
	resp := wire.GetVerticesResponse{Vertices: vertices}
	data, err := resp.MarshalBinary()
	if err != nil {
		d.log.Warn("encode vertex backfill response", log.Error(err))
		return
	}
	d.enqueueOutbound(ClassVertex, from, data)
}

func (d *Dispatcher) handleVerticesResponse(msg *wire.GetVerticesResponse) {
	// Best-effort backfill: the peer lists its answer tip first, walking
	// back toward its root (vertexstore.GetVertices), so vertices are
	// inserted from last to first (parent before child) and each insertion
	// finds its parent already present; one that still doesn't (a gap in
	// the peer's answer) is skipped rather than aborting the whole batch.
	for i := len(msg.Vertices) - 1; i >= 0; i-- {
		if _, err := d.vs.InsertVertex(msg.Vertices[i]); err != nil {
			d.log.Debug("skipping backfilled vertex", log.Error(err))
		}
	}
}

func (d *Dispatcher) handleGetEpoch(from types.BFTNode, msg *wire.GetEpochRequest) {
	if d.epochProofs == nil {
		d.log.Debug("no epoch proof source configured, dropping request")
		return
	}
	proof, ok := d.epochProofs.ProofForEpoch(msg.Epoch)
	if !ok {
		d.log.Debug("no proof available for requested epoch", log.Uint64("epoch", uint64(msg.Epoch)))
		return
	}
	data, err := (wire.GetEpochResponse{Proof: proof}).MarshalBinary()
	if err != nil {
		d.log.Warn("encode epoch proof response", log.Error(err))
		return
	}
	d.enqueueOutbound(ClassEpoch, from, data)
}

func (d *Dispatcher) handleSyncRequest(from types.BFTNode, msg *wire.SyncRequestMsg) {
	if d.commands == nil {
		d.log.Debug("no command source configured, dropping sync request")
		return
	}
	commands, proof, err := d.commands.CommandsSince(msg.StateVersion, msg.BatchSize)
	if err != nil {
		d.log.Debug("failed to serve sync request", log.Error(err))
		return
	}
	data, err := (wire.SyncResponseMsg{Commands: commands, Proof: proof}).MarshalBinary()
	if err != nil {
		d.log.Warn("encode sync response", log.Error(err))
		return
	}
	d.enqueueOutbound(ClassSync, from, data)
}

func (d *Dispatcher) handleSyncResponse(msg *wire.SyncResponseMsg) {
	if err := d.sync.OnSyncResponse(syncsvc.SyncResponse{Commands: msg.Commands, Proof: msg.Proof}); err != nil {
		d.log.Debug("dropping sync response", log.Error(err))
	}
}
