// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bftprocessor implements the three-chain HotStuff event processor
// of spec.md §4.3: proposal and vote handling, the voting rule, quorum
// accumulation into QCs and TCs, and the three-chain commit rule. It is
// driven by a dispatcher that owns the single event loop (spec.md §5); this
// package holds no goroutines of its own.
package bftprocessor

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/pacemaker"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/vertexstore"
)

// Proposal is the local, decoded form of a wire Proposal message
// (spec.md §6: `Proposal { view, qc, vertex }`).
type Proposal struct {
	View   types.View
	QC     *types.QuorumCertificate
	Vertex types.Vertex
}

// Network is the outbound surface the processor needs from the dispatcher:
// sending votes to a specific peer. Missing-parent notifications go through
// SyncRequester instead.
type Network interface {
	SendVote(to types.BFTNode, vote types.Vote) error
}

// SyncRequester is notified when a proposal arrives whose parent vertex is
// missing, so the dispatcher can issue a GetVerticesRequest (spec.md §4.3
// step 2, §4.7).
type SyncRequester interface {
	OnMissingParent(parentID ids.ID, from types.BFTNode)
}

type qcVoteBucket struct {
	data   types.VoteData
	sigs   map[types.BFTNode][]byte
	power  *big.Int
	formed bool
}

type tcVoteBucket struct {
	sigs    map[types.BFTNode][]byte
	highQCs map[ids.ID]types.QuorumCertificate
	power   *big.Int
	formed  bool
}

// Processor is the BFTEventProcessor. One instance exists per node; its
// validator set is swapped wholesale by the EpochManager at epoch
// boundaries (SetValidators).
type Processor struct {
	log log.Logger

	self       *bftcrypto.KeyPair
	epoch      types.Epoch
	validators *types.ValidatorSet

	vs *vertexstore.VertexStore
	pm *pacemaker.Pacemaker

	network Network
	sync    SyncRequester

	lastVotedView types.View

	qcBuckets map[[32]byte]*qcVoteBucket
	tcBuckets map[types.View]*tcVoteBucket
}

// New constructs a Processor. The pacemaker and vertex store are owned by
// the dispatcher and shared across the node's lifetime; the processor only
// mutates them in response to OnProposal/OnVote/OnLocalTimeout.
func New(logger log.Logger, self *bftcrypto.KeyPair, epoch types.Epoch, validators *types.ValidatorSet, vs *vertexstore.VertexStore, pm *pacemaker.Pacemaker, network Network, sync SyncRequester) *Processor {
	return &Processor{
		log:        logger,
		self:       self,
		epoch:      epoch,
		validators: validators,
		vs:         vs,
		pm:         pm,
		network:    network,
		sync:       sync,
		qcBuckets:  make(map[[32]byte]*qcVoteBucket),
		tcBuckets:  make(map[types.View]*tcVoteBucket),
	}
}

// SetValidators swaps in the validator set for a new epoch, clearing any
// vote buckets accumulated against the previous set (they can no longer
// reach quorum under a different set of signers).
func (p *Processor) SetValidators(epoch types.Epoch, validators *types.ValidatorSet) {
	p.epoch = epoch
	p.validators = validators
	p.lastVotedView = 0
	p.qcBuckets = make(map[[32]byte]*qcVoteBucket)
	p.tcBuckets = make(map[types.View]*tcVoteBucket)
}

// BuildProposal constructs the vertex this node would broadcast as leader
// of the pacemaker's current view, extending the highest QC'd vertex this
// node knows of. cmd is nil for an empty vertex. ok is false when this
// node is not the view's elected leader (including an observer node with
// no signing key, which is never a leader).
func (p *Processor) BuildProposal(cmd *types.Command) (Proposal, bool) {
	if p.self == nil {
		return Proposal{}, false
	}
	view := p.pm.CurrentView()
	leader := pacemaker.NextLeader(p.epoch, view, p.validators)
	if !leader.Equals(p.self.Node) {
		return Proposal{}, false
	}
	highQC := p.vs.HighQC()
	vertex := types.Vertex{View: view, ParentID: highQC.VotedHeader.VertexID, Proposer: p.self.Node, Command: cmd}
	return Proposal{View: view, QC: highQC, Vertex: vertex}, true
}

// OnProposal processes an inbound proposal per spec.md §4.3.
func (p *Processor) OnProposal(prop Proposal) error {
	if prop.View != p.pm.CurrentView() {
		return fmt.Errorf("%w: got %d, want %d", ErrStaleOrFutureView, prop.View, p.pm.CurrentView())
	}
	leader := pacemaker.NextLeader(p.epoch, prop.View, p.validators)
	if !leader.Equals(prop.Vertex.Proposer) {
		return fmt.Errorf("%w: view %d", ErrWrongProposer, prop.View)
	}

	parent, ok := p.vs.GetVertex(prop.Vertex.ParentID)
	if !ok {
		if p.sync != nil {
			p.sync.OnMissingParent(prop.Vertex.ParentID, prop.Vertex.Proposer)
		}
		return fmt.Errorf("%w: %s", ErrMissingParent, prop.Vertex.ParentID)
	}

	vertex := prop.Vertex
	header, err := p.vs.InsertVertex(vertex)
	if err != nil {
		var rejected *vertexstore.LedgerRejected
		if errors.As(err, &rejected) && vertex.Command != nil {
			// spec.md §4.4: a rejected command does not stall the view —
			// the vertex is retried empty so view progression continues.
			p.log.Warn("ledger rejected command, retrying vertex empty",
				log.Uint64("view", uint64(prop.View)), log.Error(rejected.Err))
			vertex.Command = nil
			header, err = p.vs.InsertVertex(vertex)
		}
		if err != nil {
			return fmt.Errorf("bftprocessor: insert vertex: %w", err)
		}
	}

	if prop.View > p.lastVotedView && parent.View >= p.pm.LockedView() {
		if err := p.castVote(prop.View, header, parent); err != nil {
			p.log.Warn("failed to cast vote", log.Uint64("view", uint64(prop.View)), log.Error(err))
		} else {
			p.lastVotedView = prop.View
		}
	}

	if prop.QC != nil {
		if err := p.verifyQC(prop.QC); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidQC, err)
		}
		p.vs.AddQC(*prop.QC)
		p.pm.ProcessQC(prop.QC)
	}
	return nil
}

// verifyQC checks a QC's aggregate signature and quorum power before it is
// adopted into local state (highQC, lockedView) from an untrusted source:
// a proposal's attached QC, or a timeout vote's piggybacked HighQC. Either
// one may have been relayed by a Byzantine leader rather than formed
// locally, so neither gets the trust formQC gives a QC it assembles itself
// from votes it already verified one-by-one.
//
// The view-0 (epoch genesis) QC is exempt: it carries no signature by
// construction (spec.md §4.6's epoch reset derives it identically on
// every honest replica from the just-closed epoch's boundary, not from a
// quorum of votes) and its content is not a Byzantine proposer's to choose.
func (p *Processor) verifyQC(qc *types.QuorumCertificate) error {
	if qc.VotedHeader.View == 0 {
		return nil
	}
	msg := (types.VoteData{VotedHeader: qc.VotedHeader, ParentHeader: qc.ParentHeader}).Hash()
	if err := bftcrypto.VerifyAggregate(p.validators, qc.Signature, msg[:]); err != nil {
		return fmt.Errorf("aggregate signature: %w", err)
	}
	if bftcrypto.AggregatePower(p.validators, qc.Signature).Cmp(p.validators.QuorumThreshold()) < 0 {
		return fmt.Errorf("aggregate signature carries insufficient power for quorum")
	}
	return nil
}

// castVote builds and sends a vote for the proposal just inserted to the
// leader of the following view.
func (p *Processor) castVote(view types.View, votedHeader types.BFTHeader, parent types.Vertex) error {
	if p.self == nil || p.network == nil {
		return nil // observer node: tracks state but does not vote.
	}
	parentHeader, ok := p.vs.GetHeader(parent.ID())
	if !ok {
		return fmt.Errorf("bftprocessor: no recorded header for parent %s", parent.ID())
	}
	data := types.VoteData{VotedHeader: votedHeader, ParentHeader: parentHeader}
	digest := data.Hash()
	vote := types.Vote{
		Data:      data,
		Voter:     p.self.Node,
		Signature: p.self.Sign(digest[:]),
	}
	next := pacemaker.NextLeader(p.epoch, view+1, p.validators)
	return p.network.SendVote(next, vote)
}

// OnLocalTimeout implements pacemaker.TimeoutSink: it builds and sends a
// timeout vote carrying the pacemaker's highQC (spec.md §4.3's timeout
// path).
func (p *Processor) OnLocalTimeout(view types.View, highQC *types.QuorumCertificate) {
	if p.self == nil || p.network == nil {
		return
	}
	data := types.VoteData{VotedHeader: types.BFTHeader{View: view}}
	digest := data.Hash()
	payload := timeoutPayload(view, highQC)
	vote := types.Vote{
		Data:       data,
		Voter:      p.self.Node,
		Signature:  p.self.Sign(digest[:]),
		TimeoutSig: p.self.Sign(payload),
		HighQC:     highQC,
	}
	next := pacemaker.NextLeader(p.epoch, view+1, p.validators)
	if err := p.network.SendVote(next, vote); err != nil {
		p.log.Warn("failed to send timeout vote", log.Uint64("view", uint64(view)), log.Error(err))
	}
}

// OnVote processes a vote (spec.md §4.3's "processing a vote at the leader
// of view v+1"). Returns the formed QC or TC, if this vote completed a
// quorum; both are nil otherwise.
func (p *Processor) OnVote(v types.Vote) (*types.QuorumCertificate, *types.TimeoutCertificate, error) {
	if !p.validators.HasNode(v.Voter) {
		return nil, nil, ErrInvalidAuthor
	}

	if v.IsTimeout() {
		return p.onTimeoutVote(v)
	}
	return p.onQuorumVote(v)
}

func (p *Processor) onQuorumVote(v types.Vote) (*types.QuorumCertificate, *types.TimeoutCertificate, error) {
	digest := v.Data.Hash()
	bucket, ok := p.qcBuckets[digest]
	if !ok {
		bucket = &qcVoteBucket{data: v.Data, sigs: make(map[types.BFTNode][]byte), power: new(big.Int)}
		p.qcBuckets[digest] = bucket
	}
	if bucket.formed {
		return nil, nil, ErrUnexpectedVote
	}
	if _, dup := bucket.sigs[v.Voter]; dup {
		return nil, nil, ErrDuplicateVote
	}
	if err := bftcrypto.Verify(v.Voter, digest[:], v.Signature); err != nil {
		return nil, nil, fmt.Errorf("bftprocessor: vote signature: %w", err)
	}

	bucket.sigs[v.Voter] = v.Signature
	bucket.power.Add(bucket.power, p.validators.PowerOf(v.Voter))

	if bucket.power.Cmp(p.validators.QuorumThreshold()) < 0 {
		return nil, nil, nil
	}
	bucket.formed = true

	qc, err := p.formQC(bucket)
	if err != nil {
		return nil, nil, err
	}
	return &qc, nil, nil
}

func (p *Processor) onTimeoutVote(v types.Vote) (*types.QuorumCertificate, *types.TimeoutCertificate, error) {
	view := v.Data.VotedHeader.View
	bucket, ok := p.tcBuckets[view]
	if !ok {
		bucket = &tcVoteBucket{
			sigs:    make(map[types.BFTNode][]byte),
			highQCs: make(map[ids.ID]types.QuorumCertificate),
			power:   new(big.Int),
		}
		p.tcBuckets[view] = bucket
	}
	if bucket.formed {
		return nil, nil, ErrUnexpectedVote
	}
	if _, dup := bucket.sigs[v.Voter]; dup {
		return nil, nil, ErrDuplicateVote
	}
	if err := bftcrypto.Verify(v.Voter, timeoutPayload(view, v.HighQC), v.TimeoutSig); err != nil {
		return nil, nil, fmt.Errorf("bftprocessor: timeout signature: %w", err)
	}

	if v.HighQC != nil {
		if err := p.verifyQC(v.HighQC); err != nil {
			return nil, nil, fmt.Errorf("%w: piggybacked highQC: %s", ErrInvalidQC, err)
		}
	}

	bucket.sigs[v.Voter] = v.TimeoutSig
	if v.HighQC != nil {
		bucket.highQCs[v.HighQC.VotedHeader.VertexID] = *v.HighQC
	}
	bucket.power.Add(bucket.power, p.validators.PowerOf(v.Voter))

	if bucket.power.Cmp(p.validators.QuorumThreshold()) < 0 {
		return nil, nil, nil
	}
	bucket.formed = true

	tc := &types.TimeoutCertificate{
		Epoch:     p.epoch,
		View:      view,
		Signature: bftcrypto.BuildAggregate(p.validators, bucket.sigs),
	}
	for _, qc := range bucket.highQCs {
		tc.HighQCs = append(tc.HighQCs, qc)
	}
	p.pm.ProcessTC(tc)
	return nil, tc, nil
}

// formQC assembles a QC from a full vote bucket, checks the three-chain
// commit rule against the local vertex store, and — when satisfied —
// commits the grandparent vertex (spec.md §4.3's commit rule).
func (p *Processor) formQC(bucket *qcVoteBucket) (types.QuorumCertificate, error) {
	qc := types.QuorumCertificate{
		VotedHeader:  bucket.data.VotedHeader,
		ParentHeader: bucket.data.ParentHeader,
		Signature:    bftcrypto.BuildAggregate(p.validators, bucket.sigs),
	}

	vertex, ok := p.vs.GetVertex(qc.VotedHeader.VertexID)
	if !ok {
		// Our own store has already pruned or never saw this vertex (e.g.
		// we were not the one who inserted it); the QC still stands, it
		// just cannot be used locally to drive a commit.
		p.vs.AddQC(qc)
		p.pm.ProcessQC(&qc)
		return qc, nil
	}
	parentVertex, hasParent := p.vs.GetVertex(vertex.ParentID)
	grandVertex, hasGrand := types.Vertex{}, false
	if hasParent {
		grandVertex, hasGrand = p.vs.GetVertex(parentVertex.ParentID)
	}

	if hasParent && hasGrand &&
		vertex.View == parentVertex.View+1 &&
		parentVertex.View == grandVertex.View+1 {
		if grandHeader, ok := p.vs.GetHeader(grandVertex.ID()); ok {
			ch := grandHeader.LedgerHeader
			qc.CommittedHeader = &ch

			p.vs.AddQC(qc)
			p.pm.ProcessQC(&qc)

			if _, err := p.vs.Commit(grandHeader, ch); err != nil {
				return qc, fmt.Errorf("bftprocessor: commit: %w", err)
			}
			return qc, nil
		}
	}

	p.vs.AddQC(qc)
	p.pm.ProcessQC(&qc)
	return qc, nil
}

// timeoutPayload is the digest a timeout vote's TimeoutSig signs: the view
// and the highest QC the voter observed, so a leader cannot forge a TC from
// unrelated signatures.
func timeoutPayload(view types.View, highQC *types.QuorumCertificate) []byte {
	var qcHash [32]byte
	if highQC != nil {
		qcHash = highQC.Hash()
	}
	buf := make([]byte, 8, 40)
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(view) >> (56 - 8*i))
	}
	buf = append(buf, qcHash[:]...)
	return buf
}
