// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package syncsvc implements the Sync Service of spec.md §4.7: it tracks
// the node's current ledger header against a target advertised by peers,
// requests missing committed command batches, and hands validated batches
// to the ledger in order until current catches up with target.
package syncsvc

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/wire"
)

// ErrStaleResponse is returned by OnSyncResponse when the batch's proof
// does not advance past the node's current header — a duplicate or
// reordered response, dropped rather than treated as a fault.
var ErrStaleResponse = errors.New("syncsvc: response does not advance current header")

// ErrUnauthenticatedProof is returned by OnSyncResponse when a peer's
// claimed proof does not carry a valid quorum of validator signatures
// over its header — a peer cannot be allowed to advance the ledger on
// its say-so alone (spec.md §6's signed ledger proof exists precisely to
// rule this out).
var ErrUnauthenticatedProof = errors.New("syncsvc: proof lacks a valid quorum certificate")

// Network sends a batch request to a peer. A real dispatcher implements
// this over the wire; tests can stub it.
type Network interface {
	SendSyncRequest(to types.BFTNode, req SyncRequest) error
}

// Committer applies a batch of already-certified commands to the ledger
// (ledger.StateComputer.CommitCommands).
type Committer interface {
	CommitCommands(commands []types.Command, proof types.LedgerHeader) error
}

// Validators resolves the validator set a peer's claimed proof must carry
// a quorum of signatures against. Backed by epoch.Manager.Validators in
// production: the active set at the proof's epoch is also the set a
// genuine quorum certificate for it would have been formed against.
type Validators interface {
	Validators() *types.ValidatorSet
}

// SyncRequest asks a peer for a batch of commands starting at stateVersion
// (spec.md §6).
type SyncRequest struct {
	StateVersion uint64
	BatchSize    int
}

// SyncResponse is a peer's answer to a SyncRequest: the commands in
// stateVersion order, and the signed ledger proof backing them (spec.md
// §6: "{ header, signatures_by_validator_key }", the same wire.LedgerProof
// shape GetEpochResponse carries).
type SyncResponse struct {
	Commands []types.Command
	Proof    wire.LedgerProof
}

// Service is the Sync Service state machine.
type Service struct {
	log log.Logger

	network    Network
	committer  Committer
	validators Validators
	batchSize  int
	patience   time.Duration
	rng        *rand.Rand

	current types.LedgerHeader
	target  *types.LedgerHeader

	candidates []types.BFTNode
	peer       types.BFTNode
	attemptTag uint64
	timer      *time.Timer
	onTimeout  func(tag uint64)
}

// New builds a Service seeded at the node's current ledger header.
// batchSize/patience come from config.Config.SyncBatchSize/SyncPatience.
func New(logger log.Logger, network Network, committer Committer, validators Validators, batchSize int, patience time.Duration, current types.LedgerHeader) *Service {
	s := &Service{
		log:        logger,
		network:    network,
		committer:  committer,
		validators: validators,
		batchSize:  batchSize,
		patience:   patience,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		current:    current,
	}
	s.onTimeout = func(tag uint64) { _ = s.OnSyncTimeout(tag) }
	return s
}

// SetTimeoutDispatch overrides how a fired patience timer reaches
// OnSyncTimeout — a real dispatcher redirects it onto its single event
// loop instead of invoking it from the timer's own goroutine.
func (s *Service) SetTimeoutDispatch(dispatch func(tag uint64)) {
	s.onTimeout = dispatch
}

// Current returns the header the node believes its ledger is at.
func (s *Service) Current() types.LedgerHeader { return s.current }

// Target returns the header the node is catching up to, or nil if it is
// not currently behind.
func (s *Service) Target() *types.LedgerHeader { return s.target }

// InProgress reports whether a sync round is outstanding.
func (s *Service) InProgress() bool { return s.target != nil }

// OnLocalSyncRequest starts (or extends) a catch-up round toward target,
// per spec.md §4.7: "if target > current_target, set and send a batch
// request ... to a uniformly-chosen candidate; schedule a timeout". A
// target no further ahead than one already in flight is ignored.
func (s *Service) OnLocalSyncRequest(target types.LedgerHeader, candidates []types.BFTNode) error {
	if len(candidates) == 0 {
		return fmt.Errorf("syncsvc: no candidates to sync from")
	}
	if target.StateVersion <= s.current.StateVersion {
		return nil
	}
	if s.target != nil && target.StateVersion <= s.target.StateVersion {
		return nil
	}
	s.target = &target
	s.candidates = candidates
	return s.sendRequest()
}

// sendRequest picks a uniformly-random candidate, sends the next batch
// request for s.current.StateVersion, and (re)arms the patience timeout.
func (s *Service) sendRequest() error {
	s.peer = s.candidates[s.rng.Intn(len(s.candidates))]
	s.attemptTag++

	req := SyncRequest{StateVersion: s.current.StateVersion, BatchSize: s.batchSize}
	if err := s.network.SendSyncRequest(s.peer, req); err != nil {
		return fmt.Errorf("syncsvc: send request: %w", err)
	}
	s.log.Debug("sync request sent", log.Uint64("stateVersion", s.current.StateVersion), log.Uint64("attempt", s.attemptTag))

	s.scheduleTimeout()
	return nil
}

// scheduleTimeout arms the patience timer for the in-flight attempt,
// tagged so a stale firing (from an attempt already superseded by a
// response or resend) is dropped — spec.md §5's tag-equality rule. The
// timer fires onto the dispatcher's single event loop via onTimeout, set
// by the constructor's caller, rather than calling OnSyncTimeout directly
// from the timer goroutine.
func (s *Service) scheduleTimeout() {
	if s.timer != nil {
		s.timer.Stop()
	}
	tag := s.attemptTag
	s.timer = time.AfterFunc(s.patience, func() { s.onTimeout(tag) })
}

// OnSyncResponse validates and applies a batch, advancing current. Per
// spec.md §4.7: "validate header > current; hand commands to ledger
// commit; advance current." A response whose proof does not advance past
// current is dropped as stale rather than erroring the whole round. The
// proof's quorum certificate is verified before anything is committed: a
// peer (possibly Byzantine, possibly just wrong) must not be able to
// advance the ledger on its own say-so, the same trust boundary
// bftprocessor.Processor.verifyQC enforces for a QC arriving on a
// proposal or piggybacked on a timeout vote.
func (s *Service) OnSyncResponse(resp SyncResponse) error {
	header := resp.Proof.Header
	if header.StateVersion <= s.current.StateVersion {
		return ErrStaleResponse
	}
	if err := s.verifyProof(resp.Proof); err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthenticatedProof, err)
	}
	if err := s.committer.CommitCommands(resp.Commands, header); err != nil {
		return fmt.Errorf("syncsvc: commit batch: %w", err)
	}
	s.current = header
	s.log.Info("sync batch applied", log.Int("commands", len(resp.Commands)), log.Uint64("stateVersion", s.current.StateVersion))

	if s.target == nil || s.current.StateVersion >= s.target.StateVersion {
		s.finish()
		return nil
	}
	return s.sendRequest()
}

// verifyProof checks a peer's claimed wire.LedgerProof carries a valid
// quorum of signatures over the header it vouches for, against the node's
// currently active validator set; the header's Epoch field is not
// consulted. The proof's parallel
// Validators/Signatures slices are folded into the bitmap-indexed
// AggregateSignature bftcrypto.VerifyAggregate/AggregatePower expect,
// matching the signed payload a quorum of voters actually produced
// (types.VoteData{VotedHeader, ParentHeader}.Hash(), not the header
// itself — see wire.LedgerProof's doc comment).
//
// The epoch-genesis QC (view 0) is exempt, the same as
// bftprocessor.Processor.verifyQC: every honest replica derives it
// identically at an epoch boundary rather than from a quorum of votes, so
// it carries no signatures by construction.
func (s *Service) verifyProof(proof wire.LedgerProof) error {
	if proof.VotedHeader.View == 0 {
		return nil
	}
	if s.validators == nil {
		return fmt.Errorf("no validator set configured to check proof against")
	}
	vs := s.validators.Validators()
	if vs == nil {
		return fmt.Errorf("no active validator set for proof's epoch")
	}

	sigByNode := make(map[types.BFTNode][]byte, len(proof.Validators))
	for i, v := range proof.Validators {
		sigByNode[v] = proof.Signatures[i]
	}
	agg := bftcrypto.BuildAggregate(vs, sigByNode)

	msg := (types.VoteData{VotedHeader: proof.VotedHeader, ParentHeader: proof.ParentHeader}).Hash()
	if err := bftcrypto.VerifyAggregate(vs, agg, msg[:]); err != nil {
		return fmt.Errorf("aggregate signature: %w", err)
	}
	if bftcrypto.AggregatePower(vs, agg).Cmp(vs.QuorumThreshold()) < 0 {
		return fmt.Errorf("aggregate signature carries insufficient power for quorum")
	}
	return nil
}

// OnSyncTimeout resends the in-flight batch request to a candidate drawn
// again uniformly at random (possibly the same peer), per spec.md §4.7: "resend (possibly to a different peer)."
// A timeout whose tag no longer matches the live attempt (superseded by a
// response that already advanced current, or by a newer attempt) is
// dropped silently.
func (s *Service) OnSyncTimeout(tag uint64) error {
	if tag != s.attemptTag {
		s.log.Debug("dropping stale sync timeout", log.Uint64("tag", tag), log.Uint64("current", s.attemptTag))
		return nil
	}
	if s.target == nil {
		return nil
	}
	s.log.Debug("sync request timed out, resending", log.Uint64("stateVersion", s.current.StateVersion))
	return s.sendRequest()
}

// OnVersionUpdate advances current when the ledger commits locally via
// the ordinary consensus path (spec.md §4.7's on_version_update), so a
// node that catches up through normal BFT commits while a sync round is
// also in flight doesn't keep re-requesting state it already has.
func (s *Service) OnVersionUpdate(updated types.LedgerHeader) {
	if updated.StateVersion <= s.current.StateVersion {
		return
	}
	s.current = updated
	if s.target != nil && s.current.StateVersion >= s.target.StateVersion {
		s.finish()
	}
}

func (s *Service) finish() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.log.Info("sync caught up", log.Uint64("stateVersion", s.current.StateVersion))
	s.target = nil
	s.candidates = nil
}
