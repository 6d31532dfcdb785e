// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pacemaker drives BFT view progression and leader selection,
// the liveness half of the chained-HotStuff core described in spec.md §4.1.
package pacemaker

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"math/rand"
	"sort"
	"time"

	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/types"
)

// TimeoutSink receives the pacemaker's timeout notifications.
// bftprocessor.Processor implements this by sending a timeout vote to the
// next view's leader; tests can stub it.
type TimeoutSink interface {
	OnLocalTimeout(view types.View, highQC *types.QuorumCertificate)
}

// Pacemaker drives view progression and deterministic leader rotation.
type Pacemaker struct {
	log log.Logger

	baseTimeoutMS int64
	rate          float64
	maxExp        int

	currentView     types.View
	consecutiveExp  int // n: consecutive timed-out views since the last QC
	highQC          *types.QuorumCertificate
	lockedView      types.View

	timer *time.Timer
	sink  TimeoutSink
}

// New constructs a Pacemaker. baseMS/rate/maxExp come from
// config.Config.PacemakerBaseTimeoutMS/Rate/MaxExp.
func New(logger log.Logger, baseMS int64, rate float64, maxExp int, sink TimeoutSink) *Pacemaker {
	return &Pacemaker{
		log:           logger,
		baseTimeoutMS: baseMS,
		rate:          rate,
		maxExp:        maxExp,
		currentView:   0,
		sink:          sink,
	}
}

// SetTimeoutSink wires the component notified of fired view timeouts,
// resolving the construction-order cycle between Pacemaker and
// bftprocessor.Processor (the processor needs the pacemaker to build, the
// pacemaker's sink is the processor) — internal/node builds the pacemaker
// first with a nil sink, builds the processor from it, then calls this.
func (p *Pacemaker) SetTimeoutSink(sink TimeoutSink) { p.sink = sink }

// CurrentView returns the view the pacemaker believes is active.
func (p *Pacemaker) CurrentView() types.View { return p.currentView }

// HighQC returns the highest QC the pacemaker has observed.
func (p *Pacemaker) HighQC() *types.QuorumCertificate { return p.highQC }

// LockedView is the view of the highest committed QC's parent; the BFT
// event processor's voting rule refuses to vote for proposals whose parent
// is below this view.
func (p *Pacemaker) LockedView() types.View { return p.lockedView }

// timeoutDuration computes base_ms * rate^min(n, max_exp).
func (p *Pacemaker) timeoutDuration() time.Duration {
	exp := p.consecutiveExp
	if exp > p.maxExp {
		exp = p.maxExp
	}
	factor := 1.0
	for i := 0; i < exp; i++ {
		factor *= p.rate
	}
	ms := float64(p.baseTimeoutMS) * factor
	return time.Duration(ms) * time.Millisecond
}

// ScheduleTimeout (re)arms the timer for the current view. Callers invoke
// this after advancing the view or on startup; OnViewTimeout is the
// callback the dispatcher's timer wiring should call when it fires.
func (p *Pacemaker) ScheduleTimeout(fire func()) {
	if p.timer != nil {
		p.timer.Stop()
	}
	d := p.timeoutDuration()
	p.timer = time.AfterFunc(d, fire)
}

// OnViewTimeout handles a fired timer. If the tag no longer matches the
// current view (a stale firing, per spec.md §5's tag-equality rule), it is
// dropped silently.
func (p *Pacemaker) OnViewTimeout(view types.View) {
	if view != p.currentView {
		p.log.Debug("dropping stale timeout", log.Uint64("view", uint64(view)), log.Uint64("currentView", uint64(p.currentView)))
		return
	}
	p.consecutiveExp++
	p.log.Debug("view timeout", log.Uint64("view", uint64(view)), log.Int("consecutiveExp", p.consecutiveExp))
	if p.sink != nil {
		p.sink.OnLocalTimeout(view, p.highQC)
	}
}

// ProcessQC advances the view and resets the backoff counter when a QC
// forms at or past the current view. Returns true if the view advanced.
func (p *Pacemaker) ProcessQC(qc *types.QuorumCertificate) bool {
	if qc == nil {
		return false
	}
	if p.highQC == nil || qc.VotedHeader.View > p.highQC.VotedHeader.View {
		p.highQC = qc
	}
	if qc.CommittedHeader != nil {
		// The parent of the header that became the committed tip is the
		// new locked view.
		if qc.ParentHeader.View > p.lockedView {
			p.lockedView = qc.ParentHeader.View
		}
	}
	if qc.VotedHeader.View < p.currentView {
		return false
	}
	p.consecutiveExp = 0
	p.currentView = qc.VotedHeader.View + 1
	return true
}

// ResetForNewEpoch reinitializes view progression at an epoch boundary: the
// new epoch begins at view 0 with no locked view, no carried-over timeout
// backoff, and no inherited highQC, per spec.md §3's "View 0 is the epoch's
// genesis".
func (p *Pacemaker) ResetForNewEpoch() {
	p.currentView = 0
	p.lockedView = 0
	p.consecutiveExp = 0
	p.highQC = nil
}

// ProcessTC advances the view past a formed timeout certificate without
// resetting the backoff counter — a TC proves liveness failure, not
// progress.
func (p *Pacemaker) ProcessTC(tc *types.TimeoutCertificate) bool {
	if tc == nil {
		return false
	}
	if hq := tc.HighestQC(); hq != nil && (p.highQC == nil || hq.VotedHeader.View > p.highQC.VotedHeader.View) {
		p.highQC = hq
	}
	if tc.View < p.currentView {
		return false
	}
	p.currentView = tc.View + 1
	return true
}

// NextLeader deterministically selects the leader for `view` from the
// given validator set. Implements the stable weighted-random draw from
// spec.md §4.1: shuffle by H(epoch||view), draw proportional to power,
// ties (which cannot occur given BFTNode key uniqueness, but are handled
// for determinism under equal-weight draws) broken by public-key order.
func NextLeader(epoch types.Epoch, view types.View, vs *types.ValidatorSet) types.BFTNode {
	validators := append([]types.Validator(nil), vs.Validators()...)
	sort.Slice(validators, func(i, j int) bool { return validators[i].Node.Less(validators[j].Node) })

	seed := seedFor(epoch, view)
	rng := rand.New(rand.NewSource(int64(seed)))

	total := new(big.Int)
	for _, v := range validators {
		total.Add(total, v.Power)
	}
	if total.Sign() == 0 {
		return validators[0].Node
	}

	// Weighted draw: pick a uniform point in [0, total) using the seeded
	// RNG, then walk the sorted validator list accumulating power until
	// the point falls within a validator's share. This yields an expected
	// leader share proportional to stake while remaining a pure function
	// of (epoch, view, validator set).
	target := new(big.Int).Rand(rng, total)
	acc := new(big.Int)
	for _, v := range validators {
		acc.Add(acc, v.Power)
		if target.Cmp(acc) < 0 {
			return v.Node
		}
	}
	return validators[len(validators)-1].Node
}

func seedFor(epoch types.Epoch, view types.View) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(epoch))
	binary.BigEndian.PutUint64(buf[8:16], uint64(view))
	h := sha256.Sum256(buf[:])
	return binary.BigEndian.Uint64(h[:8])
}
