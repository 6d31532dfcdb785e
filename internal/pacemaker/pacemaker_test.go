// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pacemaker

import (
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/types"
)

func mustValidatorSet(t *testing.T, n int) *types.ValidatorSet {
	t.Helper()
	vals := make([]types.Validator, n)
	for i := 0; i < n; i++ {
		kp := mustKey(t, byte(i+1))
		vals[i] = types.Validator{Node: kp, Power: big.NewInt(100)}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func mustKey(t *testing.T, seed byte) types.BFTNode {
	t.Helper()
	key := make([]byte, 33)
	key[0] = 0x02
	for i := 1; i < 33; i++ {
		key[i] = seed
	}
	n, err := types.NewBFTNode(key)
	require.NoError(t, err)
	return n
}

type noopSink struct{ calls int }

func (s *noopSink) OnLocalTimeout(view types.View, highQC *types.QuorumCertificate) { s.calls++ }

func TestTimeoutDurationFlatByDefault(t *testing.T) {
	p := New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	p.consecutiveExp = 5
	require.Equal(t, int64(3000), p.timeoutDuration().Milliseconds())
}

func TestTimeoutDurationBacksOff(t *testing.T) {
	p := New(log.NewNoOpLogger(), 1000, 2.0, 3, nil)
	p.consecutiveExp = 2
	require.Equal(t, int64(4000), p.timeoutDuration().Milliseconds())
	p.consecutiveExp = 10 // clamps to maxExp=3
	require.Equal(t, int64(8000), p.timeoutDuration().Milliseconds())
}

func TestOnViewTimeoutDropsStale(t *testing.T) {
	sink := &noopSink{}
	p := New(log.NewNoOpLogger(), 3000, 1.1, 0, sink)
	p.currentView = 5
	p.OnViewTimeout(4) // stale
	require.Equal(t, 0, sink.calls)
	p.OnViewTimeout(5)
	require.Equal(t, 1, sink.calls)
	require.Equal(t, 1, p.consecutiveExp)
}

func TestProcessQCAdvancesViewAndResetsBackoff(t *testing.T) {
	p := New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	p.currentView = 5
	p.consecutiveExp = 3

	qc := &types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 5}}
	advanced := p.ProcessQC(qc)
	require.True(t, advanced)
	require.Equal(t, types.View(6), p.CurrentView())
	require.Equal(t, 0, p.consecutiveExp)
}

func TestProcessQCIgnoresStale(t *testing.T) {
	p := New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	p.currentView = 10
	qc := &types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 3}}
	advanced := p.ProcessQC(qc)
	require.False(t, advanced)
	require.Equal(t, types.View(10), p.CurrentView())
}

func TestProcessQCUpdatesLockedView(t *testing.T) {
	p := New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	committed := types.LedgerHeader{StateVersion: 1}
	qc := &types.QuorumCertificate{
		VotedHeader:     types.BFTHeader{View: 5},
		ParentHeader:    types.BFTHeader{View: 4},
		CommittedHeader: &committed,
	}
	p.ProcessQC(qc)
	require.Equal(t, types.View(4), p.LockedView())
}

func TestNextLeaderDeterministic(t *testing.T) {
	vs := mustValidatorSet(t, 4)
	l1 := NextLeader(1, 5, vs)
	l2 := NextLeader(1, 5, vs)
	require.True(t, l1.Equals(l2), "leader election must be a pure function of (epoch, view, validator set)")
}

func TestNextLeaderVariesAcrossViews(t *testing.T) {
	vs := mustValidatorSet(t, 4)
	seen := map[types.BFTNode]bool{}
	for v := types.View(0); v < 50; v++ {
		seen[NextLeader(1, v, vs)] = true
	}
	require.Greater(t, len(seen), 1, "leader rotation across views must not always pick the same validator")
}
