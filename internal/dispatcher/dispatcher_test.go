// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dispatcher

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/bftprocessor"
	"github.com/MRumpold/radixdlt/internal/epoch"
	"github.com/MRumpold/radixdlt/internal/metrics"
	"github.com/MRumpold/radixdlt/internal/pacemaker"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/syncsvc"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/vertexstore"
	"github.com/MRumpold/radixdlt/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLedger struct{}

func (fakeLedger) Prepare(v types.Vertex) (types.LedgerHeader, error) {
	return types.LedgerHeader{View: v.View, StateVersion: uint64(v.View)}, nil
}

type fakeCommitter struct{}

func (*fakeCommitter) Commit(vertices []types.Vertex, proof types.LedgerHeader) error { return nil }

type fakeSyncCommitter struct{ committed []types.Command }

func (c *fakeSyncCommitter) CommitCommands(commands []types.Command, proof types.LedgerHeader) error {
	c.committed = append(c.committed, commands...)
	return nil
}

type fakeLedgerState struct{}

func (fakeLedgerState) StateVersion() uint64      { return 0 }
func (fakeLedgerState) AccumulatorHash() [32]byte { return [32]byte{} }
func (fakeLedgerState) SetEpoch(types.Epoch)      {}

type fakeTransport struct {
	sent []sentMsg
}

type sentMsg struct {
	to   types.BFTNode
	data []byte
}

func (f *fakeTransport) Send(to types.BFTNode, data []byte) error {
	f.sent = append(f.sent, sentMsg{to: to, data: data})
	return nil
}

func mustKeyPair(t *testing.T) *bftcrypto.KeyPair {
	t.Helper()
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func newFixture(t *testing.T) (*Dispatcher, *fakeTransport, []*bftcrypto.KeyPair, types.Vertex) {
	t.Helper()
	kps := []*bftcrypto.KeyPair{mustKeyPair(t), mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)}
	vals := make([]types.Validator, len(kps))
	for i, kp := range kps {
		vals[i] = types.Validator{Node: kp.Node, Power: big.NewInt(100)}
	}
	validators, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	root := types.Vertex{View: 0}
	rootQC := types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID()}}
	vs, err := vertexstore.New(log.NewNoOpLogger(), fakeLedger{}, &fakeCommitter{}, root, rootQC)
	require.NoError(t, err)

	pm := pacemaker.New(log.NewNoOpLogger(), 50, 1.1, 0, nil)
	proc := bftprocessor.New(log.NewNoOpLogger(), kps[0], types.Epoch(0), validators, vs, pm, nil, nil)

	em := epoch.New(log.NewNoOpLogger(), types.Epoch(0), validators, nil, store.Reader(nil), proc, pm, vs, fakeLedgerState{})

	ss := syncsvc.New(log.NewNoOpLogger(), nil, &fakeSyncCommitter{}, em, 10, time.Second, types.LedgerHeader{})

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	transport := &fakeTransport{}
	d := New(log.NewNoOpLogger(), kps[0].Node, proc, vs, pm, em, ss, m, transport, Config{})
	return d, transport, kps, root
}

func TestSendVoteEnqueuesOutboundAndTransportDrains(t *testing.T) {
	d, transport, kps, _ := newFixture(t)

	vote := types.Vote{
		Data:      types.VoteData{VotedHeader: types.BFTHeader{View: 1}},
		Voter:     kps[0].Node,
		Signature: []byte{1, 2, 3},
	}
	require.NoError(t, d.SendVote(kps[1].Node, vote))

	item := <-d.outbound[ClassVote]
	require.NoError(t, transport.Send(item.to, item.data))
	require.Len(t, transport.sent, 1)

	decoded, err := wire.Decode(transport.sent[0].data)
	require.NoError(t, err)
	voteMsg, ok := decoded.(*wire.VoteMsg)
	require.True(t, ok)
	require.Equal(t, vote.Voter, voteMsg.Vote.Voter)
}

func TestOnMissingParentSendsVertexBackfillRequest(t *testing.T) {
	d, _, kps, root := newFixture(t)

	d.OnMissingParent(root.ID(), kps[1].Node)

	item := <-d.outbound[ClassVertex]
	require.Equal(t, kps[1].Node, item.to)

	decoded, err := wire.Decode(item.data)
	require.NoError(t, err)
	req, ok := decoded.(*wire.GetVerticesRequest)
	require.True(t, ok)
	require.Equal(t, root.ID(), req.TipID)
	require.Equal(t, defaultVertexBackfillCount, req.Count)
}

func TestDeliverDecodesAndHandlesVote(t *testing.T) {
	d, _, kps, root := newFixture(t)

	v1 := types.Vertex{View: 1, ParentID: root.ID(), Proposer: kps[0].Node}
	h1, err := d.vs.InsertVertex(v1)
	require.NoError(t, err)
	rootHeader, ok := d.vs.GetHeader(root.ID())
	require.True(t, ok)

	data := types.VoteData{VotedHeader: h1, ParentHeader: rootHeader}
	digest := data.Hash()
	vote := types.Vote{Data: data, Voter: kps[0].Node, Signature: kps[0].Sign(digest[:])}

	raw, err := (wire.VoteMsg{Vote: vote}).MarshalBinary()
	require.NoError(t, err)

	d.Deliver(kps[0].Node, raw)
	msg := <-d.inbound
	d.handleInbound(msg)

	require.Equal(t, float64(1), testutil.ToFloat64(d.metrics.ConsensusVotes))
}

func TestHandleSyncRequestWithoutSourceDropsSilently(t *testing.T) {
	d, transport, kps, _ := newFixture(t)
	d.handleSyncRequest(kps[1].Node, &wire.SyncRequestMsg{StateVersion: 0, BatchSize: 10})
	require.Empty(t, transport.sent)
	select {
	case <-d.outbound[ClassSync]:
		t.Fatal("expected no queued sync response without a configured command source")
	default:
	}
}

type stubCommandSource struct {
	commands []types.Command
	proof    wire.LedgerProof
}

func (s stubCommandSource) CommandsSince(stateVersion uint64, limit int) ([]types.Command, wire.LedgerProof, error) {
	return s.commands, s.proof, nil
}

func TestHandleSyncRequestWithSourceRespondsOnSyncClass(t *testing.T) {
	d, _, kps, _ := newFixture(t)
	cmd := types.NewCommand([]byte("payload"))
	d.SetCommandSource(stubCommandSource{commands: []types.Command{cmd}, proof: wire.LedgerProof{Header: types.LedgerHeader{StateVersion: 5}}})

	d.handleSyncRequest(kps[1].Node, &wire.SyncRequestMsg{StateVersion: 0, BatchSize: 10})

	item := <-d.outbound[ClassSync]
	decoded, err := wire.Decode(item.data)
	require.NoError(t, err)
	resp, ok := decoded.(*wire.SyncResponseMsg)
	require.True(t, ok)
	require.Equal(t, uint64(5), resp.Proof.Header.StateVersion)
	require.Len(t, resp.Commands, 1)
}
