// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bftprocessor

import (
	"math/big"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/pacemaker"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/vertexstore"
)

type fakeLedger struct{}

func (fakeLedger) Prepare(v types.Vertex) (types.LedgerHeader, error) {
	return types.LedgerHeader{View: v.View, StateVersion: uint64(v.View)}, nil
}

type fakeCommitter struct {
	committed []types.Vertex
	proof     types.LedgerHeader
}

func (c *fakeCommitter) Commit(vertices []types.Vertex, proof types.LedgerHeader) error {
	c.committed = append(c.committed, vertices...)
	c.proof = proof
	return nil
}

type fakeNetwork struct {
	sentTo   []types.BFTNode
	sentVote []types.Vote
}

func (n *fakeNetwork) SendVote(to types.BFTNode, vote types.Vote) error {
	n.sentTo = append(n.sentTo, to)
	n.sentVote = append(n.sentVote, vote)
	return nil
}

type fakeSyncRequester struct {
	missingParent ids.ID
	from          types.BFTNode
	called        bool
}

func (s *fakeSyncRequester) OnMissingParent(parentID ids.ID, from types.BFTNode) {
	s.called = true
	s.missingParent = parentID
	s.from = from
}

func mustKeys(t *testing.T, n int) []*bftcrypto.KeyPair {
	t.Helper()
	kps := make([]*bftcrypto.KeyPair, n)
	for i := range kps {
		kp, err := bftcrypto.GenerateKeyPair()
		require.NoError(t, err)
		kps[i] = kp
	}
	return kps
}

func validatorSetOf(t *testing.T, kps []*bftcrypto.KeyPair) *types.ValidatorSet {
	t.Helper()
	vals := make([]types.Validator, len(kps))
	for i, kp := range kps {
		vals[i] = types.Validator{Node: kp.Node, Power: big.NewInt(100)}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func newTestVertexStore(t *testing.T) (*vertexstore.VertexStore, types.Vertex, *fakeCommitter) {
	t.Helper()
	root := types.Vertex{View: 0}
	committer := &fakeCommitter{}
	rootQC := types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID()}}
	vs, err := vertexstore.New(log.NewNoOpLogger(), fakeLedger{}, committer, root, rootQC)
	require.NoError(t, err)
	return vs, root, committer
}

func child(parent types.Vertex, view types.View, proposer types.BFTNode) types.Vertex {
	return types.Vertex{View: view, ParentID: parent.ID(), Proposer: proposer}
}

// TestOnVoteFormsQCAndCommitsThreeChain exercises the full happy path: three
// consecutive-view vertices are voted on by a quorum, and the QC on the
// third triggers a three-chain commit of the first (spec.md §4.3).
func TestOnVoteFormsQCAndCommitsThreeChain(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, root, committer := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)

	v1 := child(root, 1, kps[0].Node)
	v2 := child(v1, 2, kps[1].Node)
	v3 := child(v2, 3, kps[2].Node)
	_, err := vs.InsertVertex(v1)
	require.NoError(t, err)
	_, err = vs.InsertVertex(v2)
	require.NoError(t, err)
	h3, err := vs.InsertVertex(v3)
	require.NoError(t, err)

	h2, ok := vs.GetHeader(v2.ID())
	require.True(t, ok)

	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, nil)

	data := types.VoteData{VotedHeader: h3, ParentHeader: h2}
	digest := data.Hash()

	var qc *types.QuorumCertificate
	for i := 0; i < 3; i++ {
		vote := types.Vote{Data: data, Voter: kps[i].Node, Signature: kps[i].Sign(digest[:])}
		formedQC, formedTC, err := proc.OnVote(vote)
		require.NoError(t, err)
		require.Nil(t, formedTC)
		if formedQC != nil {
			qc = formedQC
		}
	}

	require.NotNil(t, qc, "3 of 4 equal-power validators must reach quorum")
	require.NotNil(t, qc.CommittedHeader, "QC on the third consecutive-view vertex must carry a committed header")
	require.Equal(t, v1.ID(), vs.Root().ID(), "three-chain commit must move the root to the grandparent vertex")
	require.Len(t, committer.committed, 1)
	require.Equal(t, v1.ID(), committer.committed[0].ID())
}

func TestOnVoteRejectsUnknownAuthor(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, _, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, nil)

	outsider, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)

	data := types.VoteData{VotedHeader: types.BFTHeader{View: 1}}
	digest := data.Hash()
	vote := types.Vote{Data: data, Voter: outsider.Node, Signature: outsider.Sign(digest[:])}

	_, _, err = proc.OnVote(vote)
	require.ErrorIs(t, err, ErrInvalidAuthor)
}

func TestOnVoteRejectsDuplicateAndLateVotes(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, root, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, nil)

	v1 := child(root, 1, kps[0].Node)
	h1, err := vs.InsertVertex(v1)
	require.NoError(t, err)
	h0, ok := vs.GetHeader(root.ID())
	require.True(t, ok)

	data := types.VoteData{VotedHeader: h1, ParentHeader: h0}
	digest := data.Hash()
	vote := func(i int) types.Vote {
		return types.Vote{Data: data, Voter: kps[i].Node, Signature: kps[i].Sign(digest[:])}
	}

	_, _, err = proc.OnVote(vote(0))
	require.NoError(t, err)
	_, _, err = proc.OnVote(vote(0))
	require.ErrorIs(t, err, ErrDuplicateVote)

	// Drive the bucket to quorum, then any further vote is "unexpected".
	_, _, err = proc.OnVote(vote(1))
	require.NoError(t, err)
	_, _, err = proc.OnVote(vote(2))
	require.NoError(t, err)
	_, _, err = proc.OnVote(vote(3))
	require.ErrorIs(t, err, ErrUnexpectedVote)
}

func TestOnVoteFormsTimeoutCertificate(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, _, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	pm.ProcessQC(&types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 4}}) // currentView -> 5
	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, nil)

	view := types.View(5)
	data := types.VoteData{VotedHeader: types.BFTHeader{View: view}}
	digest := data.Hash()
	payload := timeoutPayload(view, nil)

	var tc *types.TimeoutCertificate
	for i := 0; i < 3; i++ {
		vote := types.Vote{
			Data:       data,
			Voter:      kps[i].Node,
			Signature:  kps[i].Sign(digest[:]),
			TimeoutSig: kps[i].Sign(payload),
		}
		formedQC, formedTC, err := proc.OnVote(vote)
		require.NoError(t, err)
		require.Nil(t, formedQC)
		if formedTC != nil {
			tc = formedTC
		}
	}

	require.NotNil(t, tc)
	require.Equal(t, view, tc.View)
	require.Equal(t, types.View(6), pm.CurrentView(), "a formed TC must advance the pacemaker past its view")
}

func TestOnProposalRejectsWrongViewAndProposer(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, root, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	pm.ProcessQC(&types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID()}}) // currentView -> 1
	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, nil)

	wrongView := Proposal{View: 2, Vertex: child(root, 2, kps[0].Node)}
	require.ErrorIs(t, proc.OnProposal(wrongView), ErrStaleOrFutureView)

	leader := pacemaker.NextLeader(1, 1, validators)
	var impostor types.BFTNode
	for _, v := range validators.Validators() {
		if !v.Node.Equals(leader) {
			impostor = v.Node
			break
		}
	}
	wrongProposer := Proposal{View: 1, Vertex: child(root, 1, impostor)}
	require.ErrorIs(t, proc.OnProposal(wrongProposer), ErrWrongProposer)
}

func TestOnProposalRequestsSyncOnMissingParent(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, root, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	pm.ProcessQC(&types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID()}}) // currentView -> 1
	sync := &fakeSyncRequester{}
	proc := New(log.NewNoOpLogger(), nil, 1, validators, vs, pm, nil, sync)

	leader := pacemaker.NextLeader(1, 1, validators)
	orphanParent := types.Vertex{View: 1, ParentID: ids.ID{0xEE}}
	prop := Proposal{View: 1, Vertex: types.Vertex{View: 2, ParentID: orphanParent.ID(), Proposer: leader}}

	err := proc.OnProposal(prop)
	require.ErrorIs(t, err, ErrMissingParent)
	require.True(t, sync.called)
	require.Equal(t, orphanParent.ID(), sync.missingParent)
}

func TestOnProposalCastsVoteToNextLeader(t *testing.T) {
	kps := mustKeys(t, 4)
	validators := validatorSetOf(t, kps)
	vs, root, _ := newTestVertexStore(t)
	pm := pacemaker.New(log.NewNoOpLogger(), 3000, 1.1, 0, nil)
	pm.ProcessQC(&types.QuorumCertificate{VotedHeader: types.BFTHeader{View: 0, VertexID: root.ID()}}) // currentView -> 1

	leader := pacemaker.NextLeader(1, 1, validators)
	var self *bftcrypto.KeyPair
	for _, kp := range kps {
		if kp.Node.Equals(leader) {
			continue
		}
		self = kp
		break
	}
	net := &fakeNetwork{}
	proc := New(log.NewNoOpLogger(), self, 1, validators, vs, pm, net, nil)

	prop := Proposal{View: 1, Vertex: child(root, 1, leader)}
	require.NoError(t, proc.OnProposal(prop))

	require.Len(t, net.sentVote, 1)
	require.Equal(t, self.Node, net.sentVote[0].Voter)
	expectedTarget := pacemaker.NextLeader(1, 2, validators)
	require.True(t, net.sentTo[0].Equals(expectedTarget))
}
