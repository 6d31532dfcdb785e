// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package syncsvc

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/types"
	"github.com/MRumpold/radixdlt/internal/wire"
)

type fakeNetwork struct {
	sent []SyncRequest
	to   []types.BFTNode
}

func (n *fakeNetwork) SendSyncRequest(to types.BFTNode, req SyncRequest) error {
	n.sent = append(n.sent, req)
	n.to = append(n.to, to)
	return nil
}

type fakeCommitter struct {
	batches [][]types.Command
	proofs  []types.LedgerHeader
	fail    bool
}

func (c *fakeCommitter) CommitCommands(commands []types.Command, proof types.LedgerHeader) error {
	if c.fail {
		return require.AnError
	}
	c.batches = append(c.batches, commands)
	c.proofs = append(c.proofs, proof)
	return nil
}

// fakeValidators backs the Validators interface with a fixed set, letting
// tests exercise OnSyncResponse's signature-verification path with real
// aggregate signatures rather than only the view-0 exemption.
type fakeValidators struct{ vs *types.ValidatorSet }

func (f fakeValidators) Validators() *types.ValidatorSet { return f.vs }

func mustNode(t *testing.T) types.BFTNode {
	t.Helper()
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Node
}

// genesisProof builds a wire.LedgerProof exempt from signature
// verification via the view-0 rule, for tests whose focus is the sync
// state machine rather than proof authentication.
func genesisProof(stateVersion uint64) wire.LedgerProof {
	return wire.LedgerProof{Header: types.LedgerHeader{StateVersion: stateVersion}}
}

func TestOnLocalSyncRequestSendsBatchAndSchedulesTimeout(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 5})

	candidates := []types.BFTNode{mustNode(t), mustNode(t)}
	target := types.LedgerHeader{StateVersion: 25}

	err := svc.OnLocalSyncRequest(target, candidates)
	require.NoError(t, err)
	require.True(t, svc.InProgress())
	require.Len(t, net.sent, 1)
	require.Equal(t, uint64(5), net.sent[0].StateVersion)
	require.Equal(t, 10, net.sent[0].BatchSize)
}

func TestOnLocalSyncRequestIgnoresNonAdvancingTarget(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 20})

	err := svc.OnLocalSyncRequest(types.LedgerHeader{StateVersion: 10}, []types.BFTNode{mustNode(t)})
	require.NoError(t, err)
	require.False(t, svc.InProgress())
	require.Empty(t, net.sent)
}

func TestOnSyncResponseAppliesBatchesUntilTargetReached(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	candidates := []types.BFTNode{mustNode(t)}
	target := types.LedgerHeader{StateVersion: 20}
	require.NoError(t, svc.OnLocalSyncRequest(target, candidates))

	cmd := types.NewCommand([]byte("cmd"))
	require.NoError(t, svc.OnSyncResponse(SyncResponse{Commands: []types.Command{cmd}, Proof: genesisProof(10)}))
	require.True(t, svc.InProgress(), "must keep syncing, target not yet reached")
	require.Equal(t, uint64(10), svc.Current().StateVersion)
	require.Len(t, net.sent, 2, "a further batch request is sent for the remainder")

	require.NoError(t, svc.OnSyncResponse(SyncResponse{Commands: []types.Command{cmd}, Proof: genesisProof(20)}))
	require.False(t, svc.InProgress(), "sync round finishes once current reaches target")
	require.Equal(t, uint64(20), svc.Current().StateVersion)

	require.Len(t, committer.proofs, 2)
}

func TestOnSyncResponseDropsStaleResponse(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 50})

	err := svc.OnSyncResponse(SyncResponse{Proof: genesisProof(50)})
	require.ErrorIs(t, err, ErrStaleResponse)
	require.Empty(t, committer.proofs)
}

func TestOnSyncTimeoutResendsBatchRequest(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	candidates := []types.BFTNode{mustNode(t), mustNode(t)}
	require.NoError(t, svc.OnLocalSyncRequest(types.LedgerHeader{StateVersion: 100}, candidates))
	require.Len(t, net.sent, 1)

	err := svc.OnSyncTimeout(1) // first (and only) attempt tag so far
	require.NoError(t, err)
	require.Len(t, net.sent, 2, "timeout resends the same batch request")
}

func TestOnSyncTimeoutDropsStaleTag(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	require.NoError(t, svc.OnLocalSyncRequest(types.LedgerHeader{StateVersion: 100}, []types.BFTNode{mustNode(t)}))
	require.Len(t, net.sent, 1)

	err := svc.OnSyncTimeout(999) // stale tag, does not match the live attempt
	require.NoError(t, err)
	require.Len(t, net.sent, 1, "a stale timeout must not trigger a resend")
}

func TestOnVersionUpdateAdvancesCurrentAndCanFinishSyncWithoutAResponse(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	require.NoError(t, svc.OnLocalSyncRequest(types.LedgerHeader{StateVersion: 5}, []types.BFTNode{mustNode(t)}))
	require.True(t, svc.InProgress())

	// A normal consensus commit races ahead of the sync round and reaches
	// the target on its own.
	svc.OnVersionUpdate(types.LedgerHeader{StateVersion: 5})
	require.False(t, svc.InProgress())
	require.Equal(t, uint64(5), svc.Current().StateVersion)
}

func TestOnSyncResponsePropagatesCommitFailure(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{fail: true}
	svc := New(log.NewNoOpLogger(), net, committer, nil, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	require.NoError(t, svc.OnLocalSyncRequest(types.LedgerHeader{StateVersion: 10}, []types.BFTNode{mustNode(t)}))

	err := svc.OnSyncResponse(SyncResponse{Proof: genesisProof(10)})
	require.Error(t, err)
}

func TestOnSyncResponseRejectsProofWithoutValidatorQuorum(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	kps := []*bftcrypto.KeyPair{mustKeyPair(t), mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)}
	vals := make([]types.Validator, len(kps))
	for i, kp := range kps {
		vals[i] = types.Validator{Node: kp.Node, Power: big.NewInt(100)}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	svc := New(log.NewNoOpLogger(), net, committer, fakeValidators{vs: vs}, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	// A proof at a non-genesis view with no signatures at all must not
	// advance the ledger on a peer's claim alone.
	proof := wire.LedgerProof{
		Header:      types.LedgerHeader{StateVersion: 10},
		VotedHeader: types.BFTHeader{View: 7},
	}
	err = svc.OnSyncResponse(SyncResponse{Proof: proof})
	require.ErrorIs(t, err, ErrUnauthenticatedProof)
	require.Empty(t, committer.proofs)
	require.Equal(t, uint64(0), svc.Current().StateVersion)
}

func TestOnSyncResponseAcceptsProofWithValidQuorum(t *testing.T) {
	net := &fakeNetwork{}
	committer := &fakeCommitter{}
	kps := []*bftcrypto.KeyPair{mustKeyPair(t), mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)}
	vals := make([]types.Validator, len(kps))
	for i, kp := range kps {
		vals[i] = types.Validator{Node: kp.Node, Power: big.NewInt(100)}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	svc := New(log.NewNoOpLogger(), net, committer, fakeValidators{vs: vs}, 10, time.Hour, types.LedgerHeader{StateVersion: 0})

	votedHeader := types.BFTHeader{View: 7}
	parentHeader := types.BFTHeader{View: 6}
	msg := (types.VoteData{VotedHeader: votedHeader, ParentHeader: parentHeader}).Hash()

	// 3 of 4 equal-power validators (300 of 400) clear QuorumThreshold's
	// ceil(2*400/3)+1 = 268.
	var proofValidators []types.BFTNode
	var proofSignatures [][]byte
	for _, kp := range kps[:3] {
		proofValidators = append(proofValidators, kp.Node)
		proofSignatures = append(proofSignatures, kp.Sign(msg[:]))
	}

	proof := wire.LedgerProof{
		Header:       types.LedgerHeader{StateVersion: 10},
		VotedHeader:  votedHeader,
		ParentHeader: parentHeader,
		Validators:   proofValidators,
		Signatures:   proofSignatures,
	}

	err = svc.OnSyncResponse(SyncResponse{Proof: proof})
	require.NoError(t, err)
	require.Equal(t, uint64(10), svc.Current().StateVersion)
}

func mustKeyPair(t *testing.T) *bftcrypto.KeyPair {
	t.Helper()
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}
