// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/types"
)

func mustNode(t *testing.T) types.BFTNode {
	t.Helper()
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Node
}

func sampleHeader(t *testing.T, withNextValidators bool) types.BFTHeader {
	t.Helper()
	lh := types.LedgerHeader{
		Epoch: 2, View: 7, StateVersion: 42,
		AccumulatorHash: [32]byte{1, 2, 3},
		Timestamp:       time.Unix(1000, 0).UTC(),
	}
	if withNextValidators {
		vs, err := types.NewValidatorSet([]types.Validator{{Node: mustNode(t), Power: big.NewInt(5)}})
		require.NoError(t, err)
		lh.IsEndOfEpoch = true
		lh.NextValidatorSet = vs
	}
	var vid ids.ID
	vid[0] = 9
	return types.BFTHeader{View: 7, VertexID: vid, LedgerHeader: lh}
}

func TestProposalRoundTrip(t *testing.T) {
	voted := sampleHeader(t, true)
	parent := sampleHeader(t, false)
	qc := types.QuorumCertificate{
		VotedHeader: voted, ParentHeader: parent,
		Signature: types.AggregateSignature{Bitmap: []byte{0b101}, Signatures: [][]byte{{1, 2}, {3, 4}}},
	}
	cmd := types.NewCommand([]byte("hello"))
	v := types.Vertex{QC: &qc, View: 7, Command: &cmd, Proposer: mustNode(t), ParentID: voted.VertexID}

	original := Proposal{View: 7, QC: qc, Vertex: v}
	raw, err := original.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	p, ok := decoded.(*Proposal)
	require.True(t, ok)
	require.Equal(t, original.View, p.View)
	require.Equal(t, original.QC.VotedHeader.LedgerHeader.StateVersion, p.QC.VotedHeader.LedgerHeader.StateVersion)
	require.True(t, original.QC.VotedHeader.LedgerHeader.NextValidatorSet.Equals(p.QC.VotedHeader.LedgerHeader.NextValidatorSet))
	require.Equal(t, original.Vertex.Command.Bytes(), p.Vertex.Command.Bytes())
	require.Equal(t, original.Vertex.Proposer, p.Vertex.Proposer)
	require.Equal(t, types.Epoch(2), p.MessageEpoch())
}

func TestProposalRoundTripEmptyVertex(t *testing.T) {
	voted := sampleHeader(t, false)
	qc := types.QuorumCertificate{VotedHeader: voted, ParentHeader: voted}
	v := types.Vertex{View: 7, Proposer: mustNode(t), ParentID: voted.VertexID}

	original := Proposal{View: 7, QC: qc, Vertex: v}
	raw, err := original.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	p := decoded.(*Proposal)
	require.Nil(t, p.Vertex.Command)
	require.True(t, p.Vertex.IsEmpty())
}

func TestVoteMsgRoundTrip(t *testing.T) {
	voted := sampleHeader(t, false)
	vote := types.Vote{
		Data:      types.VoteData{VotedHeader: voted, ParentHeader: voted},
		Voter:     mustNode(t),
		Signature: []byte{9, 9, 9},
	}
	original := VoteMsg{Vote: vote}
	raw, err := original.MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	m := decoded.(*VoteMsg)
	require.False(t, m.Vote.IsTimeout())
	require.Equal(t, original.Vote.Signature, m.Vote.Signature)
	require.Equal(t, original.Vote.Voter, m.Vote.Voter)
	require.Equal(t, types.Epoch(2), m.MessageEpoch())
}

func TestVoteMsgRoundTripWithTimeout(t *testing.T) {
	voted := sampleHeader(t, false)
	qc := types.QuorumCertificate{VotedHeader: voted, ParentHeader: voted}
	vote := types.Vote{
		Data:       types.VoteData{VotedHeader: voted, ParentHeader: voted},
		TimeoutSig: []byte{1},
		HighQC:     &qc,
		Voter:      mustNode(t),
		Signature:  []byte{9},
	}
	raw, err := (VoteMsg{Vote: vote}).MarshalBinary()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	m := decoded.(*VoteMsg)
	require.True(t, m.Vote.IsTimeout())
	require.NotNil(t, m.Vote.HighQC)
}

func TestGetVerticesRoundTrip(t *testing.T) {
	var tip ids.ID
	tip[0] = 5
	req := GetVerticesRequest{TipID: tip, Count: 10}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	got := decoded.(*GetVerticesRequest)
	require.Equal(t, req, *got)

	cmd := types.NewCommand([]byte("x"))
	v := types.Vertex{View: 1, Command: &cmd, Proposer: mustNode(t)}
	resp := GetVerticesResponse{Vertices: []types.Vertex{v}}
	raw, err = resp.MarshalBinary()
	require.NoError(t, err)
	decoded, err = Decode(raw)
	require.NoError(t, err)
	gotResp := decoded.(*GetVerticesResponse)
	require.Len(t, gotResp.Vertices, 1)
	require.Equal(t, cmd.Bytes(), gotResp.Vertices[0].Command.Bytes())
}

func TestGetEpochRoundTrip(t *testing.T) {
	req := GetEpochRequest{Epoch: 3}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, req, *decoded.(*GetEpochRequest))

	proof := LedgerProof{
		Header:     types.LedgerHeader{Epoch: 3, StateVersion: 99},
		Validators: []types.BFTNode{mustNode(t)},
		Signatures: [][]byte{{1, 2, 3}},
	}
	resp := GetEpochResponse{Proof: proof}
	raw, err = resp.MarshalBinary()
	require.NoError(t, err)
	decoded, err = Decode(raw)
	require.NoError(t, err)
	gotResp := decoded.(*GetEpochResponse)
	require.Equal(t, proof.Header.StateVersion, gotResp.Proof.Header.StateVersion)
	require.Equal(t, proof.Validators[0], gotResp.Proof.Validators[0])
	require.Equal(t, proof.Signatures[0], gotResp.Proof.Signatures[0])
}

func TestSyncRoundTrip(t *testing.T) {
	req := SyncRequestMsg{StateVersion: 100, BatchSize: 10}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, req, *decoded.(*SyncRequestMsg))

	cmd := types.NewCommand([]byte("payload"))
	proof := LedgerProof{
		Header:       types.LedgerHeader{StateVersion: 110},
		VotedHeader:  types.BFTHeader{View: 12},
		ParentHeader: types.BFTHeader{View: 11},
		Validators:   []types.BFTNode{mustNode(t)},
		Signatures:   [][]byte{{4, 5, 6}},
	}
	resp := SyncResponseMsg{Commands: []types.Command{cmd}, Proof: proof}
	raw, err = resp.MarshalBinary()
	require.NoError(t, err)
	decoded, err = Decode(raw)
	require.NoError(t, err)
	gotResp := decoded.(*SyncResponseMsg)
	require.Equal(t, uint64(110), gotResp.Proof.Header.StateVersion)
	require.Equal(t, proof.VotedHeader.View, gotResp.Proof.VotedHeader.View)
	require.Equal(t, proof.Validators[0], gotResp.Proof.Validators[0])
	require.Equal(t, proof.Signatures[0], gotResp.Proof.Signatures[0])
	require.Len(t, gotResp.Commands, 1)
	require.Equal(t, cmd.ID(), gotResp.Commands[0].ID())
}

func TestDecodeRejectsUnknownTypeAndTruncation(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	require.Error(t, err)

	_, err = Decode([]byte{})
	require.Error(t, err)

	req := GetEpochRequest{Epoch: 1}
	raw, err := req.MarshalBinary()
	require.NoError(t, err)
	_, err = Decode(raw[:len(raw)-1])
	require.Error(t, err)
}
