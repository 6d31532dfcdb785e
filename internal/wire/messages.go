// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/types"
)

// typeByte tags every wire message's first byte, per spec.md §6.
type typeByte byte

const (
	typeProposal typeByte = iota + 1
	typeVote
	typeGetVerticesRequest
	typeGetVerticesResponse
	typeGetEpochRequest
	typeGetEpochResponse
	typeSyncRequest
	typeSyncResponse
)

// --- shared substructure codecs ---

func writeLedgerHeader(w *writer, h types.LedgerHeader) {
	w.u64(uint64(h.Epoch))
	w.u64(uint64(h.View))
	w.u64(h.StateVersion)
	w.buf.Write(h.AccumulatorHash[:])
	w.boolField(h.IsEndOfEpoch)
	w.u64(uint64(h.Timestamp.UnixNano()))
	writeOptionalValidatorSet(w, h.NextValidatorSet)
}

func readLedgerHeader(r *reader) (types.LedgerHeader, error) {
	var h types.LedgerHeader
	epoch, err := r.u64()
	if err != nil {
		return h, err
	}
	view, err := r.u64()
	if err != nil {
		return h, err
	}
	sv, err := r.u64()
	if err != nil {
		return h, err
	}
	accum, err := r.bytesFixed(32)
	if err != nil {
		return h, err
	}
	eoe, err := r.boolField()
	if err != nil {
		return h, err
	}
	ts, err := r.u64()
	if err != nil {
		return h, err
	}
	nvs, err := readOptionalValidatorSet(r)
	if err != nil {
		return h, err
	}
	h.Epoch = types.Epoch(epoch)
	h.View = types.View(view)
	h.StateVersion = sv
	copy(h.AccumulatorHash[:], accum)
	h.IsEndOfEpoch = eoe
	h.Timestamp = time.Unix(0, int64(ts)).UTC()
	h.NextValidatorSet = nvs
	return h, nil
}

func writeOptionalValidatorSet(w *writer, vs *types.ValidatorSet) {
	if vs == nil {
		w.u32(0)
		return
	}
	validators := vs.Validators()
	w.u32(uint32(len(validators)))
	for _, v := range validators {
		w.node(v.Node)
		w.bytesField(v.Power.Bytes())
	}
}

func readOptionalValidatorSet(r *reader) (*types.ValidatorSet, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	validators := make([]types.Validator, n)
	for i := range validators {
		node, err := r.node()
		if err != nil {
			return nil, err
		}
		powerBytes, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		validators[i] = types.Validator{Node: node, Power: new(big.Int).SetBytes(powerBytes)}
	}
	return types.NewValidatorSet(validators)
}

func writeBFTHeader(w *writer, h types.BFTHeader) {
	w.u64(uint64(h.View))
	w.id(h.VertexID)
	writeLedgerHeader(w, h.LedgerHeader)
}

func readBFTHeader(r *reader) (types.BFTHeader, error) {
	var h types.BFTHeader
	view, err := r.u64()
	if err != nil {
		return h, err
	}
	vid, err := r.id()
	if err != nil {
		return h, err
	}
	lh, err := readLedgerHeader(r)
	if err != nil {
		return h, err
	}
	h.View = types.View(view)
	h.VertexID = vid
	h.LedgerHeader = lh
	return h, nil
}

func writeAggregateSignature(w *writer, s types.AggregateSignature) {
	w.bytesField(s.Bitmap)
	w.u32(uint32(len(s.Signatures)))
	for _, sig := range s.Signatures {
		w.bytesField(sig)
	}
}

func readAggregateSignature(r *reader) (types.AggregateSignature, error) {
	var s types.AggregateSignature
	bitmap, err := r.bytesField()
	if err != nil {
		return s, err
	}
	n, err := r.u32()
	if err != nil {
		return s, err
	}
	sigs := make([][]byte, n)
	for i := range sigs {
		sigs[i], err = r.bytesField()
		if err != nil {
			return s, err
		}
	}
	s.Bitmap = bitmap
	s.Signatures = sigs
	return s, nil
}

func writeOptionalLedgerHeader(w *writer, h *types.LedgerHeader) {
	w.boolField(h != nil)
	if h != nil {
		writeLedgerHeader(w, *h)
	}
}

func readOptionalLedgerHeader(r *reader) (*types.LedgerHeader, error) {
	present, err := r.boolField()
	if err != nil || !present {
		return nil, err
	}
	h, err := readLedgerHeader(r)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func writeQC(w *writer, qc *types.QuorumCertificate) {
	w.boolField(qc != nil)
	if qc == nil {
		return
	}
	writeBFTHeader(w, qc.VotedHeader)
	writeBFTHeader(w, qc.ParentHeader)
	writeOptionalLedgerHeader(w, qc.CommittedHeader)
	writeAggregateSignature(w, qc.Signature)
}

func readQC(r *reader) (*types.QuorumCertificate, error) {
	present, err := r.boolField()
	if err != nil || !present {
		return nil, err
	}
	voted, err := readBFTHeader(r)
	if err != nil {
		return nil, err
	}
	parent, err := readBFTHeader(r)
	if err != nil {
		return nil, err
	}
	committed, err := readOptionalLedgerHeader(r)
	if err != nil {
		return nil, err
	}
	sig, err := readAggregateSignature(r)
	if err != nil {
		return nil, err
	}
	return &types.QuorumCertificate{VotedHeader: voted, ParentHeader: parent, CommittedHeader: committed, Signature: sig}, nil
}

func writeTC(w *writer, tc *types.TimeoutCertificate) {
	w.boolField(tc != nil)
	if tc == nil {
		return
	}
	w.u64(uint64(tc.Epoch))
	w.u64(uint64(tc.View))
	w.u32(uint32(len(tc.HighQCs)))
	for i := range tc.HighQCs {
		writeQC(w, &tc.HighQCs[i])
	}
	writeAggregateSignature(w, tc.Signature)
}

func readTC(r *reader) (*types.TimeoutCertificate, error) {
	present, err := r.boolField()
	if err != nil || !present {
		return nil, err
	}
	epoch, err := r.u64()
	if err != nil {
		return nil, err
	}
	view, err := r.u64()
	if err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	qcs := make([]types.QuorumCertificate, n)
	for i := range qcs {
		qc, err := readQC(r)
		if err != nil {
			return nil, err
		}
		if qc != nil {
			qcs[i] = *qc
		}
	}
	sig, err := readAggregateSignature(r)
	if err != nil {
		return nil, err
	}
	return &types.TimeoutCertificate{Epoch: types.Epoch(epoch), View: types.View(view), HighQCs: qcs, Signature: sig}, nil
}

func writeCommand(w *writer, c *types.Command) {
	w.boolField(c != nil)
	if c != nil {
		w.bytesField(c.Bytes())
	}
}

func readCommand(r *reader) (*types.Command, error) {
	present, err := r.boolField()
	if err != nil || !present {
		return nil, err
	}
	b, err := r.bytesField()
	if err != nil {
		return nil, err
	}
	cmd := types.NewCommand(b)
	return &cmd, nil
}

func writeVertex(w *writer, v types.Vertex) {
	writeQC(w, v.QC)
	w.u64(uint64(v.View))
	writeCommand(w, v.Command)
	w.node(v.Proposer)
	w.id(v.ParentID)
}

func readVertex(r *reader) (types.Vertex, error) {
	var v types.Vertex
	qc, err := readQC(r)
	if err != nil {
		return v, err
	}
	view, err := r.u64()
	if err != nil {
		return v, err
	}
	cmd, err := readCommand(r)
	if err != nil {
		return v, err
	}
	proposer, err := r.node()
	if err != nil {
		return v, err
	}
	parentID, err := r.id()
	if err != nil {
		return v, err
	}
	v.QC = qc
	v.View = types.View(view)
	v.Command = cmd
	v.Proposer = proposer
	v.ParentID = parentID
	return v, nil
}

func writeVoteData(w *writer, vd types.VoteData) {
	writeBFTHeader(w, vd.VotedHeader)
	writeBFTHeader(w, vd.ParentHeader)
	writeOptionalLedgerHeader(w, vd.CommittedHeader)
}

func readVoteData(r *reader) (types.VoteData, error) {
	var vd types.VoteData
	voted, err := readBFTHeader(r)
	if err != nil {
		return vd, err
	}
	parent, err := readBFTHeader(r)
	if err != nil {
		return vd, err
	}
	committed, err := readOptionalLedgerHeader(r)
	if err != nil {
		return vd, err
	}
	vd.VotedHeader = voted
	vd.ParentHeader = parent
	vd.CommittedHeader = committed
	return vd, nil
}

func writeVote(w *writer, v types.Vote) {
	writeVoteData(w, v.Data)
	w.bytesField(v.TimeoutSig)
	writeQC(w, v.HighQC)
	w.node(v.Voter)
	w.bytesField(v.Signature)
}

func readVote(r *reader) (types.Vote, error) {
	var v types.Vote
	data, err := readVoteData(r)
	if err != nil {
		return v, err
	}
	timeoutSig, err := r.bytesField()
	if err != nil {
		return v, err
	}
	highQC, err := readQC(r)
	if err != nil {
		return v, err
	}
	voter, err := r.node()
	if err != nil {
		return v, err
	}
	sig, err := r.bytesField()
	if err != nil {
		return v, err
	}
	v.Data = data
	if len(timeoutSig) > 0 {
		v.TimeoutSig = timeoutSig
	}
	v.HighQC = highQC
	v.Voter = voter
	v.Signature = sig
	return v, nil
}

// LedgerProof is the wire proof of a ledger header: the header plus the
// signatures of the validators attesting to it (spec.md §6: "{ header,
// signatures_by_validator_key }"), kept as parallel slices rather than a
// map so the encoding is deterministic. VotedHeader/ParentHeader are the
// QC's own fields, carried alongside Header (its CommittedHeader) because
// a validator's signature commits to types.VoteData{VotedHeader,
// ParentHeader}.Hash(), not to Header directly — a verifier needs them to
// recompute the payload the signatures actually cover.
type LedgerProof struct {
	Header       types.LedgerHeader
	VotedHeader  types.BFTHeader
	ParentHeader types.BFTHeader
	Validators   []types.BFTNode
	Signatures   [][]byte
}

func writeLedgerProof(w *writer, p LedgerProof) {
	writeLedgerHeader(w, p.Header)
	writeBFTHeader(w, p.VotedHeader)
	writeBFTHeader(w, p.ParentHeader)
	w.u32(uint32(len(p.Validators)))
	for i, v := range p.Validators {
		w.node(v)
		w.bytesField(p.Signatures[i])
	}
}

func readLedgerProof(r *reader) (LedgerProof, error) {
	var p LedgerProof
	h, err := readLedgerHeader(r)
	if err != nil {
		return p, err
	}
	voted, err := readBFTHeader(r)
	if err != nil {
		return p, err
	}
	parent, err := readBFTHeader(r)
	if err != nil {
		return p, err
	}
	n, err := r.u32()
	if err != nil {
		return p, err
	}
	p.Header = h
	p.VotedHeader = voted
	p.ParentHeader = parent
	p.Validators = make([]types.BFTNode, n)
	p.Signatures = make([][]byte, n)
	for i := 0; i < int(n); i++ {
		node, err := r.node()
		if err != nil {
			return p, err
		}
		sig, err := r.bytesField()
		if err != nil {
			return p, err
		}
		p.Validators[i] = node
		p.Signatures[i] = sig
	}
	return p, nil
}

// --- top-level messages ---

// Proposal carries a leader's proposed vertex, the QC it extends, and the
// view it was proposed for (spec.md §6).
type Proposal struct {
	View types.View
	QC   types.QuorumCertificate
	Vertex types.Vertex
}

// MessageEpoch implements epoch.EpochTagged, reading the epoch stamped on
// the ledger header of the QC's voted header (the parent the proposal
// extends); the vertex itself carries no ledger header.
func (p Proposal) MessageEpoch() types.Epoch { return p.QC.VotedHeader.LedgerHeader.Epoch }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Proposal) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeProposal))
	w.u64(uint64(p.View))
	writeBFTHeader(w, p.QC.VotedHeader)
	writeBFTHeader(w, p.QC.ParentHeader)
	writeOptionalLedgerHeader(w, p.QC.CommittedHeader)
	writeAggregateSignature(w, p.QC.Signature)
	writeVertex(w, p.Vertex)
	return w.bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. body excludes the
// leading type byte (stripped by Decode).
func (p *Proposal) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	view, err := r.u64()
	if err != nil {
		return err
	}
	voted, err := readBFTHeader(r)
	if err != nil {
		return err
	}
	parent, err := readBFTHeader(r)
	if err != nil {
		return err
	}
	committed, err := readOptionalLedgerHeader(r)
	if err != nil {
		return err
	}
	sig, err := readAggregateSignature(r)
	if err != nil {
		return err
	}
	vertex, err := readVertex(r)
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	p.View = types.View(view)
	p.QC = types.QuorumCertificate{VotedHeader: voted, ParentHeader: parent, CommittedHeader: committed, Signature: sig}
	p.Vertex = vertex
	return nil
}

// VoteMsg wraps a cast vote for the wire, per spec.md §6's `Vote
// { voteData, timeoutSig?, author, signature }`.
type VoteMsg struct {
	Vote types.Vote
}

// MessageEpoch implements epoch.EpochTagged.
func (m VoteMsg) MessageEpoch() types.Epoch { return m.Vote.Data.VotedHeader.LedgerHeader.Epoch }

func (m VoteMsg) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeVote))
	writeVote(w, m.Vote)
	return w.bytes(), nil
}

func (m *VoteMsg) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	v, err := readVote(r)
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.Vote = v
	return nil
}

// GetVerticesRequest asks a peer for up to Count vertices walking back
// from TipID (spec.md §6).
type GetVerticesRequest struct {
	TipID ids.ID
	Count int
}

func (m GetVerticesRequest) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeGetVerticesRequest))
	w.id(m.TipID)
	w.u64(uint64(m.Count))
	return w.bytes(), nil
}

func (m *GetVerticesRequest) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	tip, err := r.id()
	if err != nil {
		return err
	}
	count, err := r.u64()
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.TipID = tip
	m.Count = int(count)
	return nil
}

// GetVerticesResponse answers a GetVerticesRequest (spec.md §6).
type GetVerticesResponse struct {
	Vertices []types.Vertex
}

func (m GetVerticesResponse) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeGetVerticesResponse))
	w.u32(uint32(len(m.Vertices)))
	for _, v := range m.Vertices {
		writeVertex(w, v)
	}
	return w.bytes(), nil
}

func (m *GetVerticesResponse) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return err
	}
	vertices := make([]types.Vertex, n)
	for i := range vertices {
		vertices[i], err = readVertex(r)
		if err != nil {
			return err
		}
	}
	if err := r.done(); err != nil {
		return err
	}
	m.Vertices = vertices
	return nil
}

// GetEpochRequest asks a peer for the ledger proof at an epoch's start
// (spec.md §6).
type GetEpochRequest struct {
	Epoch types.Epoch
}

func (m GetEpochRequest) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeGetEpochRequest))
	w.u64(uint64(m.Epoch))
	return w.bytes(), nil
}

func (m *GetEpochRequest) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	e, err := r.u64()
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.Epoch = types.Epoch(e)
	return nil
}

// GetEpochResponse answers a GetEpochRequest with a signed proof (spec.md §6).
type GetEpochResponse struct {
	Proof LedgerProof
}

func (m GetEpochResponse) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeGetEpochResponse))
	writeLedgerProof(w, m.Proof)
	return w.bytes(), nil
}

func (m *GetEpochResponse) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	p, err := readLedgerProof(r)
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.Proof = p
	return nil
}

// SyncRequestMsg is the wire form of a sync batch request (spec.md §6:
// `SyncRequest { stateVersion }`; batchSize is carried too since the
// requester, not the config default, determines how much it can absorb).
type SyncRequestMsg struct {
	StateVersion uint64
	BatchSize    int
}

func (m SyncRequestMsg) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeSyncRequest))
	w.u64(m.StateVersion)
	w.u64(uint64(m.BatchSize))
	return w.bytes(), nil
}

func (m *SyncRequestMsg) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	sv, err := r.u64()
	if err != nil {
		return err
	}
	bs, err := r.u64()
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.StateVersion = sv
	m.BatchSize = int(bs)
	return nil
}

// SyncResponseMsg answers a SyncRequestMsg with the committed commands and
// their signed proof (spec.md §6: `SyncResponse { commands, proof }`, where
// proof is the same "{ header, signatures_by_validator_key }" shape
// GetEpochResponse carries, not a bare header).
type SyncResponseMsg struct {
	Commands []types.Command
	Proof    LedgerProof
}

func (m SyncResponseMsg) MarshalBinary() ([]byte, error) {
	w := &writer{}
	w.buf.WriteByte(byte(typeSyncResponse))
	w.u32(uint32(len(m.Commands)))
	for _, c := range m.Commands {
		w.bytesField(c.Bytes())
	}
	writeLedgerProof(w, m.Proof)
	return w.bytes(), nil
}

func (m *SyncResponseMsg) UnmarshalBinary(body []byte) error {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return err
	}
	commands := make([]types.Command, n)
	for i := range commands {
		b, err := r.bytesField()
		if err != nil {
			return err
		}
		commands[i] = types.NewCommand(b)
	}
	proof, err := readLedgerProof(r)
	if err != nil {
		return err
	}
	if err := r.done(); err != nil {
		return err
	}
	m.Commands = commands
	m.Proof = proof
	return nil
}

// Decode dispatches on the leading type byte and returns the concrete
// message value (one of the types above) boxed as an interface{}, leaving
// type-switch dispatch to the caller (the dispatcher's inbound handler).
func Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wire: empty message")
	}
	body := data[1:]
	switch typeByte(data[0]) {
	case typeProposal:
		var m Proposal
		return &m, m.UnmarshalBinary(body)
	case typeVote:
		var m VoteMsg
		return &m, m.UnmarshalBinary(body)
	case typeGetVerticesRequest:
		var m GetVerticesRequest
		return &m, m.UnmarshalBinary(body)
	case typeGetVerticesResponse:
		var m GetVerticesResponse
		return &m, m.UnmarshalBinary(body)
	case typeGetEpochRequest:
		var m GetEpochRequest
		return &m, m.UnmarshalBinary(body)
	case typeGetEpochResponse:
		var m GetEpochResponse
		return &m, m.UnmarshalBinary(body)
	case typeSyncRequest:
		var m SyncRequestMsg
		return &m, m.UnmarshalBinary(body)
	case typeSyncResponse:
		var m SyncResponseMsg
		return &m, m.UnmarshalBinary(body)
	default:
		return nil, fmt.Errorf("wire: unknown message type byte %d", data[0])
	}
}
