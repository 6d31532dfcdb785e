// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the core BFT data model: nodes, views, epochs,
// validator sets, vertices, and the certificates that chain them together.
package types

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"sort"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/validators"
)

// View is a monotonically increasing round counter within an epoch. View 0
// is the epoch's genesis.
type View uint64

// Epoch is a monotonically increasing counter; each epoch has a fixed
// validator set.
type Epoch uint64

// BFTNode identifies a validator by its compressed secp256k1 public key.
// Equality is key equality.
type BFTNode struct {
	key [33]byte
}

// NewBFTNode wraps a compressed public key. The key must be exactly 33
// bytes (compressed secp256k1 encoding).
func NewBFTNode(compressedKey []byte) (BFTNode, error) {
	var n BFTNode
	if len(compressedKey) != len(n.key) {
		return BFTNode{}, fmt.Errorf("bftnode: compressed key must be %d bytes, got %d", len(n.key), len(compressedKey))
	}
	copy(n.key[:], compressedKey)
	return n, nil
}

// Bytes returns the compressed public key bytes.
func (n BFTNode) Bytes() []byte { return append([]byte(nil), n.key[:]...) }

// Equals reports whether two nodes carry the same key.
func (n BFTNode) Equals(o BFTNode) bool { return n.key == o.key }

// Less orders nodes by public-key byte order; used to break leader-election
// ties deterministically.
func (n BFTNode) Less(o BFTNode) bool { return bytes.Compare(n.key[:], o.key[:]) < 0 }

func (n BFTNode) String() string { return fmt.Sprintf("%x", n.key[:8]) }

// NodeID derives the network-facing identifier from the validator key,
// mirroring the teacher's practice of hashing a public key down to a
// 20-byte ids.NodeID.
func (n BFTNode) NodeID() ids.NodeID {
	h := sha256.Sum256(n.key[:])
	var id ids.NodeID
	copy(id[:], h[:20])
	return id
}

// Validator pairs a node with its voting power.
type Validator struct {
	Node  BFTNode
	Power *big.Int
}

// ValidatorSet is an ordered set of validators. Order is canonicalised by
// NewValidatorSet so that equality is order-independent and quorum
// computation is deterministic.
type ValidatorSet struct {
	validators []Validator
	total      *big.Int
}

// NewValidatorSet builds a canonical validator set, sorted by node key.
// Power values must be non-negative; the caller owns the *big.Int values.
func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("validator set: must contain at least one validator")
	}
	cp := make([]Validator, len(validators))
	copy(cp, validators)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Node.Less(cp[j].Node) })

	total := new(big.Int)
	seen := make(map[BFTNode]struct{}, len(cp))
	for _, v := range cp {
		if v.Power == nil || v.Power.Sign() < 0 {
			return nil, fmt.Errorf("validator set: power for %s must be non-negative", v.Node)
		}
		if _, dup := seen[v.Node]; dup {
			return nil, fmt.Errorf("validator set: duplicate validator %s", v.Node)
		}
		seen[v.Node] = struct{}{}
		total = total.Add(total, v.Power)
	}
	return &ValidatorSet{validators: cp, total: total}, nil
}

// Validators returns the canonical, sorted validator list. Callers must not
// mutate the returned slice.
func (vs *ValidatorSet) Validators() []Validator { return vs.validators }

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int { return len(vs.validators) }

// TotalPower returns the sum of all validator power.
func (vs *ValidatorSet) TotalPower() *big.Int { return new(big.Int).Set(vs.total) }

// QuorumThreshold returns ceil(2*total/3)+1, the Byzantine quorum power.
func (vs *ValidatorSet) QuorumThreshold() *big.Int {
	two := big.NewInt(2)
	three := big.NewInt(3)
	num := new(big.Int).Mul(vs.total, two)
	// ceil(num/3) = (num + 2) / 3
	num.Add(num, big.NewInt(2))
	q := new(big.Int).Div(num, three)
	return q.Add(q, big.NewInt(1))
}

// PowerOf returns the power of a validator, or nil if absent.
func (vs *ValidatorSet) PowerOf(n BFTNode) *big.Int {
	for _, v := range vs.validators {
		if v.Node.Equals(n) {
			return new(big.Int).Set(v.Power)
		}
	}
	return nil
}

// HasNode reports whether a node is a member of the set, keyed by its
// consensus (BFTNode) identity. Named apart from Has, which satisfies
// validators.Set's NodeID-keyed membership check below.
func (vs *ValidatorSet) HasNode(n BFTNode) bool { return vs.PowerOf(n) != nil }

// Has satisfies github.com/luxfi/validators.Set: membership keyed by the
// network-facing NodeID derived from a validator's consensus key, the form
// the teacher's validator-registry library and anything built against it
// (peer sampling, gossip fanout) expects.
func (vs *ValidatorSet) Has(id ids.NodeID) bool {
	for _, v := range vs.validators {
		if v.Node.NodeID() == id {
			return true
		}
	}
	return false
}

// List returns the set as validators.Validator values, satisfying
// validators.Set.
func (vs *ValidatorSet) List() []validators.Validator {
	out := make([]validators.Validator, len(vs.validators))
	for i, v := range vs.validators {
		out[i] = &validators.ValidatorImpl{NodeID: v.Node.NodeID(), LightVal: powerToLight(v.Power)}
	}
	return out
}

// Light returns the set's total power, clamped to uint64, the unit
// validators.Set reports weight in.
func (vs *ValidatorSet) Light() uint64 { return powerToLight(vs.total) }

// Sample draws size distinct validator NodeIDs uniformly at random,
// satisfying validators.Set for gossip-style fanout selection; the BFT
// protocol's own leader election (pacemaker.NextLeader) is a separate,
// deterministic draw and never goes through this method.
func (vs *ValidatorSet) Sample(size int) ([]ids.NodeID, error) {
	if size < 0 || size > len(vs.validators) {
		return nil, fmt.Errorf("validator set: cannot sample %d of %d validators", size, len(vs.validators))
	}
	perm := rand.Perm(len(vs.validators))
	out := make([]ids.NodeID, size)
	for i := 0; i < size; i++ {
		out[i] = vs.validators[perm[i]].Node.NodeID()
	}
	return out, nil
}

// powerToLight converts an arbitrary-precision stake power to the uint64
// weight unit validators.Set/Manager deal in, saturating rather than
// overflowing. BFT quorum math (QuorumThreshold, PowerOf) stays on *big.Int
// throughout; only this interface boundary narrows it.
func powerToLight(p *big.Int) uint64 {
	if p.IsUint64() {
		return p.Uint64()
	}
	return math.MaxUint64
}

var _ validators.Set = (*ValidatorSet)(nil)

// Equals reports order-independent equality of two validator sets.
func (vs *ValidatorSet) Equals(o *ValidatorSet) bool {
	if o == nil || len(vs.validators) != len(o.validators) {
		return false
	}
	for i, v := range vs.validators {
		ov := o.validators[i]
		if !v.Node.Equals(ov.Node) || v.Power.Cmp(ov.Power) != 0 {
			return false
		}
	}
	return true
}

// Command is an opaque client transaction plus its content-addressed id.
type Command struct {
	id    ids.ID
	bytes []byte
}

// NewCommand computes the double-SHA-256 id of the given bytes.
func NewCommand(b []byte) Command {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	var id ids.ID
	copy(id[:], second[:])
	return Command{id: id, bytes: append([]byte(nil), b...)}
}

// ID returns the command's 32-byte id.
func (c Command) ID() ids.ID { return c.id }

// Bytes returns the raw command payload.
func (c Command) Bytes() []byte { return c.bytes }

// LedgerHeader summarises the state of the ledger after a committed batch.
type LedgerHeader struct {
	Epoch             Epoch
	View              View
	StateVersion      uint64
	AccumulatorHash   [32]byte
	IsEndOfEpoch      bool
	NextValidatorSet  *ValidatorSet // set by the epoch-update transaction's header and by an epoch's genesis header; nil otherwise
	Timestamp         time.Time
}

// Equals performs a structural comparison (ignoring NextValidatorSet, which
// is derived data rather than part of the header's identity).
func (h LedgerHeader) Equals(o LedgerHeader) bool {
	return h.Epoch == o.Epoch &&
		h.View == o.View &&
		h.StateVersion == o.StateVersion &&
		h.AccumulatorHash == o.AccumulatorHash &&
		h.IsEndOfEpoch == o.IsEndOfEpoch
}

// Hash returns H(header) as used for ledger-proof signatures.
func (h LedgerHeader) Hash() [32]byte {
	var buf bytes.Buffer
	var tmp [8]byte
	putU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			tmp[i] = byte(v >> (56 - 8*i))
		}
		buf.Write(tmp[:])
	}
	putU64(uint64(h.Epoch))
	putU64(uint64(h.View))
	putU64(h.StateVersion)
	buf.Write(h.AccumulatorHash[:])
	if h.IsEndOfEpoch {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return sha256.Sum256(buf.Bytes())
}

// AccumulatorStep folds one or more committed command ids into the running
// accumulator hash: `H(prev || cmdId_1 || … || cmdId_k)` (spec.md I3),
// using the same double-SHA-256 construction as command/vertex ids.
func AccumulatorStep(prev [32]byte, cmdIDs ...ids.ID) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	for _, id := range cmdIDs {
		buf.Write(id[:])
	}
	first := sha256.Sum256(buf.Bytes())
	return sha256.Sum256(first[:])
}

// BFTHeader is the header voted on by consensus: a view, the vertex it
// identifies, and the ledger header it would produce if committed.
type BFTHeader struct {
	View         View
	VertexID     ids.ID
	LedgerHeader LedgerHeader
}

func (h BFTHeader) Equals(o BFTHeader) bool {
	return h.View == o.View && h.VertexID == o.VertexID && h.LedgerHeader.Equals(o.LedgerHeader)
}

// Vertex is a block in the BFT chain: a QC on its parent, a view, an
// optional command, and the proposer that authored it. A vertex without a
// command is "empty" — a timeout fallback that still advances the view.
type Vertex struct {
	QC       *QuorumCertificate
	View     View
	Command  *Command // nil for an empty (timeout) vertex
	Proposer BFTNode
	ParentID ids.ID
}

// ID is the content hash of the vertex, used as its identity in the vertex
// store and as the VertexID embedded in headers voted on.
func (v Vertex) ID() ids.ID {
	var buf bytes.Buffer
	buf.Write(v.ParentID[:])
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(uint64(v.View) >> (56 - 8*i))
	}
	buf.Write(tmp[:])
	buf.Write(v.Proposer.Bytes())
	if v.Command != nil {
		cid := v.Command.ID()
		buf.Write(cid[:])
	}
	if v.QC != nil {
		qh := v.QC.Hash()
		buf.Write(qh[:])
	}
	h := sha256.Sum256(buf.Bytes())
	var id ids.ID
	copy(id[:], h[:])
	return id
}

// IsEmpty reports whether the vertex carries no command (a timeout
// fallback vertex).
func (v Vertex) IsEmpty() bool { return v.Command == nil }

// AggregateSignature is a QC/TC's proof of a quorum of votes: a bitmap of
// which validators (indexed into the canonical, sorted ValidatorSet at the
// time of signing) contributed, and the concatenation of their individual
// ECDSA signatures in the same order as set bits in the bitmap. This
// resolves the Open Question in spec.md on wire layout: sorted-index
// bitmap, not a plain list of (key, sig) pairs, so that signer sets compare
// byte-for-byte equal when constructed from the same validator set.
type AggregateSignature struct {
	Bitmap     []byte // one bit per validator index, LSB-first within each byte
	Signatures [][]byte
}

// QuorumCertificate proves a super-majority voted for VotedHeader.
// CommittedHeader is present exactly when the QC forms a 3-chain commit.
type QuorumCertificate struct {
	VotedHeader      BFTHeader
	ParentHeader     BFTHeader
	CommittedHeader  *LedgerHeader
	Signature        AggregateSignature
}

// Hash returns a deterministic digest of the QC's voted data, used as a
// component of vertex/header identity and as the signed payload for votes.
func (qc QuorumCertificate) Hash() [32]byte {
	vh := qc.VotedHeader.LedgerHeader.Hash()
	ph := qc.ParentHeader.LedgerHeader.Hash()
	var buf bytes.Buffer
	buf.Write(vh[:])
	buf.Write(ph[:])
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(uint64(qc.VotedHeader.View) >> (56 - 8*i))
	}
	buf.Write(tmp[:])
	return sha256.Sum256(buf.Bytes())
}

// TimeoutCertificate proves a super-majority timed out at View, carrying
// the highest QC each signer had observed.
type TimeoutCertificate struct {
	Epoch     Epoch
	View      View
	HighQCs   []QuorumCertificate // one per distinct QC observed among signers, highest first
	Signature AggregateSignature
}

// HighestQC returns the highest-view QC carried by the TC.
func (tc TimeoutCertificate) HighestQC() *QuorumCertificate {
	if len(tc.HighQCs) == 0 {
		return nil
	}
	best := tc.HighQCs[0]
	for _, qc := range tc.HighQCs[1:] {
		if qc.VotedHeader.View > best.VotedHeader.View {
			best = qc
		}
	}
	return &best
}

// VoteData is the payload a Vote signs: the same triple a QC commits to.
type VoteData struct {
	VotedHeader     BFTHeader
	ParentHeader    BFTHeader
	CommittedHeader *LedgerHeader
}

// Hash returns the digest signed by a vote over this data. Mirrors
// QuorumCertificate.Hash so that an accumulated quorum of vote signatures
// verifies against the same payload the resulting QC commits to.
// CommittedHeader is deliberately excluded: a voter cannot know whether its
// vote will complete a 3-chain, so it is never part of the signed payload —
// the committing QC derives CommittedHeader afterward, from chain structure
// that every correct replica can verify independently.
func (vd VoteData) Hash() [32]byte {
	vh := vd.VotedHeader.LedgerHeader.Hash()
	ph := vd.ParentHeader.LedgerHeader.Hash()
	var buf bytes.Buffer
	buf.Write(vh[:])
	buf.Write(ph[:])
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(uint64(vd.VotedHeader.View) >> (56 - 8*i))
	}
	buf.Write(tmp[:])
	return sha256.Sum256(buf.Bytes())
}

// Vote is a single validator's endorsement of a header, optionally carrying
// a timeout signature when cast during a pacemaker timeout.
type Vote struct {
	Data         VoteData
	TimeoutSig   []byte // non-nil iff cast during a timeout
	HighQC       *QuorumCertificate // the voter's highQC, carried on timeout votes
	Voter        BFTNode
	Signature    []byte
}

// IsTimeout reports whether this vote was cast as part of a timeout.
func (v Vote) IsTimeout() bool { return v.TimeoutSig != nil }
