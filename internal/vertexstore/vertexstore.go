// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vertexstore holds the uncommitted BFT vertex tree rooted at the
// last committed vertex (spec.md §4.2).
package vertexstore

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/MRumpold/radixdlt/internal/types"
)

// ErrMissingParent is returned by InsertVertex when the vertex's parent is
// not present in the store.
var ErrMissingParent = errors.New("vertexstore: missing parent")

// LedgerRejected wraps an error returned by LedgerPreparer.Prepare. Per
// spec.md §4.4's failure semantics, a rejected command does not fail the
// view: the caller is expected to retry InsertVertex with the command
// stripped (an "empty" vertex that still advances the view) rather than
// treat this the way ErrMissingParent is treated.
type LedgerRejected struct{ Err error }

func (e *LedgerRejected) Error() string { return fmt.Sprintf("ledger rejected vertex: %v", e.Err) }
func (e *LedgerRejected) Unwrap() error { return e.Err }

// LedgerPreparer runs Ledger.prepare (spec.md §4.4) on a candidate vertex,
// a pure computation of what committing it would produce.
type LedgerPreparer interface {
	Prepare(v types.Vertex) (types.LedgerHeader, error)
}

// Committer receives vertices in chain order as they are pruned off the
// tree by a commit (spec.md §4.2's "emits committed vertices ... to the
// ledger").
type Committer interface {
	Commit(vertices []types.Vertex, proof types.LedgerHeader) error
}

type node struct {
	vertex   types.Vertex
	header   types.BFTHeader
	children []ids.ID
}

// VertexStore is the append-only tree of uncommitted vertices.
type VertexStore struct {
	log log.Logger

	nodes map[ids.ID]*node
	root  types.Vertex
	rootQC types.QuorumCertificate

	highQC          *types.QuorumCertificate
	highCommittedQC *types.QuorumCertificate

	indirectParentInsertions int

	ledger    LedgerPreparer
	committer Committer
}

// New builds a VertexStore rooted at rootVertex, verifying
// rootQC.VotedHeader.VertexID == rootVertex.ID() per spec.md §4.2.
func New(logger log.Logger, ledger LedgerPreparer, committer Committer, rootVertex types.Vertex, rootQC types.QuorumCertificate) (*VertexStore, error) {
	vs := &VertexStore{
		log:       logger,
		nodes:     make(map[ids.ID]*node),
		ledger:    ledger,
		committer: committer,
	}
	if rootQC.VotedHeader.VertexID != rootVertex.ID() {
		return nil, fmt.Errorf("vertexstore: rootQC vertex %s does not reference root %s", rootQC.VotedHeader.VertexID, rootVertex.ID())
	}
	if err := vs.rebuild(rootVertex, rootQC, nil); err != nil {
		return nil, err
	}
	return vs, nil
}

// rebuild installs a new root, optionally replaying a path of vertices on
// top of it (used after sync catch-up). rootCommitQC, if it carries a
// committed header, must reference rootVertex; otherwise the root must be
// the epoch genesis view and rootQC must equal rootCommitQC, per spec.md
// §4.2's rebuild invariant.
func (vs *VertexStore) rebuild(rootVertex types.Vertex, rootCommitQC types.QuorumCertificate, path []types.Vertex) error {
	rootID := rootVertex.ID()
	if rootCommitQC.CommittedHeader != nil {
		if rootCommitQC.VotedHeader.VertexID != rootID {
			return fmt.Errorf("vertexstore: rebuild: committed QC vertex %s does not reference root %s", rootCommitQC.VotedHeader.VertexID, rootID)
		}
	} else {
		if rootVertex.View != 0 {
			return fmt.Errorf("vertexstore: rebuild: root must be genesis view when rootQC carries no commit, got view %d", rootVertex.View)
		}
	}

	vs.nodes = make(map[ids.ID]*node)
	vs.root = rootVertex
	vs.rootQC = rootCommitQC
	vs.nodes[rootID] = &node{vertex: rootVertex, header: types.BFTHeader{
		View:         rootVertex.View,
		VertexID:     rootID,
		LedgerHeader: rootCommitQC.VotedHeader.LedgerHeader,
	}}
	vs.highQC = &rootCommitQC
	vs.highCommittedQC = &rootCommitQC

	for _, v := range path {
		if _, err := vs.InsertVertex(v); err != nil {
			return fmt.Errorf("vertexstore: rebuild: replay vertex %s: %w", v.ID(), err)
		}
	}
	return nil
}

// Reset re-roots the store at rootVertex, optionally replaying path on top
// of it. Used at an epoch boundary (new genesis, empty path) and after sync
// catch-up (the fetched chain as path) — both cases rebuild the tree from
// scratch rather than trying to reconcile it incrementally.
func (vs *VertexStore) Reset(rootVertex types.Vertex, rootCommitQC types.QuorumCertificate, path []types.Vertex) error {
	return vs.rebuild(rootVertex, rootCommitQC, path)
}

// InsertVertex runs Ledger.prepare, stores v, and returns the resulting
// header. Fails with ErrMissingParent if v.ParentID is not present.
func (vs *VertexStore) InsertVertex(v types.Vertex) (types.BFTHeader, error) {
	parent, ok := vs.nodes[v.ParentID]
	if !ok {
		return types.BFTHeader{}, ErrMissingParent
	}

	header, err := vs.ledger.Prepare(v)
	if err != nil {
		return types.BFTHeader{}, &LedgerRejected{Err: fmt.Errorf("vertex %s: %w", v.ID(), err)}
	}

	id := v.ID()
	if n, exists := vs.nodes[id]; exists {
		return n.header, nil
	}

	if !vs.isDirectChildInsertion(v) {
		vs.indirectParentInsertions++
	}

	bh := types.BFTHeader{View: v.View, VertexID: id, LedgerHeader: header}
	vs.nodes[id] = &node{vertex: v, header: bh}
	parent.children = append(parent.children, id)

	return bh, nil
}

// GetHeader returns the BFTHeader produced by the vertex's Ledger.prepare
// call, as recorded at insertion time.
func (vs *VertexStore) GetHeader(id ids.ID) (types.BFTHeader, bool) {
	n, ok := vs.nodes[id]
	if !ok {
		return types.BFTHeader{}, false
	}
	return n.header, true
}

// isDirectChildInsertion reports whether v's parent is the current root or
// any vertex already in the store. InsertVertex calls it only after finding
// the parent in the store, so there it always reports true and the
// indirect-parent-insertion counter never increases; it does not gate
// correctness.
func (vs *VertexStore) isDirectChildInsertion(v types.Vertex) bool {
	return v.ParentID == vs.root.ID() || vs.nodes[v.ParentID] != nil
}

// IndirectParentInsertions returns the indirect-parent-insertion counter,
// exposed for telemetry. InsertVertex never increments it (see
// isDirectChildInsertion), so it reports 0.
func (vs *VertexStore) IndirectParentInsertions() int { return vs.indirectParentInsertions }

// AddQC records a QC, updating highQC/highCommittedQC. Returns false if the
// QC's proposed vertex is not present in the store.
func (vs *VertexStore) AddQC(qc types.QuorumCertificate) bool {
	if _, ok := vs.nodes[qc.VotedHeader.VertexID]; !ok {
		return false
	}
	if vs.highQC == nil || qc.VotedHeader.View > vs.highQC.VotedHeader.View {
		vs.highQC = &qc
	}
	if qc.CommittedHeader != nil && (vs.highCommittedQC == nil || qc.VotedHeader.View > vs.highCommittedQC.VotedHeader.View) {
		vs.highCommittedQC = &qc
	}
	return true
}

// HighQC returns the highest-view QC observed.
func (vs *VertexStore) HighQC() *types.QuorumCertificate { return vs.highQC }

// HighCommittedQC returns the highest-view QC carrying a committed header.
func (vs *VertexStore) HighCommittedQC() *types.QuorumCertificate { return vs.highCommittedQC }

// Root returns the current root vertex (the last committed vertex).
func (vs *VertexStore) Root() types.Vertex { return vs.root }

// GetVertex looks up a vertex by id.
func (vs *VertexStore) GetVertex(id ids.ID) (types.Vertex, bool) {
	n, ok := vs.nodes[id]
	if !ok {
		return types.Vertex{}, false
	}
	return n.vertex, true
}

// GetPathFromRoot returns the chain of vertices from (excluding) the root
// to (including) vertexID, used to answer sync requests per spec.md §4.2.
func (vs *VertexStore) GetPathFromRoot(vertexID ids.ID) ([]types.Vertex, error) {
	var path []types.Vertex
	cur := vertexID
	rootID := vs.root.ID()
	for cur != rootID {
		n, ok := vs.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("vertexstore: vertex %s not present", cur)
		}
		path = append([]types.Vertex{n.vertex}, path...)
		cur = n.vertex.ParentID
	}
	return path, nil
}

// GetVertices returns up to count vertices walking backward from tipID
// toward the root, for GetVerticesResponse (spec.md §6).
func (vs *VertexStore) GetVertices(tipID ids.ID, count int) ([]types.Vertex, error) {
	var out []types.Vertex
	cur := tipID
	rootID := vs.root.ID()
	for len(out) < count {
		n, ok := vs.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("vertexstore: vertex %s not present", cur)
		}
		out = append(out, n.vertex)
		if cur == rootID {
			break
		}
		cur = n.vertex.ParentID
	}
	return out, nil
}

// Commit prunes the tree to the vertex identified by header.VertexID and
// feeds the committed path to the ledger in chain order. Refuses if
// header.View <= root.View. Implements spec.md §4.2/§4.3's commit rule.
func (vs *VertexStore) Commit(header types.BFTHeader, proof types.LedgerHeader) (*types.Vertex, error) {
	if header.View <= vs.root.View {
		return nil, fmt.Errorf("vertexstore: commit view %d not past root view %d", header.View, vs.root.View)
	}

	path, err := vs.GetPathFromRoot(header.VertexID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("vertexstore: commit target %s is the current root", header.VertexID)
	}

	if err := vs.committer.Commit(path, proof); err != nil {
		return nil, fmt.Errorf("vertexstore: commit: %w", err)
	}

	newRoot := path[len(path)-1]
	vs.pruneToTip(newRoot.ID())
	vs.root = newRoot

	vs.log.Debug("committed", log.Uint64("view", uint64(header.View)), log.Int("chainLen", len(path)))
	return &newRoot, nil
}

// pruneToTip discards every vertex not reachable from newRootID, i.e. every
// sibling branch that lost the race to be committed.
func (vs *VertexStore) pruneToTip(newRootID ids.ID) {
	keep := make(map[ids.ID]bool)
	var mark func(id ids.ID)
	mark = func(id ids.ID) {
		if keep[id] {
			return
		}
		keep[id] = true
		if n, ok := vs.nodes[id]; ok {
			for _, c := range n.children {
				mark(c)
			}
		}
	}
	mark(newRootID)

	for id := range vs.nodes {
		if !keep[id] {
			delete(vs.nodes, id)
		}
	}
}
