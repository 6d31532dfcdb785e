// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"fmt"
	"sync"

	"github.com/MRumpold/radixdlt/internal/dispatcher"
	"github.com/MRumpold/radixdlt/internal/types"
)

// LoopbackNetwork wires a set of in-process Nodes together by direct
// function call, the way the teacher's MockNetwork
// (example/pq_engine/pq_engine.go) stands in for a real wire transport in
// local simulation and tests. Wire transports (TCP/UDP framing, peer
// discovery, NAT traversal) are out of scope per spec.md §1; this is the
// one "out of scope" edge SPEC_FULL.md §1 lists among the external
// collaborators, kept
// here only because cmd/radix-node's devnet subcommand and the end-to-end
// tests need some concrete Transport to exercise the dispatcher against.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	peers map[types.BFTNode]*Node
}

// NewLoopbackNetwork returns an empty registry.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{peers: make(map[types.BFTNode]*Node)}
}

// Register associates n's identity with n so other peers' sends reach it.
// Must be called once n has been built (its Self() is known) and before
// any peer sends to it.
func (l *LoopbackNetwork) Register(n *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[n.Self()] = n
}

// For returns a Transport bound to sender, suitable as node.Config.Transport.
func (l *LoopbackNetwork) For(sender types.BFTNode) dispatcher.Transport {
	return &loopbackTransport{net: l, from: sender}
}

type loopbackTransport struct {
	net  *LoopbackNetwork
	from types.BFTNode
}

// Send delivers data to the peer registered as to, synchronously and on
// the caller's goroutine — the dispatcher's own outbound drain goroutine,
// never the receiving node's event loop, so this never re-enters a
// different node's single-writer state from the wrong goroutine.
func (t *loopbackTransport) Send(to types.BFTNode, data []byte) error {
	t.net.mu.RLock()
	peer, ok := t.net.peers[to]
	t.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node: loopback: no peer registered for recipient")
	}
	peer.Deliver(t.from, data)
	return nil
}
