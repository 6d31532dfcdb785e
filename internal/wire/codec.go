// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the binary codec for the node's wire messages
// (spec.md §6): hand-written MarshalBinary/UnmarshalBinary per type, keyed
// by a leading type byte, deliberately avoiding a reflection-based
// serializer (SPEC_FULL.md §6).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/types"
)

// writer accumulates a message body with fixed-width/length-prefixed
// primitives — the same small vocabulary every message type composes from.
type writer struct{ buf bytes.Buffer }

func (w *writer) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *writer) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) boolField(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) id(id ids.ID)         { w.buf.Write(id[:]) }
func (w *writer) node(n types.BFTNode) { w.buf.Write(n.Bytes()) }

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader consumes a message body in the same primitive vocabulary as
// writer, returning an error the moment the buffer is exhausted early
// rather than panicking on a malformed/truncated message.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("wire: truncated message: need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
	}
	return nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := append([]byte(nil), r.buf[r.off:r.off+int(n)]...)
	r.off += int(n)
	return out, nil
}

func (r *reader) boolField() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	b := r.buf[r.off] != 0
	r.off++
	return b, nil
}

func (r *reader) id() (ids.ID, error) {
	var id ids.ID
	if err := r.need(len(id)); err != nil {
		return id, err
	}
	copy(id[:], r.buf[r.off:])
	r.off += len(id)
	return id, nil
}

func (r *reader) node() (types.BFTNode, error) {
	b, err := r.bytesFixed(33)
	if err != nil {
		return types.BFTNode{}, err
	}
	return types.NewBFTNode(b)
}

func (r *reader) bytesFixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out, nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes after decoding message", len(r.buf)-r.off)
	}
	return nil
}
