// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store provides the single-writer, transactional key-value
// abstraction ("EngineStore" in spec.md §9) that the ledger and constraint
// machine build on. The default backing engine is cockroachdb/pebble, the
// same embedded LSM store family the teacher depends on transitively
// (github.com/luxfi/database wraps pebble for its own single-writer state).
package store

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// Reader is the read half of EngineStore, shared by committed-state access
// and preview snapshots.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Txn is a single-writer transaction: buffered writes that become visible
// only on Commit.
type Txn interface {
	Reader
	Put(key, value []byte)
	Delete(key []byte)
	Commit() error
	Abort()
}

// EngineStore is the committed, durable key-value store. Exactly one
// transaction may be open at a time, matching spec.md §5's single-writer
// model.
type EngineStore struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble-backed EngineStore at dir.
func Open(dir string) (*EngineStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &EngineStore{db: db}, nil
}

// Close closes the underlying database.
func (s *EngineStore) Close() error { return s.db.Close() }

// Get reads a committed value.
func (s *EngineStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, nil
}

// Has reports whether key exists.
func (s *EngineStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Iterate walks all keys with the given prefix in lexicographic order.
func (s *EngineStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Begin starts a new transaction. Only one should be open at a time; the
// caller (ledger/constraint machine) enforces this via the single-threaded
// event loop described in spec.md §5.
func (s *EngineStore) Begin() Txn {
	return &engineTxn{store: s, batch: s.db.NewBatch()}
}

// NewPreview returns a read-only snapshot layered with an in-memory
// overlay, used by Ledger.prepare and the constraint machine's preview
// passes so speculative work never touches committed state.
func (s *EngineStore) NewPreview() *PreviewStore {
	return &PreviewStore{base: s, puts: make(map[string][]byte), dels: make(map[string]bool)}
}

type engineTxn struct {
	store *EngineStore
	batch *pebble.Batch
}

func (t *engineTxn) Get(key []byte) ([]byte, error) { return t.store.Get(key) }
func (t *engineTxn) Has(key []byte) (bool, error)    { return t.store.Has(key) }
func (t *engineTxn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return t.store.Iterate(prefix, fn)
}
func (t *engineTxn) Put(key, value []byte) { _ = t.batch.Set(key, value, nil) }
func (t *engineTxn) Delete(key []byte)     { _ = t.batch.Delete(key, nil) }
func (t *engineTxn) Commit() error         { return t.batch.Commit(pebble.Sync) }
func (t *engineTxn) Abort()                { _ = t.batch.Close() }

// PreviewStore layers an in-memory overlay (puts + tombstones) above a
// committed EngineStore snapshot, so that Ledger.prepare and the
// constraint machine's stateless/stateful preview passes can be discarded
// without ever touching committed state.
type PreviewStore struct {
	base *EngineStore
	puts map[string][]byte
	dels map[string]bool
}

// Get returns the overlay value if present, falling back to committed
// state.
func (p *PreviewStore) Get(key []byte) ([]byte, error) {
	k := string(key)
	if p.dels[k] {
		return nil, ErrNotFound
	}
	if v, ok := p.puts[k]; ok {
		return v, nil
	}
	return p.base.Get(key)
}

// Has reports presence in the overlay view.
func (p *PreviewStore) Has(key []byte) (bool, error) {
	_, err := p.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put stages a write in the overlay.
func (p *PreviewStore) Put(key, value []byte) {
	k := string(key)
	delete(p.dels, k)
	p.puts[k] = append([]byte(nil), value...)
}

// Delete stages a tombstone in the overlay.
func (p *PreviewStore) Delete(key []byte) {
	k := string(key)
	delete(p.puts, k)
	p.dels[k] = true
}

// Iterate walks the merged view of committed state and overlay, honouring
// tombstones and skipping values superseded by the overlay.
func (p *PreviewStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	seen := make(map[string]bool)
	for k, v := range p.puts {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		seen[k] = true
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return p.base.Iterate(prefix, func(key, value []byte) error {
		k := string(key)
		if seen[k] || p.dels[k] {
			return nil
		}
		return fn(key, value)
	})
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff bytes; unbounded
}
