// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *EngineStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTxnCommitVisibility(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	txn := s.Begin()
	txn.Put([]byte("k"), []byte("v1"))
	require.NoError(t, txn.Commit())

	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestTxnAbortDiscardsWrites(t *testing.T) {
	s := openTestStore(t)
	txn := s.Begin()
	txn.Put([]byte("k"), []byte("v1"))
	txn.Abort()

	_, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreviewStoreOverlayAndTombstone(t *testing.T) {
	s := openTestStore(t)
	txn := s.Begin()
	txn.Put([]byte("a"), []byte("committed-a"))
	txn.Put([]byte("b"), []byte("committed-b"))
	require.NoError(t, txn.Commit())

	preview := s.NewPreview()
	preview.Put([]byte("a"), []byte("preview-a"))
	preview.Delete([]byte("b"))
	preview.Put([]byte("c"), []byte("preview-c"))

	va, err := preview.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("preview-a"), va)

	_, err = preview.Get([]byte("b"))
	require.ErrorIs(t, err, ErrNotFound)

	// Committed state is untouched by the preview overlay.
	vb, err := s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("committed-b"), vb)

	seen := map[string]string{}
	require.NoError(t, preview.Iterate(nil, func(k, v []byte) error {
		seen[string(k)] = string(v)
		return nil
	}))
	require.Equal(t, map[string]string{"a": "preview-a", "c": "preview-c"}, seen)
}
