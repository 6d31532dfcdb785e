// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package forks

import (
	"math/big"
	"testing"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/ledger"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/types"
)

type fakeHolder struct{ rules constraintmachine.RERules }

func (h *fakeHolder) SetActiveRules(r constraintmachine.RERules) { h.rules = r }
func (h *fakeHolder) ActiveRules() constraintmachine.RERules     { return h.rules }

func mustValidator(t *testing.T, power int64) types.Validator {
	t.Helper()
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	return types.Validator{Node: kp.Node, Power: big.NewInt(power)}
}

func castForkVote(t *testing.T, engine *store.EngineStore, txnSeed byte, v types.Validator, forkName string) {
	t.Helper()
	var txnID ids.ID
	txnID[0] = txnSeed
	id := constraintmachine.NewSubstateID(txnID, 0)
	payload := EncodeForkVote(v.Node, forkName)

	txn := engine.Begin()
	txn.Put(append([]byte{ledger.UpPrefix}, id.Bytes()...), payload)
	require.NoError(t, txn.Commit())
}

func TestActivateRequiresThresholdStake(t *testing.T) {
	engine, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	v1 := mustValidator(t, 70)
	v2 := mustValidator(t, 30)
	vs, err := types.NewValidatorSet([]types.Validator{v1, v2})
	require.NoError(t, err)

	cand := ForkConfig{Name: "testfork", MinEpoch: 1, ThresholdBPS: 6000}
	holder := &fakeHolder{}
	reg := New(log.NewNoOpLogger(), []ForkConfig{cand}, holder)

	// No votes cast yet: below threshold.
	activated, err := reg.Activate(types.Epoch(1), vs, engine)
	require.NoError(t, err)
	require.Nil(t, activated)

	castForkVote(t, engine, 1, v1, "testfork")

	activated, err = reg.Activate(types.Epoch(1), vs, engine)
	require.NoError(t, err)
	require.NotNil(t, activated)
	require.Equal(t, "testfork", activated.Name)
}

func TestActivateRespectsMinEpoch(t *testing.T) {
	engine, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	v1 := mustValidator(t, 100)
	vs, err := types.NewValidatorSet([]types.Validator{v1})
	require.NoError(t, err)

	cand := ForkConfig{Name: "late", MinEpoch: 5, ThresholdBPS: 1}
	holder := &fakeHolder{}
	reg := New(log.NewNoOpLogger(), []ForkConfig{cand}, holder)

	castForkVote(t, engine, 1, v1, "late")

	activated, err := reg.Activate(types.Epoch(1), vs, engine)
	require.NoError(t, err)
	require.Nil(t, activated, "fork must not activate before its MinEpoch")

	activated, err = reg.Activate(types.Epoch(5), vs, engine)
	require.NoError(t, err)
	require.NotNil(t, activated)
}
