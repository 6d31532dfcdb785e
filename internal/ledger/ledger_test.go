// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/constraintmachine"
	"github.com/MRumpold/radixdlt/internal/store"
	"github.com/MRumpold/radixdlt/internal/types"
)

// tokenParticle/tokenParser/tokenRules mirror constraintmachine's own test
// fixture (machine_test.go) — a minimal UP/DOWN-only ruleset sufficient to
// exercise Prepare/Commit without a real fork's RE rules.
type tokenParticle struct{ amount uint64 }

func (tokenParticle) SubstateType() constraintmachine.SubstateTypeId {
	return constraintmachine.TypeTokens
}

type tokenParser struct{}

func (tokenParser) Parse(s constraintmachine.Substate) (constraintmachine.Particle, error) {
	if len(s.Payload) < 9 {
		return nil, &constraintmachine.CMError{Kind: constraintmachine.RejectionUnknownOp, Detail: "short token payload"}
	}
	return tokenParticle{amount: binary.BigEndian.Uint64(s.Payload[1:9])}, nil
}

func tokenRules() constraintmachine.RERules {
	return constraintmachine.RERules{
		Name:   "test",
		Parser: tokenParser{},
		Procedures: constraintmachine.ProcedureTable{
			{InputType: constraintmachine.TypeUnknown, OutputType: constraintmachine.TypeTokens, ReducerStateType: ""}: {
				Permission: constraintmachine.PermissionUser,
				Apply: func(current constraintmachine.ReducerState, input, output constraintmachine.Particle) (constraintmachine.TransitionResult, error) {
					return constraintmachine.TransitionResult{}, nil
				},
			},
		},
	}
}

func tokenUpBytes(amount uint64) []byte {
	payload := make([]byte, 9)
	payload[0] = byte(constraintmachine.TypeTokens)
	binary.BigEndian.PutUint64(payload[1:9], amount)
	return encodeInstruction(constraintmachine.OpUp, payload)
}

func endBytes() []byte { return []byte{byte(constraintmachine.OpEnd)} }

func encodeInstruction(op constraintmachine.Op, payload []byte) []byte {
	out := []byte{byte(op)}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

type noopBoundary struct{ got *types.ValidatorSet }

func (b *noopBoundary) OnEpochComplete(next *types.ValidatorSet) { b.got = next }

func newTestComputer(t *testing.T) (*StateComputer, *store.EngineStore) {
	t.Helper()
	engine, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	boundary := &noopBoundary{}
	sc := New(log.NewNoOpLogger(), engine, tokenRules(), 10_000, boundary, types.Epoch(0), 0, [32]byte{})
	return sc, engine
}

func tokenVertex(view types.View, parent types.Vertex, amount uint64) types.Vertex {
	var body []byte
	body = append(body, tokenUpBytes(amount)...)
	body = append(body, endBytes()...)
	cmd := types.NewCommand(body)
	return types.Vertex{View: view, Command: &cmd, ParentID: parent.ID()}
}

func TestPrepareEmptyVertexPreservesState(t *testing.T) {
	sc, _ := newTestComputer(t)
	root := types.Vertex{}

	header, err := sc.Prepare(types.Vertex{View: 1, ParentID: root.ID()})
	require.NoError(t, err)
	require.Equal(t, uint64(0), header.StateVersion)
	require.Equal(t, [32]byte{}, header.AccumulatorHash)
	require.False(t, header.IsEndOfEpoch)
}

func TestPrepareCommandAdvancesSpeculativeHeader(t *testing.T) {
	sc, _ := newTestComputer(t)
	root := types.Vertex{}

	v := tokenVertex(1, root, 100)
	header, err := sc.Prepare(v)
	require.NoError(t, err)
	require.Equal(t, uint64(1), header.StateVersion)
	require.Equal(t, types.AccumulatorStep([32]byte{}, v.Command.ID()), header.AccumulatorHash)

	// Prepare is speculative: calling it again must not mutate persisted
	// state or double-advance the version.
	_, err = sc.Prepare(v)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sc.StateVersion())
}

func TestPrepareRejectsMalformedCommand(t *testing.T) {
	sc, _ := newTestComputer(t)
	root := types.Vertex{}

	cmd := types.NewCommand(tokenUpBytes(1)) // no END: unterminated group
	v := types.Vertex{View: 1, Command: &cmd, ParentID: root.ID()}

	_, err := sc.Prepare(v)
	require.Error(t, err)
}

func TestCommitAdvancesPersistedStateAndAccumulator(t *testing.T) {
	sc, _ := newTestComputer(t)
	root := types.Vertex{}

	v1 := tokenVertex(1, root, 100)
	v2 := tokenVertex(2, v1, 200)

	proof := types.LedgerHeader{Epoch: 0, View: 2, StateVersion: 2}
	require.NoError(t, sc.Commit([]types.Vertex{v1, v2}, proof))

	require.Equal(t, uint64(2), sc.StateVersion())
	want := types.AccumulatorStep(types.AccumulatorStep([32]byte{}, v1.Command.ID()), v2.Command.ID())
	require.Equal(t, want, sc.AccumulatorHash())

	// A subsequent Prepare builds on the newly-committed state, not on the
	// seed values the computer started with.
	v3 := tokenVertex(3, v2, 1)
	header, err := sc.Prepare(v3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), header.StateVersion)
}

func TestCommitAbortsAndLeavesStateUntouchedOnRejection(t *testing.T) {
	sc, _ := newTestComputer(t)
	root := types.Vertex{}

	good := tokenVertex(1, root, 1)
	bad := types.Vertex{View: 2, ParentID: good.ID()}
	badCmd := types.NewCommand(tokenUpBytes(1)) // unterminated: will be rejected
	bad.Command = &badCmd

	err := sc.Commit([]types.Vertex{good, bad}, types.LedgerHeader{})
	require.Error(t, err)
	require.Equal(t, uint64(0), sc.StateVersion(), "a rejected command in the batch must not leave a partial state advance")
}

func TestNextValidatorSetExtractsEpochCompleteAction(t *testing.T) {
	kp, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	validators, err := types.NewValidatorSet([]types.Validator{{Node: kp.Node, Power: big.NewInt(1)}})
	require.NoError(t, err)

	actions := []constraintmachine.Action{
		constraintmachine.EpochCompleteAction{NextValidators: validators},
	}
	got := nextValidatorSet(actions)
	require.NotNil(t, got)
	require.True(t, got.Equals(validators))

	require.Nil(t, nextValidatorSet(nil))
}
