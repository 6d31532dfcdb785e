// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/types"
)

// CMStore is the narrow transactional view the constraint machine needs
// over substate state: load the particle behind a remote substate id,
// check whether a substate id has ever been spent, and record the effects
// of a verified transaction. Particles UP'd earlier in the same transaction
// are held in CMValidationState, not loaded through the store.
// Implementations compose over store.Txn / store.PreviewStore.
type CMStore interface {
	// LoadParticle resolves a remote substate reference to its parsed
	// particle, under the active RERules parser.
	LoadParticle(id SubstateID) (Particle, error)
	// IsDown reports whether the substate (by id) has already been spent.
	IsDown(id SubstateID) (bool, error)
	// IsVirtualDown reports whether a virtual substate has already been
	// spent (spec.md I5: "VDOWN succeeds only if the virtual substate has
	// never been down").
	IsVirtualDown(id SubstateID) (bool, error)
	// MarkDown records that a substate has now been spent.
	MarkDown(id SubstateID) error
	// MarkVirtualDown records that a virtual substate has now been spent.
	MarkVirtualDown(id SubstateID) error
	// PutUp persists a newly created substate (keyed by its concrete
	// SubstateID once the transaction commits).
	PutUp(id SubstateID, s Substate) error
}

// CMValidationState is the machine's running state across one
// transaction's stateful pass (spec.md §4.5).
type CMValidationState struct {
	// localUp holds UP particles by their UP ordinal within the transaction
	// (0 for the first UP, 1 for the second, ...), so a later LDOWN within
	// the same transaction can reference them without a store round-trip.
	localUp map[int]Particle

	// remoteDown tracks substate ids this transaction has spent, to detect
	// double-spends within the same transaction before they even reach the
	// store (spec.md I5).
	remoteDown map[SubstateID]bool

	reducer ReducerState
	actions []Action
}

func newValidationState() *CMValidationState {
	return &CMValidationState{
		localUp:    make(map[int]Particle),
		remoteDown: make(map[SubstateID]bool),
	}
}

// Machine is a stateless validator configured with one fork's RERules; it
// is safe to reuse across transactions and across goroutines (it holds no
// per-transaction state).
type Machine struct {
	Rules RERules
}

// New constructs a Machine bound to the given ruleset.
func New(rules RERules) *Machine {
	return &Machine{Rules: rules}
}

// VerifyContext carries the ambient facts a transaction is verified
// against: whether it is the designated end-of-epoch system transaction
// (unlocking PermissionSystem).
type VerifyContext struct {
	IsEndOfEpoch bool
}

// Verify runs the stateless pass followed by the stateful pass over store,
// returning the accumulated actions on success or the first CMError
// encountered. txnID is used to key the substates this transaction
// creates (SubstateID{TxnID: txnID, Index: <UP ordinal>}).
func (m *Machine) Verify(txnID ids.ID, txnBytes []byte, store CMStore, ctx VerifyContext) ([]Action, error) {
	instructions, err := DecodeInstructions(txnBytes)
	if err != nil {
		return nil, err
	}

	sigIndex, signer, err := m.statelessPass(instructions, txnBytes)
	if err != nil {
		return nil, err
	}

	return m.statefulPass(txnID, instructions, sigIndex, signer, store, ctx)
}

// statelessPass validates framing-level invariants that don't need store
// access: at most one MSG, exactly one terminating SIG, non-empty groups,
// and per-particle static predicates. It returns the recovered signer (zero
// value if no SIG is present).
func (m *Machine) statelessPass(instructions []Instruction, txnBytes []byte) (sigIndex int, signer types.BFTNode, err error) {
	sigIndex = -1
	msgSeen := false
	groupLen := 0

	for i, inst := range instructions {
		switch inst.Op {
		case OpMsg:
			if msgSeen {
				return -1, types.BFTNode{}, rejectf(RejectionUnknownOp, i, "more than one MSG instruction")
			}
			msgSeen = true
		case OpEnd:
			if groupLen == 0 {
				return -1, types.BFTNode{}, rejectf(RejectionUnequalInputOutput, i, "group closed with no instructions")
			}
			groupLen = 0
			continue
		case OpSig:
			if i != len(instructions)-1 {
				return -1, types.BFTNode{}, rejectf(RejectionUnknownOp, i, "SIG must be the last instruction")
			}
			sigIndex = i
			signed := sigPayload(txnBytes, instructions, i)
			recovered, rerr := bftcrypto.RecoverSigner(signed, inst.Body)
			if rerr != nil {
				return -1, types.BFTNode{}, rejectf(RejectionIncorrectSignature, i, "%v", rerr)
			}
			signer = recovered
			continue
		case OpUp:
			s := Substate{Type: SubstateTypeId(inst.Body[0]), Payload: inst.Body}
			p, perr := m.Rules.Parser.Parse(s)
			if perr != nil {
				return -1, types.BFTNode{}, rejectf(RejectionUnknownOp, i, "parse UP: %v", perr)
			}
			if perr := m.Rules.ValidateStatic(p); perr != nil {
				return -1, types.BFTNode{}, rejectf(RejectionUnknownOp, i, "static predicate: %v", perr)
			}
		}
		groupLen++
	}

	if groupLen != 0 {
		return -1, types.BFTNode{}, rejectf(RejectionUnequalInputOutput, len(instructions)-1, "trailing group missing END")
	}
	return sigIndex, signer, nil
}

// sigPayload returns the serialised instruction stream preceding the SIG
// instruction, over which the signature is computed (spec.md §4.5).
func sigPayload(txnBytes []byte, instructions []Instruction, sigIndex int) []byte {
	// SIG is always the final instruction and is 66 bytes on the wire
	// (1 op byte + 65 signature bytes, no length prefix per spec.md §6);
	// everything before it is the signed payload.
	return txnBytes[:len(txnBytes)-66]
}

// statefulPass walks the instruction stream against store, maintaining
// CMValidationState, invoking the transition procedure selected for each
// instruction's (inputType, outputType, reducerStateType), and enforcing
// authorization.
func (m *Machine) statefulPass(txnID ids.ID, instructions []Instruction, sigIndex int, signer types.BFTNode, store CMStore, ctx VerifyContext) ([]Action, error) {
	state := newValidationState()
	upCount := 0

	for i, inst := range instructions {
		switch inst.Op {
		case OpUp:
			s := Substate{Type: SubstateTypeId(inst.Body[0]), Payload: inst.Body}
			p, err := m.Rules.Parser.Parse(s)
			if err != nil {
				return nil, rejectf(RejectionUnknownOp, i, "parse UP: %v", err)
			}
			if err := m.applyTransition(i, state, nil, p, store, signer, sigIndex >= 0, ctx); err != nil {
				return nil, err
			}
			id := NewSubstateID(txnID, uint32(upCount))
			if err := store.PutUp(id, s); err != nil {
				return nil, rejectf(RejectionUnknownOp, i, "persist UP: %v", err)
			}
			state.localUp[upCount] = p
			upCount++

		case OpDown:
			input, err := m.resolveInput(i, inst.SubstateRef, state, store)
			if err != nil {
				return nil, err
			}
			if err := m.applyTransition(i, state, input, nil, store, signer, sigIndex >= 0, ctx); err != nil {
				return nil, err
			}
			if err := store.MarkDown(inst.SubstateRef); err != nil {
				return nil, rejectf(RejectionSpinConflict, i, "%v", err)
			}

		case OpVDown:
			down, err := store.IsVirtualDown(inst.SubstateRef)
			if err != nil {
				return nil, rejectf(RejectionReadFailure, i, "%v", err)
			}
			if down {
				return nil, rejectf(RejectionSpinConflict, i, "virtual substate already down")
			}
			if err := m.applyTransition(i, state, nil, nil, store, signer, sigIndex >= 0, ctx); err != nil {
				return nil, err
			}
			if err := store.MarkVirtualDown(inst.SubstateRef); err != nil {
				return nil, rejectf(RejectionSpinConflict, i, "%v", err)
			}

		case OpLDown:
			local, ok := state.localUp[int(inst.SubstateRef.Index)]
			if !ok {
				return nil, rejectf(RejectionLocalNonexistent, i, "no local UP particle at index %d", inst.SubstateRef.Index)
			}
			if err := m.applyTransition(i, state, local, nil, store, signer, sigIndex >= 0, ctx); err != nil {
				return nil, err
			}

		case OpRead, OpLRead:
			if _, err := m.resolveInput(i, inst.SubstateRef, state, store); err != nil {
				return nil, err
			}
			// READ does not consume or mutate state and does not invoke a
			// transition procedure; it only asserts the substate exists.

		case OpEnd:
			if state.reducer != nil {
				return nil, rejectf(RejectionUnequalInputOutput, i, "group closed with non-terminal reducer state %s", state.reducer.ReducerStateType())
			}

		case OpMsg, OpSig:
			// No state effect; validated in the stateless pass.
		}
	}

	return state.actions, nil
}

func (m *Machine) resolveInput(index int, ref SubstateID, state *CMValidationState, store CMStore) (Particle, error) {
	if state.remoteDown[ref] {
		return nil, rejectf(RejectionSpinConflict, index, "substate already spent within this transaction")
	}
	down, err := store.IsDown(ref)
	if err != nil {
		return nil, rejectf(RejectionReadFailure, index, "%v", err)
	}
	if down {
		return nil, rejectf(RejectionSpinConflict, index, "substate already down")
	}
	particle, err := store.LoadParticle(ref)
	if err != nil {
		return nil, rejectf(RejectionLocalNonexistent, index, "%v", err)
	}
	state.remoteDown[ref] = true
	return particle, nil
}

// applyTransition looks up the procedure for (input, output, reducer
// state), enforces its permission level, and applies it, updating
// state.reducer/state.actions.
func (m *Machine) applyTransition(index int, state *CMValidationState, input, output Particle, store CMStore, signer types.BFTNode, hasSigner bool, ctx VerifyContext) error {
	key := ProcedureKey{ReducerStateType: reducerStateTypeOf(state.reducer)}
	if input != nil {
		key.InputType = input.SubstateType()
	}
	if output != nil {
		key.OutputType = output.SubstateType()
	}

	proc, ok := m.Rules.Procedures.Lookup(key)
	if !ok {
		return rejectf(RejectionMissingTransitionProcedure, index, "no procedure for input=%v output=%v reducer=%q", key.InputType, key.OutputType, key.ReducerStateType)
	}

	if err := authorize(proc, ctx, signer, hasSigner, state.reducer, input, output); err != nil {
		return &CMError{Kind: RejectionInvalidExecutionPermission, InstructionIndex: index, Detail: err.Error()}
	}

	result, err := proc.Apply(state.reducer, input, output)
	if err != nil {
		return rejectf(RejectionUnequalInputOutput, index, "%v", err)
	}
	state.reducer = result.Next
	if result.Action != nil {
		state.actions = append(state.actions, result.Action)
	}
	return nil
}

func authorize(proc TransitionProcedure, ctx VerifyContext, signer types.BFTNode, hasSigner bool, reducer ReducerState, input, output Particle) error {
	switch proc.Permission {
	case PermissionSystem:
		if !ctx.IsEndOfEpoch {
			return fmt.Errorf("SYSTEM permission requires an end-of-epoch transaction")
		}
		return nil
	case PermissionSuperUser:
		if proc.SignatureRequired == nil {
			return nil
		}
		owner, ok := proc.SignatureRequired(reducer, input, output)
		if !ok {
			return fmt.Errorf("no declared owner for SUPER_USER transition")
		}
		if !hasSigner {
			return fmt.Errorf("SUPER_USER transition requires a signature")
		}
		if ownerNode, isNode := owner.(interface{ Owner() types.BFTNode }); isNode {
			if !ownerNode.Owner().Equals(signer) {
				return fmt.Errorf("signature does not match declared owner")
			}
		}
		return nil
	default: // PermissionUser
		if proc.SignatureRequired == nil {
			return nil
		}
		if !hasSigner {
			return fmt.Errorf("USER transition requires a signature")
		}
		owner, ok := proc.SignatureRequired(reducer, input, output)
		if !ok {
			return fmt.Errorf("recovered signer does not satisfy procedure predicate")
		}
		if ownerNode, isNode := owner.(interface{ Owner() types.BFTNode }); isNode {
			if !ownerNode.Owner().Equals(signer) {
				return fmt.Errorf("recovered signer does not satisfy procedure predicate")
			}
		}
		return nil
	}
}

func reducerStateTypeOf(r ReducerState) string {
	if r == nil {
		return ""
	}
	return r.ReducerStateType()
}
