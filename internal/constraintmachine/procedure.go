// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

// PermissionLevel gates who may invoke a transition procedure (spec.md
// §4.5).
type PermissionLevel int

const (
	// PermissionUser allows any transaction whose recovered signer matches
	// the procedure's own signature predicate.
	PermissionUser PermissionLevel = iota
	// PermissionSuperUser requires a signature by a declared owner.
	PermissionSuperUser
	// PermissionSystem is allowed only inside end-of-epoch transactions.
	PermissionSystem
)

func (p PermissionLevel) String() string {
	switch p {
	case PermissionUser:
		return "USER"
	case PermissionSuperUser:
		return "SUPER_USER"
	case PermissionSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// ReducerState is a tagged sum of the intermediate states a multi-step
// transition can be in, per spec.md §9's re-architecture guidance
// ("encode as a tagged sum ... transitions are total functions on the
// sum"). nil represents "no reducer state" (a single-step transition, or
// the start of a group).
type ReducerState interface {
	// ReducerStateType names the concrete variant, used to select the
	// transition procedure keyed by (inputType, outputType,
	// reducerStateType).
	ReducerStateType() string
}

// TransitionResult is returned by a TransitionProcedure: either continue
// with a new reducer state, or complete the group with an action.
type TransitionResult struct {
	Next   ReducerState // non-nil: group continues
	Action Action       // non-nil: group completed
}

// Action is the side effect produced when a transition group completes —
// e.g. a stake delta to apply, a reward to mint. Concrete actions are
// defined per RERules; this package only needs to know that completion
// produced one.
type Action interface {
	// ActionType names the concrete action, used for logging/metrics.
	ActionType() string
}

// ProcedureKey selects a TransitionProcedure by the shape of the
// instruction it handles: the substate type flowing in (zero value for
// "no input", e.g. an UP with no preceding local particle), the substate
// type flowing out, and the reducer state type in play (empty string for
// "none").
type ProcedureKey struct {
	InputType        SubstateTypeId
	OutputType       SubstateTypeId
	ReducerStateType string
}

// TransitionProcedure is a single step of a constraint-machine transition:
// given the current reducer state (nil if none) and the particle(s)
// involved, it authorizes the step and returns the next state or a
// completed action.
type TransitionProcedure struct {
	Permission PermissionLevel

	// SignatureRequired reports, for PermissionUser procedures, whether a
	// signer recovered from this transaction's SIG must match a specific
	// predicate (e.g. "must own the account substate being read"). Nil
	// means the procedure requires no signature. When the returned owner
	// exposes Owner() types.BFTNode, the recovered signer must equal it.
	SignatureRequired func(current ReducerState, input, output Particle) (owner Particle, ok bool)

	// Apply performs the transition itself, given the previous reducer
	// state and the input/output particles (either may be nil depending
	// on the instruction kind: UP has only an output, DOWN/READ have only
	// an input).
	Apply func(current ReducerState, input, output Particle) (TransitionResult, error)
}

// ProcedureTable maps a (input, output, reducerState) key to the procedure
// that governs it. Built once per RERules and treated as immutable for the
// lifetime of the active fork.
type ProcedureTable map[ProcedureKey]TransitionProcedure

// Lookup finds the procedure for the given key, or false if none is
// registered (spec.md's MissingTransitionProcedure rejection).
func (t ProcedureTable) Lookup(key ProcedureKey) (TransitionProcedure, bool) {
	p, ok := t[key]
	return p, ok
}
