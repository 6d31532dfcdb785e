// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

import "fmt"

// RejectionKind enumerates the first-failure rejection reasons named in
// spec.md §4.5.
type RejectionKind int

const (
	RejectionNone RejectionKind = iota
	RejectionSpinConflict
	RejectionMissingTransitionProcedure
	RejectionInvalidExecutionPermission
	RejectionIncorrectSignature
	RejectionLocalNonexistent
	RejectionReadFailure
	RejectionUnknownOp
	RejectionUnequalInputOutput
)

func (k RejectionKind) String() string {
	switch k {
	case RejectionSpinConflict:
		return "SpinConflict"
	case RejectionMissingTransitionProcedure:
		return "MissingTransitionProcedure"
	case RejectionInvalidExecutionPermission:
		return "InvalidExecutionPermission"
	case RejectionIncorrectSignature:
		return "IncorrectSignature"
	case RejectionLocalNonexistent:
		return "LocalNonexistent"
	case RejectionReadFailure:
		return "ReadFailure"
	case RejectionUnknownOp:
		return "UnknownOp"
	case RejectionUnequalInputOutput:
		return "UnequalInputOutput"
	default:
		return "None"
	}
}

// CMError is the first-failure error returned by Verify, carrying the
// instruction index it occurred at so callers can report a precise
// rejection to the mempool/RPC error path (spec.md §7).
type CMError struct {
	Kind             RejectionKind
	InstructionIndex int
	Detail           string
}

func (e *CMError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("constraint machine: %s at instruction %d", e.Kind, e.InstructionIndex)
	}
	return fmt.Sprintf("constraint machine: %s at instruction %d: %s", e.Kind, e.InstructionIndex, e.Detail)
}

func rejectf(kind RejectionKind, index int, format string, args ...interface{}) *CMError {
	return &CMError{Kind: kind, InstructionIndex: index, Detail: fmt.Sprintf(format, args...)}
}
