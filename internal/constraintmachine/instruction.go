// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

import (
	"encoding/binary"
	"fmt"
)

// Op is an REInstruction opcode. Instructions are framed as
// [op:u8][len:u16][payload:len bytes], except END (the op byte alone) and
// SIG (the op byte followed by a 65-byte signature). MSG uses the generic
// length-prefixed framing.
type Op byte

const (
	OpUp Op = iota + 1
	OpVDown
	OpDown
	OpLDown
	OpRead
	OpLRead
	OpEnd
	OpMsg
	OpSig
)

func (op Op) String() string {
	switch op {
	case OpUp:
		return "UP"
	case OpVDown:
		return "VDOWN"
	case OpDown:
		return "DOWN"
	case OpLDown:
		return "LDOWN"
	case OpRead:
		return "READ"
	case OpLRead:
		return "LREAD"
	case OpEnd:
		return "END"
	case OpMsg:
		return "MSG"
	case OpSig:
		return "SIG"
	default:
		return fmt.Sprintf("Op(%d)", byte(op))
	}
}

// Instruction is one parsed element of a transaction's instruction stream.
type Instruction struct {
	Op Op

	// Body carries a serialised Substate for UP; a substate reference for
	// DOWN/LDOWN/READ/LREAD; nil for END; arbitrary bytes for MSG; and a
	// signature for SIG.
	Body []byte

	// SubstateRef is populated for DOWN/LDOWN/READ/LREAD, identifying the
	// substate the instruction operates on.
	SubstateRef SubstateID
}

// DecodeInstructions parses the wire framing described in spec.md §6 into
// a sequence of Instruction values. It performs no semantic validation
// beyond framing — that is the stateless pass's job.
func DecodeInstructions(b []byte) ([]Instruction, error) {
	var out []Instruction
	for i := 0; i < len(b); {
		op := Op(b[i])
		i++
		switch op {
		case OpEnd:
			out = append(out, Instruction{Op: op})
			continue
		case OpSig:
			if i+65 > len(b) {
				return nil, fmt.Errorf("constraintmachine: truncated SIG at offset %d", i)
			}
			out = append(out, Instruction{Op: op, Body: b[i : i+65]})
			i += 65
			if i != len(b) {
				return nil, fmt.Errorf("constraintmachine: SIG must be the last instruction")
			}
			continue
		}

		if i+2 > len(b) {
			return nil, fmt.Errorf("constraintmachine: truncated length prefix at offset %d", i)
		}
		length := int(binary.BigEndian.Uint16(b[i : i+2]))
		i += 2
		if i+length > len(b) {
			return nil, fmt.Errorf("constraintmachine: truncated payload for op %s at offset %d", op, i)
		}
		payload := b[i : i+length]
		i += length

		inst := Instruction{Op: op, Body: payload}
		switch op {
		case OpUp:
			// Body is a full substate payload; left to the stateful pass
			// to deserialise under the active RERules parser.
		case OpDown, OpLDown, OpRead, OpLRead, OpVDown:
			ref, err := decodeSubstateRef(payload)
			if err != nil {
				return nil, fmt.Errorf("constraintmachine: %s: %w", op, err)
			}
			inst.SubstateRef = ref
		case OpMsg:
			// Arbitrary application message; no further structure.
		default:
			return nil, fmt.Errorf("constraintmachine: unknown op %d", byte(op))
		}
		out = append(out, inst)
	}
	return out, nil
}

func decodeSubstateRef(payload []byte) (SubstateID, error) {
	if len(payload) == 4 {
		// LDOWN references a prior UP within the same transaction by its
		// UP ordinal, not a content-addressed id.
		var id SubstateID
		id.Index = binary.BigEndian.Uint32(payload)
		return id, nil
	}
	if len(payload) == 32 {
		// Local reference by instruction index within this txn is resolved
		// by the stateful pass against its own UP set; here a 32-byte ref
		// is a virtual/remote substate hash.
		var id SubstateID
		copy(id.TxnID[:], payload)
		id.Virtual = true
		return id, nil
	}
	if len(payload) == 36 {
		var id SubstateID
		copy(id.TxnID[:], payload[:32])
		id.Index = binary.BigEndian.Uint32(payload[32:36])
		return id, nil
	}
	return SubstateID{}, fmt.Errorf("malformed substate reference of length %d", len(payload))
}
