// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bftprocessor

import "errors"

// Proposal rejection reasons (spec.md §4.3 step 1-2).
var (
	ErrStaleOrFutureView = errors.New("bftprocessor: proposal view does not match current view")
	ErrWrongProposer     = errors.New("bftprocessor: proposer is not the view's elected leader")
	ErrMissingParent     = errors.New("bftprocessor: parent vertex not in store")
	ErrInvalidQC         = errors.New("bftprocessor: quorum certificate fails signature or quorum-power check")
)

// Vote rejection reasons (spec.md §4.3's vote-processing rejection kinds).
var (
	ErrInvalidAuthor = errors.New("bftprocessor: voter is not a member of the validator set")
	ErrDuplicateVote = errors.New("bftprocessor: voter has already voted in this bucket")
	ErrUnexpectedVote = errors.New("bftprocessor: vote received for an already-closed view")
)
