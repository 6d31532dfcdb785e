// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package constraintmachine

// Parser deserialises a raw substate payload into a typed Particle under a
// fork's serialization rules.
type Parser interface {
	Parse(s Substate) (Particle, error)
}

// StaticPredicate validates a particle in isolation, without store access
// (spec.md §4.5's stateless pass: "per-particle static predicates pass").
type StaticPredicate func(p Particle) error

// RERules is the active ruleset for one fork: the substate parser, the
// transition procedure table, and any per-particle static predicates,
// keyed by substate type.
type RERules struct {
	Name       string
	Parser     Parser
	Procedures ProcedureTable
	Statics    map[SubstateTypeId]StaticPredicate
}

// ValidateStatic runs the fork's static predicate for p's type, if one is
// registered.
func (r RERules) ValidateStatic(p Particle) error {
	if fn, ok := r.Statics[p.SubstateType()]; ok {
		return fn(p)
	}
	return nil
}
