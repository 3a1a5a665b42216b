package flow

import "fmt"

// Flow is a sealed interface for the execution-ordering tree of one plan
// phase. Only Atom, Sequence and Concurrence implement it.
type Flow interface {
	flow()
	// StepIDs returns every step id in the tree, depth first.
	StepIDs() []int
}

// Atom is a leaf naming a single step.
type Atom struct {
	StepID int
}

func (Atom) flow() {}

// StepIDs returns the single step id of the atom.
func (a Atom) StepIDs() []int { return []int{a.StepID} }

func (a Atom) String() string { return fmt.Sprintf("%d", a.StepID) }

// Sequence runs its children one after another.
type Sequence struct {
	Flows []Flow
}

func (Sequence) flow() {}

// StepIDs returns the step ids of all children in order.
func (s Sequence) StepIDs() []int { return collect(s.Flows) }

func (s Sequence) String() string { return fmt.Sprintf("S%v", s.Flows) }

// Concurrence runs its children in parallel.
type Concurrence struct {
	Flows []Flow
}

func (Concurrence) flow() {}

// StepIDs returns the step ids of all children in order.
func (c Concurrence) StepIDs() []int { return collect(c.Flows) }

func (c Concurrence) String() string { return fmt.Sprintf("C%v", c.Flows) }

func collect(flows []Flow) []int {
	var ids []int
	for _, f := range flows {
		ids = append(ids, f.StepIDs()...)
	}
	return ids
}

// NewSequence builds a Sequence of atoms for the given step ids.
func NewSequence(ids ...int) Sequence {
	return Sequence{Flows: atoms(ids)}
}

// NewConcurrence builds a Concurrence of atoms for the given step ids.
func NewConcurrence(ids ...int) Concurrence {
	return Concurrence{Flows: atoms(ids)}
}

func atoms(ids []int) []Flow {
	flows := make([]Flow, len(ids))
	for i, id := range ids {
		flows[i] = Atom{StepID: id}
	}
	return flows
}

// Includes reports whether the tree references stepID.
func Includes(f Flow, stepID int) bool {
	for _, id := range f.StepIDs() {
		if id == stepID {
			return true
		}
	}
	return false
}

// Empty reports whether the tree references no steps.
func Empty(f Flow) bool {
	return f == nil || len(f.StepIDs()) == 0
}

// Flatten returns an equivalent tree in which no composite directly contains
// a composite of its own kind and no composite has a single child. Empty
// composites are dropped from their parents. The input is not modified.
func Flatten(f Flow) Flow {
	switch val := f.(type) {
	case Atom:
		return val
	case Sequence:
		flows := flattenChildren(val.Flows, func(child Flow) ([]Flow, bool) {
			s, ok := child.(Sequence)
			return s.Flows, ok
		})
		if len(flows) == 1 {
			return flows[0]
		}
		return Sequence{Flows: flows}
	case Concurrence:
		flows := flattenChildren(val.Flows, func(child Flow) ([]Flow, bool) {
			c, ok := child.(Concurrence)
			return c.Flows, ok
		})
		if len(flows) == 1 {
			return flows[0]
		}
		return Concurrence{Flows: flows}
	default:
		return f
	}
}

func flattenChildren(children []Flow, sameKind func(Flow) ([]Flow, bool)) []Flow {
	out := make([]Flow, 0, len(children))
	for _, child := range children {
		flat := Flatten(child)
		if Empty(flat) {
			continue
		}
		if nested, ok := sameKind(flat); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, flat)
	}
	return out
}
