package flow

import (
	"slices"

	"github.com/roach88/conductor/internal/value"
)

// Graph is a dependency graph over step ids. Each node maps to the set of
// step ids it still requires. Satisfying a node removes it and every edge
// pointing at it; edges are never re-added.
//
// Node iteration always follows insertion order so that every derived
// result (unblocked sets, converted flows) is reproducible.
//
// A blocked node carries a dependency on itself. It never becomes unblocked
// until Unblock removes the marker.
type Graph struct {
	order    []int
	requires map[int]map[int]struct{}
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{requires: make(map[int]map[int]struct{})}
}

// AddNode registers id with no requirements. Re-adding is a no-op.
func (g *Graph) AddNode(id int) {
	if _, ok := g.requires[id]; ok {
		return
	}
	g.order = append(g.order, id)
	g.requires[id] = make(map[int]struct{})
}

// AddDependency records that id requires required. Self edges are ignored;
// use Block for that.
func (g *Graph) AddDependency(id, required int) {
	g.AddNode(id)
	if id == required {
		return
	}
	g.AddNode(required)
	g.requires[id][required] = struct{}{}
}

// AddDependencies scans input for output references and registers an edge
// from id to every referenced step.
func (g *Graph) AddDependencies(id int, input value.Value) {
	g.AddNode(id)
	for _, ref := range value.Refs(input) {
		g.AddDependency(id, ref.StepID)
	}
}

// Has reports whether id is still in the graph.
func (g *Graph) Has(id int) bool {
	_, ok := g.requires[id]
	return ok
}

// Len returns the number of unsatisfied nodes.
func (g *Graph) Len() int { return len(g.order) }

// Empty reports whether every node has been satisfied.
func (g *Graph) Empty() bool { return len(g.order) == 0 }

// Nodes returns the unsatisfied nodes in insertion order.
func (g *Graph) Nodes() []int { return slices.Clone(g.order) }

// Requires returns the unresolved requirements of id in ascending order.
func (g *Graph) Requires(id int) []int {
	var out []int
	for req := range g.requires[id] {
		out = append(out, req)
	}
	slices.Sort(out)
	return out
}

// Unblocked returns nodes with no unresolved requirement, in insertion order.
func (g *Graph) Unblocked() []int {
	var out []int
	for _, id := range g.order {
		if len(g.requires[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Blocked returns nodes held by Block, in insertion order.
func (g *Graph) Blocked() []int {
	var out []int
	for _, id := range g.order {
		if _, ok := g.requires[id][id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Block holds id so it is never reported unblocked.
func (g *Graph) Block(id int) {
	if reqs, ok := g.requires[id]; ok {
		reqs[id] = struct{}{}
	}
}

// Unblock removes the hold placed by Block. It reports whether id is now
// unblocked.
func (g *Graph) Unblock(id int) bool {
	reqs, ok := g.requires[id]
	if !ok {
		return false
	}
	delete(reqs, id)
	return len(reqs) == 0
}

// Satisfy removes id and every edge pointing at it. It returns the nodes
// that became unblocked as a result, in insertion order.
func (g *Graph) Satisfy(id int) []int {
	if !g.Has(id) {
		return nil
	}
	delete(g.requires, id)
	g.order = slices.DeleteFunc(g.order, func(n int) bool { return n == id })

	var unblocked []int
	for _, n := range g.order {
		reqs := g.requires[n]
		if _, ok := reqs[id]; !ok {
			continue
		}
		delete(reqs, id)
		if len(reqs) == 0 {
			unblocked = append(unblocked, n)
		}
	}
	return unblocked
}

// Dependents returns every node that transitively requires id, in
// insertion order.
func (g *Graph) Dependents(id int) []int {
	found := map[int]bool{id: true}
	changed := true
	for changed {
		changed = false
		for _, n := range g.order {
			if found[n] {
				continue
			}
			for req := range g.requires[n] {
				if req != n && found[req] {
					found[n] = true
					changed = true
					break
				}
			}
		}
	}
	var out []int
	for _, n := range g.order {
		if n != id && found[n] {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns an independent copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		order:    slices.Clone(g.order),
		requires: make(map[int]map[int]struct{}, len(g.requires)),
	}
	for id, reqs := range g.requires {
		cp := make(map[int]struct{}, len(reqs))
		for r := range reqs {
			cp[r] = struct{}{}
		}
		c.requires[id] = cp
	}
	return c
}

// subgraph returns a graph over nodes only, in g's insertion order, keeping
// edges between members.
func (g *Graph) subgraph(nodes map[int]bool) *Graph {
	sub := NewGraph()
	for _, id := range g.order {
		if !nodes[id] {
			continue
		}
		sub.AddNode(id)
		for req := range g.requires[id] {
			if nodes[req] {
				sub.AddDependency(id, req)
			}
		}
	}
	return sub
}

// FromFlow builds the runtime graph for a flow. In a Sequence each child
// requires every step of the child before it; children of a Concurrence
// share their parent's requirements.
func FromFlow(f Flow) *Graph {
	g := NewGraph()
	addFlow(g, f, nil)
	return g
}

func addFlow(g *Graph, f Flow, parents []int) {
	switch val := f.(type) {
	case Atom:
		g.AddNode(val.StepID)
		for _, p := range parents {
			g.AddDependency(val.StepID, p)
		}
	case Sequence:
		prev := parents
		for _, child := range val.Flows {
			addFlow(g, child, prev)
			if ids := child.StepIDs(); len(ids) > 0 {
				prev = ids
			}
		}
	case Concurrence:
		for _, child := range val.Flows {
			addFlow(g, child, parents)
		}
	}
}
