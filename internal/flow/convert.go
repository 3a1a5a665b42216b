package flow

import (
	"errors"
	"fmt"
)

// CycleError reports that a graph still has nodes but none of them is
// unblocked.
type CycleError struct {
	Nodes []int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among steps %v", e.Nodes)
}

// IsCycleError reports whether err is, or wraps, a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// ToFlow converts a dependency graph into a flattened flow tree. The graph
// is not modified.
//
// The walk repeatedly takes the unblocked nodes. A single unblocked node
// continues the current Sequence. When several are unblocked each one is
// explored on a clone of the graph with its siblings blocked; the nodes it
// alone unblocks form its branch, converted recursively. The branches become
// a Concurrence, and nodes that need more than one branch are picked up by
// the enclosing sequence once every branch is satisfied.
func ToFlow(g *Graph) (Flow, error) {
	f, err := convert(g.Clone())
	if err != nil {
		return nil, err
	}
	return Flatten(f), nil
}

func convert(g *Graph) (Flow, error) {
	var seq []Flow
	for !g.Empty() {
		ready := g.Unblocked()
		if len(ready) == 0 {
			return nil, &CycleError{Nodes: g.Nodes()}
		}
		if len(ready) == 1 {
			seq = append(seq, Atom{StepID: ready[0]})
			g.Satisfy(ready[0])
			continue
		}

		branches := make([]Flow, 0, len(ready))
		var covered []int
		for _, root := range ready {
			members := explore(g, root, ready)
			branch, err := convert(g.subgraph(members))
			if err != nil {
				return nil, err
			}
			branches = append(branches, branch)
			for _, id := range g.order {
				if members[id] {
					covered = append(covered, id)
				}
			}
		}
		for _, id := range covered {
			g.Satisfy(id)
		}
		seq = append(seq, Concurrence{Flows: branches})
	}
	return Sequence{Flows: seq}, nil
}

// explore returns root plus every node that becomes unblocked by satisfying
// root's branch while the other ready nodes are held.
func explore(g *Graph, root int, ready []int) map[int]bool {
	c := g.Clone()
	for _, other := range ready {
		if other != root {
			c.Block(other)
		}
	}
	members := make(map[int]bool)
	queue := []int{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		members[id] = true
		queue = append(queue, c.Satisfy(id)...)
	}
	return members
}
