// Package flow models the execution order of plan steps.
//
// A Flow is an immutable tree of Atom (one step), Sequence (children run in
// order) and Concurrence (children run in parallel). Planning records data
// dependencies between steps in a Graph and converts it to a Flow with
// ToFlow; at run time the Director rebuilds a Graph from the Flow with
// FromFlow and satisfies nodes as steps finish.
package flow
