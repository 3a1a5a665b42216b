package action

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// DefaultQueue is used by definitions that do not name a queue.
const DefaultQueue = "default"

// PlanFunc plans an action. It may plan child actions and must call
// PlanSelf if the action itself has run or finalize work.
type PlanFunc func(p Planner, input value.Value) error

// RunFunc executes the run or finalize phase of an action.
type RunFunc func(ctx context.Context, rc *RunContext) error

// Definition describes an action type.
type Definition struct {
	Name string
	// Queue selects the semaphore that limits concurrent runs.
	Queue string
	// Rescue is the strategy applied when a step of this action, or of a
	// descendant that does not declare its own, fails.
	Rescue plan.Strategy
	// Cancellable actions receive a cancel event while suspended.
	Cancellable bool

	// Plan defaults to planning the action itself with its input.
	Plan     PlanFunc
	Run      RunFunc
	Finalize RunFunc
}

// QueueName returns the effective queue of the definition.
func (d Definition) QueueName() string {
	if d.Queue == "" {
		return DefaultQueue
	}
	return d.Queue
}

// Registry is the closed set of action types known to a world. It is built
// at startup and passed explicitly to the components that need it.
type Registry struct {
	defs  map[string]*Definition
	names []string
}

// NewRegistry creates a registry holding defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error. Intended for tests and
// static wiring.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds a definition. Names must be unique and non-empty.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("action definition without name")
	}
	if _, ok := r.defs[d.Name]; ok {
		return fmt.Errorf("action %q already registered", d.Name)
	}
	switch d.Rescue {
	case plan.StrategyInherit, plan.StrategyPause, plan.StrategySkip:
	default:
		return fmt.Errorf("action %q: unknown rescue strategy %q", d.Name, d.Rescue)
	}
	def := d
	r.defs[d.Name] = &def
	r.names = append(r.names, d.Name)
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	out := slices.Clone(r.names)
	slices.Sort(out)
	return out
}

// Planned identifies an action created during planning.
type Planned struct {
	ActionID  int
	RunStepID int
}

// Output references this action's output, optionally a nested key of it.
// Using the reference in another action's input orders that action after
// this one.
func (p Planned) Output(keys ...string) value.Ref {
	return value.Ref{ActionID: p.ActionID, StepID: p.RunStepID}.At(keys...)
}

// Planner is handed to PlanFunc. Child actions planned directly are
// independent unless ordered by a Sequence scope or by output references.
type Planner interface {
	// PlanAction plans a child action.
	PlanAction(name string, input value.Value) (Planned, error)
	// PlanSelf records the action's own input and creates its run and
	// finalize steps.
	PlanSelf(input value.Value) (Planned, error)
	// Sequence plans everything inside fn as an ordered series.
	Sequence(fn func() error) error
	// Concurrence plans everything inside fn as independent units.
	Concurrence(fn func() error) error
	// ActionID returns the id of the action being planned.
	ActionID() int
}

// RunContext carries one execution of a run or finalize step.
type RunContext struct {
	PlanID   string
	StepID   int
	ActionID int
	Phase    plan.Phase
	// Input has every output reference resolved.
	Input value.Value
	// Output is kept across suspensions and persisted after each execution.
	Output value.Object
	// Event is set when the step is resumed by an event.
	Event value.Value
	// Cancel is set when the event is a cancellation request.
	Cancel bool

	suspended bool
}

// Suspend asks for the step to wait for an event once Run returns.
// Ignored in the finalize phase.
func (rc *RunContext) Suspend() { rc.suspended = true }

// Suspended reports whether Suspend was called.
func (rc *RunContext) Suspended() bool { return rc.suspended }

// Set stores one output key.
func (rc *RunContext) Set(key string, v value.Value) {
	if rc.Output == nil {
		rc.Output = value.Object{}
	}
	rc.Output[key] = v
}
