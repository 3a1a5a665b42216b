package director

import (
	"github.com/roach88/conductor/internal/actor"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// Kind distinguishes what a worker does with a WorkItem.
type Kind string

const (
	// KindPlanning plans a pending execution plan.
	KindPlanning Kind = "planning"
	// KindExecution runs a run or finalize step.
	KindExecution Kind = "execution"
	// KindEvent re-enters a suspended step with an event.
	KindEvent Kind = "event"
)

// Priorities used by the worker pool. Higher runs first.
const (
	PriorityPlanning  = 0
	PriorityExecution = 1
	PriorityEvent     = 2
)

// WorkItem is one unit of work emitted by the Director. Each is consumed
// exactly once and answered with exactly one Result.
type WorkItem struct {
	ID       int64
	PlanID   string
	StepID   int
	Kind     Kind
	Queue    string
	Priority int
	Event    *Event

	// Step is a snapshot of the step taken when the item was emitted.
	Step *plan.Step
	// Plan is a snapshot of the whole plan, set for planning items only.
	Plan *plan.ExecutionPlan
}

// Event is an external signal for a suspended step.
type Event struct {
	PlanID  string
	StepID  int
	Payload value.Value
	// Optional events are dropped when the step cannot take them.
	Optional bool
	// Cancel asks a cancellable step to stop.
	Cancel bool
	// Reply, when set, resolves once the suspended step takes the event
	// or the event is dropped. A dropped mandatory event rejects it with
	// ErrUnprocessableEvent.
	Reply *actor.Future[struct{}]
}

func (ev Event) settle(err error) {
	if ev.Reply != nil {
		ev.Reply.Resolve(struct{}{}, err)
	}
}

// Result reports the outcome of a WorkItem back to the Director.
type Result struct {
	ItemID int64
	PlanID string
	// Step is the step after execution, already persisted by the worker.
	Step *plan.Step
	// Plan is the planned plan, for planning items.
	Plan *plan.ExecutionPlan
	// Err is set when a planning item failed.
	Err error
}

func (w WorkItem) holdsTicket() bool { return w.Kind != KindPlanning }
