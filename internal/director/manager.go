package director

import (
	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
)

// activity is what the Director knows about a step beyond its state.
type activity int

const (
	// activityWaiting steps are ready but queued on a semaphore.
	activityWaiting activity = iota + 1
	// activityInFlight steps have a WorkItem out with a worker.
	activityInFlight
	// activitySuspended steps wait for an event.
	activitySuspended
)

// manager tracks one executing plan: the runtime graph of the current
// phase, what each step is doing and events waiting for running steps.
type manager struct {
	plan  *plan.ExecutionPlan
	phase plan.Phase
	graph *flow.Graph

	active map[int]activity
	events map[int][]Event

	// pausing stops new scheduling after a step failed without a skip
	// rescue. The plan pauses once nothing is in flight.
	pausing   bool
	cancelled bool
}

func newManager(ep *plan.ExecutionPlan) *manager {
	return &manager{
		plan:   ep,
		phase:  plan.PhasePlan,
		graph:  flow.NewGraph(),
		active: make(map[int]activity),
		events: make(map[int][]Event),
	}
}

// holding reports whether new steps must not be scheduled.
func (m *manager) holding() bool { return m.pausing || m.cancelled }

// busy reports whether any step is in flight or queued on a semaphore.
func (m *manager) busy() bool {
	for _, a := range m.active {
		if a == activityWaiting || a == activityInFlight {
			return true
		}
	}
	return false
}

func (m *manager) hasSuspended() bool {
	for _, a := range m.active {
		if a == activitySuspended {
			return true
		}
	}
	return false
}

// phaseHasErrors reports whether a step of the current phase failed and was
// not rescued.
func (m *manager) phaseHasErrors() bool {
	for _, id := range m.graph.Nodes() {
		if s := m.plan.Steps[id]; s != nil && s.State == plan.StateError {
			if _, ok := m.active[id]; !ok {
				return true
			}
		}
	}
	return false
}

// resumePhase picks the phase to continue a plan in. The run phase is over
// once every run step has succeeded, been skipped or been cancelled. Steps
// marked skipping are settled by the run phase.
func resumePhase(ep *plan.ExecutionPlan) plan.Phase {
	if ep.Cancelled {
		return plan.PhaseRun
	}
	for _, id := range ep.RunFlow.StepIDs() {
		s, ok := ep.Steps[id]
		if !ok {
			return plan.PhaseRun
		}
		switch s.State {
		case plan.StateSuccess, plan.StateSkipped, plan.StateCancelled:
		default:
			return plan.PhaseRun
		}
	}
	return plan.PhaseFinalize
}

// runStepSkipped reports whether the action owning a finalize step had its
// run step skipped.
func (m *manager) runStepSkipped(s *plan.Step) bool {
	run := m.plan.RunStepFor(s)
	return run != nil && run.State == plan.StateSkipped
}
