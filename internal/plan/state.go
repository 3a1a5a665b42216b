package plan

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// Phase identifies which part of a plan a step belongs to.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseRun      Phase = "run"
	PhaseFinalize Phase = "finalize"
)

// State is the lifecycle state of a step.
type State string

const (
	StatePending    State = "pending"
	StateScheduling State = "scheduling"
	StateRunning    State = "running"
	StateSuccess    State = "success"
	StateSuspended  State = "suspended"
	StateSkipping   State = "skipping"
	StateSkipped    State = "skipped"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Finished reports whether no further scheduling is expected for a step in
// this state within its current phase.
func (s State) Finished() bool {
	switch s {
	case StateSuccess, StateSkipped, StateError, StateCancelled:
		return true
	}
	return false
}

type edge struct {
	from, to any
}

var stepTransitions = map[Phase][]edge{
	PhasePlan: {
		{StatePending, StateRunning},
		{StateRunning, StateSuccess},
		{StateRunning, StateError},
	},
	PhaseRun: {
		{StatePending, StateRunning},
		{StatePending, StateScheduling},
		{StatePending, StateSkipped},
		{StatePending, StateCancelled},
		{StateScheduling, StateRunning},
		{StateScheduling, StateCancelled},
		{StateRunning, StateSuccess},
		{StateRunning, StateError},
		{StateRunning, StateSuspended},
		{StateSuspended, StateRunning},
		{StateSuspended, StateCancelled},
		{StateSuccess, StateSuspended},
		{StateError, StateSkipped},
		{StateError, StateSkipping},
		{StateError, StateRunning},
		{StateSkipping, StateSkipped},
	},
	PhaseFinalize: {
		{StatePending, StateRunning},
		{StatePending, StateSkipped},
		{StatePending, StateCancelled},
		{StateRunning, StateSuccess},
		{StateRunning, StateError},
		{StateSuccess, StatePending},
		{StateError, StatePending},
	},
}

// PlanState is the lifecycle state of an execution plan.
type PlanState string

const (
	PlanPending  PlanState = "pending"
	PlanPlanning PlanState = "planning"
	PlanPlanned  PlanState = "planned"
	PlanRunning  PlanState = "running"
	PlanPaused   PlanState = "paused"
	PlanStopped  PlanState = "stopped"
)

// Valid reports whether s is a known plan state.
func (s PlanState) Valid() bool {
	switch s {
	case PlanPending, PlanPlanning, PlanPlanned, PlanRunning, PlanPaused, PlanStopped:
		return true
	}
	return false
}

var planTransitions = []edge{
	{PlanPending, PlanPlanning},
	{PlanPlanning, PlanPlanned},
	{PlanPlanning, PlanStopped},
	{PlanPlanned, PlanRunning},
	{PlanPlanned, PlanStopped},
	{PlanRunning, PlanPaused},
	{PlanRunning, PlanStopped},
	{PlanPaused, PlanRunning},
	{PlanPaused, PlanStopped},
}

// Result summarizes the outcome of an execution plan.
type Result string

const (
	ResultPending   Result = "pending"
	ResultSuccess   Result = "success"
	ResultWarning   Result = "warning"
	ResultError     Result = "error"
	ResultCancelled Result = "cancelled"
)

// fire builds a state machine over edges starting at from and fires the
// trigger named after to. Triggers and destination states share values.
func fire(edges []edge, from, to any) error {
	sm := stateless.NewStateMachine(from)
	configured := make(map[any]*stateless.StateConfiguration)
	for _, e := range edges {
		cfg, ok := configured[e.from]
		if !ok {
			cfg = sm.Configure(e.from)
			configured[e.from] = cfg
		}
		cfg.Permit(e.to, e.to)
	}
	return sm.Fire(to)
}

// Allowed reports whether a step in phase may move from one state to another.
func Allowed(phase Phase, from, to State) bool {
	edges, ok := stepTransitions[phase]
	if !ok {
		return false
	}
	return fire(edges, from, to) == nil
}

// PlanAllowed reports whether a plan may move between the given states.
func PlanAllowed(from, to PlanState) bool {
	return fire(planTransitions, from, to) == nil
}

func (p Phase) validate() error {
	if _, ok := stepTransitions[p]; !ok {
		return fmt.Errorf("unknown phase %q", p)
	}
	return nil
}
