package plan

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/conductor/internal/flow"
)

// Strategy decides what happens to a plan when one of its run steps fails.
type Strategy string

const (
	// StrategyInherit defers the decision to the parent action.
	StrategyInherit Strategy = ""
	// StrategyPause halts the plan for an operator to resume or skip.
	StrategyPause Strategy = "pause"
	// StrategySkip marks the failed step and its dependents skipped and
	// continues with everything else.
	StrategySkip Strategy = "skip"
)

// Action describes one planned action instance. Its input and output live in
// separate payload records so the plan itself stays small.
type Action struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	ParentID       int      `json:"parent_id,omitempty"`
	PlanStepID     int      `json:"plan_step_id,omitempty"`
	RunStepID      int      `json:"run_step_id,omitempty"`
	FinalizeStepID int      `json:"finalize_step_id,omitempty"`
	Rescue         Strategy `json:"rescue,omitempty"`
}

// HistoryEntry records a lifecycle event of a plan.
type HistoryEntry struct {
	Name    string    `json:"name"`
	WorldID string    `json:"world_id"`
	Time    time.Time `json:"time"`
}

// History entry names.
const (
	HistoryStart     = "start execution"
	HistoryFinish    = "finish execution"
	HistoryPause     = "pause execution"
	HistoryTerminate = "terminate execution"
)

// ExecutionPlan owns the steps and flows of one orchestrated task.
type ExecutionPlan struct {
	ID             string
	Label          string
	State          PlanState
	Result         Result
	RootPlanStepID int
	RunFlow        flow.Flow
	FinalizeFlow   flow.Flow
	Steps          map[int]*Step
	Actions        map[int]*Action
	History        []HistoryEntry
	Cancelled      bool

	StartedAt     time.Time
	EndedAt       time.Time
	ExecutionTime time.Duration
	RealTime      time.Duration
}

// New creates an empty pending plan.
func New(id, label string) *ExecutionPlan {
	return &ExecutionPlan{
		ID:           id,
		Label:        label,
		State:        PlanPending,
		Result:       ResultPending,
		RunFlow:      flow.Sequence{},
		FinalizeFlow: flow.Sequence{},
		Steps:        make(map[int]*Step),
		Actions:      make(map[int]*Action),
	}
}

// SetState moves the plan to state to. Entering running stamps StartedAt;
// entering paused or stopped stamps EndedAt and recomputes the result.
func (p *ExecutionPlan) SetState(to PlanState, now time.Time) error {
	if !PlanAllowed(p.State, to) {
		return &PlanTransitionError{PlanID: p.ID, From: p.State, To: to}
	}
	p.State = to
	switch to {
	case PlanRunning:
		if p.StartedAt.IsZero() {
			p.StartedAt = now
		}
	case PlanPaused, PlanStopped:
		p.EndedAt = now
		if !p.StartedAt.IsZero() {
			p.RealTime = now.Sub(p.StartedAt)
		}
		p.ExecutionTime = 0
		for _, s := range p.Steps {
			p.ExecutionTime += s.ExecutionTime
		}
		p.Result = p.ComputeResult()
	}
	return nil
}

// ComputeResult derives the plan result from its steps.
func (p *ExecutionPlan) ComputeResult() Result {
	var skipped, pending bool
	for _, s := range p.Steps {
		switch s.State {
		case StateError:
			return ResultError
		case StateSkipped, StateSkipping:
			skipped = true
		case StatePending, StateScheduling, StateRunning, StateSuspended:
			pending = true
		}
	}
	switch {
	case skipped:
		return ResultWarning
	case p.Cancelled:
		return ResultCancelled
	case pending && p.State != PlanStopped:
		return ResultPending
	default:
		return ResultSuccess
	}
}

// AddHistory appends a lifecycle entry.
func (p *ExecutionPlan) AddHistory(name, worldID string, now time.Time) {
	p.History = append(p.History, HistoryEntry{Name: name, WorldID: worldID, Time: now})
}

// LastHistory returns the most recent lifecycle entry name, or "".
func (p *ExecutionPlan) LastHistory() string {
	if len(p.History) == 0 {
		return ""
	}
	return p.History[len(p.History)-1].Name
}

// StepIDs returns every step id in ascending order.
func (p *ExecutionPlan) StepIDs() []int {
	return slices.Sorted(maps.Keys(p.Steps))
}

// StepsIn returns the steps of one phase ordered by id.
func (p *ExecutionPlan) StepsIn(phase Phase) []*Step {
	var out []*Step
	for _, id := range p.StepIDs() {
		if s := p.Steps[id]; s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

// StepsInState returns steps currently in one of states, ordered by id.
func (p *ExecutionPlan) StepsInState(states ...State) []*Step {
	var out []*Step
	for _, id := range p.StepIDs() {
		if s := p.Steps[id]; slices.Contains(states, s.State) {
			out = append(out, s)
		}
	}
	return out
}

// HasErrors reports whether any step is in error.
func (p *ExecutionPlan) HasErrors() bool {
	return len(p.StepsInState(StateError)) > 0
}

// RunStepFor returns the run step of the action owning step, or nil.
func (p *ExecutionPlan) RunStepFor(step *Step) *Step {
	a, ok := p.Actions[step.ActionID]
	if !ok || a.RunStepID == 0 {
		return nil
	}
	return p.Steps[a.RunStepID]
}

// RescueStrategy resolves the strategy for a failed step by walking from its
// action up the parent chain to the nearest action that declares one.
// Plans default to StrategyPause.
func (p *ExecutionPlan) RescueStrategy(stepID int) Strategy {
	step, ok := p.Steps[stepID]
	if !ok {
		return StrategyPause
	}
	seen := make(map[int]bool)
	for id := step.ActionID; id != 0 && !seen[id]; {
		seen[id] = true
		a, ok := p.Actions[id]
		if !ok {
			break
		}
		if a.Rescue != StrategyInherit {
			return a.Rescue
		}
		id = a.ParentID
	}
	return StrategyPause
}

// Skip marks an errored run step for skipping on the next resume.
func (p *ExecutionPlan) Skip(stepID int, now time.Time) error {
	step, ok := p.Steps[stepID]
	if !ok {
		return &TransitionError{PlanID: p.ID, StepID: stepID, Phase: PhaseRun, To: StateSkipping}
	}
	return step.Transition(StateSkipping, now)
}

// Clone returns a deep copy. Flows are immutable and shared.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	cp := *p
	cp.Steps = make(map[int]*Step, len(p.Steps))
	for id, s := range p.Steps {
		cp.Steps[id] = s.Clone()
	}
	cp.Actions = make(map[int]*Action, len(p.Actions))
	for id, a := range p.Actions {
		ac := *a
		cp.Actions[id] = &ac
	}
	cp.History = slices.Clone(p.History)
	return &cp
}
