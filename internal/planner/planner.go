// Package planner turns a root action and its input into an ExecutionPlan.
//
// Planning runs each action's PlanFunc, recording a plan step per action and
// run/finalize steps for every PlanSelf call. Run steps are ordered by
// output references and by Sequence scopes; everything else is concurrent.
// The resulting dependency graph is converted into the plan's run flow.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// RootActionID is the id of the action a plan is created for.
const RootActionID = 1

// Planner builds execution plans from a registry of action definitions.
type Planner struct {
	registry *action.Registry
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a planner. A nil logger uses slog.Default().
func New(registry *action.Registry, clk clock.Clock, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{registry: registry, clock: clk, logger: logger}
}

// Prepare records the root action of a pending plan without planning it, so
// the plan can be persisted and planned later by whichever world executes
// it.
func (p *Planner) Prepare(ep *plan.ExecutionPlan, root string) error {
	if _, ok := p.registry.Lookup(root); !ok {
		return &plan.PlanningError{Code: plan.ErrCodeUnknownAction, Message: "action is not registered", Action: root}
	}
	ep.RootPlanStepID = 1
	ep.Steps[1] = &plan.Step{ID: 1, PlanID: ep.ID, Phase: plan.PhasePlan, State: plan.StatePending,
		ActionID: RootActionID, ActionName: root, Queue: action.DefaultQueue}
	ep.Actions[RootActionID] = &plan.Action{ID: RootActionID, Name: root, PlanStepID: 1}
	return nil
}

// Plan plans root with input into ep, which must be pending. It returns the
// input recorded for every action keyed by action id.
//
// On a PlanningError the plan is stopped with result error and the error is
// returned together with the inputs gathered so far; the partially planned
// steps remain for inspection.
func (p *Planner) Plan(ctx context.Context, ep *plan.ExecutionPlan, root string, input value.Value) (map[int]value.Value, error) {
	now := p.clock.Now()
	if err := ep.SetState(plan.PlanPlanning, now); err != nil {
		return nil, err
	}

	b := &builder{
		ctx:      ctx,
		ep:       ep,
		registry: p.registry,
		now:      now,
		graph:    flow.NewGraph(),
		inputs:   make(map[int]value.Value),
	}
	clear(ep.Steps)
	clear(ep.Actions)
	ep.RootPlanStepID = 1

	_, err := b.planAction(root, input, 0)
	if err == nil {
		err = b.failure
	}
	if err == nil {
		err = b.finish()
	}
	if err != nil {
		var pe *plan.PlanningError
		if !errors.As(err, &pe) {
			if plan.IsFatal(err) || ctx.Err() != nil {
				return b.inputs, err
			}
			err = &plan.PlanningError{Code: plan.ErrCodeInvalidInput, Message: "planning failed", Action: root, Err: err}
		}
		if serr := ep.SetState(plan.PlanStopped, p.clock.Now()); serr != nil {
			return b.inputs, serr
		}
		ep.Result = plan.ResultError
		p.logger.Warn("planning failed", "plan_id", ep.ID, "action", root, "error", err)
		return b.inputs, err
	}

	if err := ep.SetState(plan.PlanPlanned, p.clock.Now()); err != nil {
		return b.inputs, err
	}
	p.logger.Debug("plan built",
		"plan_id", ep.ID,
		"actions", len(ep.Actions),
		"steps", len(ep.Steps),
		"run_flow", fmt.Sprint(ep.RunFlow))
	return b.inputs, nil
}

// builder holds the state of one planning pass.
type builder struct {
	ctx      context.Context
	ep       *plan.ExecutionPlan
	registry *action.Registry
	now      time.Time

	graph      *flow.Graph
	inputs     map[int]value.Value
	runSteps   []int
	finalize   []int
	nextStep   int
	nextAction int
	scopes     []*scope
	// failure is the first planning error, kept even when a parent's
	// PlanFunc ignores what PlanAction returned.
	failure error
}

// scope tracks run steps of the units planned directly inside one
// Sequence or Concurrence. A unit is a child action, a PlanSelf call or a
// nested scope.
type scope struct {
	sequential bool
	// prev holds run steps of the last unit that produced any, and is what
	// the next unit of a sequential scope depends on.
	prev []int
	cur  []int
}

func (s *scope) endUnit() {
	if len(s.cur) > 0 {
		s.prev = s.cur
	}
	s.cur = nil
}

func (b *builder) top() *scope { return b.scopes[len(b.scopes)-1] }

func (b *builder) newStep(phase plan.Phase, actionID int, def *action.Definition) *plan.Step {
	b.nextStep++
	s := &plan.Step{
		ID:          b.nextStep,
		PlanID:      b.ep.ID,
		Phase:       phase,
		State:       plan.StatePending,
		ActionID:    actionID,
		ActionName:  def.Name,
		Queue:       def.QueueName(),
		Cancellable: def.Cancellable,
	}
	b.ep.Steps[s.ID] = s
	return s
}

func (b *builder) planAction(name string, input value.Value, parentID int) (action.Planned, error) {
	if err := b.ctx.Err(); err != nil {
		return action.Planned{}, err
	}
	def, ok := b.registry.Lookup(name)
	if !ok {
		return action.Planned{}, &plan.PlanningError{Code: plan.ErrCodeUnknownAction, Message: "action is not registered", Action: name}
	}

	b.nextAction++
	a := &plan.Action{ID: b.nextAction, Name: name, ParentID: parentID, Rescue: def.Rescue}
	b.ep.Actions[a.ID] = a
	b.inputs[a.ID] = input

	step := b.newStep(plan.PhasePlan, a.ID, def)
	a.PlanStepID = step.ID
	if err := step.Transition(plan.StateRunning, b.now); err != nil {
		return action.Planned{}, err
	}

	pc := &planContext{b: b, action: a, def: def}
	b.scopes = append(b.scopes, &scope{})
	err := b.callPlan(pc, def, input)
	b.scopes = b.scopes[:len(b.scopes)-1]

	if err != nil {
		cause := plan.NewStepError(err)
		if ferr := step.Fail(cause, b.now); ferr != nil {
			return action.Planned{}, ferr
		}
		var pe *plan.PlanningError
		if !errors.As(err, &pe) {
			err = &plan.PlanningError{Code: plan.ErrCodeInvalidInput, Message: "action rejected its input", Action: name, Err: err}
		}
		if b.failure == nil {
			b.failure = err
		}
		return action.Planned{}, err
	}
	if err := step.Transition(plan.StateSuccess, b.now); err != nil {
		return action.Planned{}, err
	}

	if len(b.scopes) > 0 {
		b.top().endUnit()
	}
	return action.Planned{ActionID: a.ID, RunStepID: a.RunStepID}, nil
}

func (b *builder) callPlan(pc *planContext, def *action.Definition, input value.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("planning %s panicked: %v", def.Name, r)
		}
	}()
	if def.Plan == nil {
		_, err = pc.PlanSelf(input)
		return err
	}
	return def.Plan(pc, input)
}

// addRunStep orders a new run step after the previous unit of every
// sequential scope it is nested in, and records it as part of the current
// unit of every enclosing scope.
func (b *builder) addRunStep(id int, input value.Value) error {
	if err := b.checkRefs(id, input); err != nil {
		return err
	}
	b.graph.AddDependencies(id, input)
	for _, s := range b.scopes {
		if s.sequential {
			for _, req := range s.prev {
				b.graph.AddDependency(id, req)
			}
		}
		s.cur = append(s.cur, id)
	}
	b.runSteps = append(b.runSteps, id)
	return nil
}

func (b *builder) checkRefs(stepID int, input value.Value) error {
	for _, ref := range value.Refs(input) {
		a, ok := b.ep.Actions[ref.ActionID]
		if !ok || a.RunStepID == 0 || a.RunStepID != ref.StepID || ref.StepID == stepID {
			return &plan.PlanningError{
				Code:    plan.ErrCodeInvalidReference,
				Message: fmt.Sprintf("reference %s does not name an earlier run step", ref),
				Action:  b.ep.Steps[stepID].ActionName,
			}
		}
	}
	return nil
}

func (b *builder) finish() error {
	for _, id := range b.runSteps {
		b.graph.AddNode(id)
	}
	run, err := flow.ToFlow(b.graph)
	if err != nil {
		var ce *flow.CycleError
		if errors.As(err, &ce) {
			return &plan.PlanningError{Code: plan.ErrCodeDependencyCycle, Message: "run steps depend on each other", Err: err}
		}
		return err
	}
	b.ep.RunFlow = run
	b.ep.FinalizeFlow = flow.NewSequence(b.finalize...)
	return nil
}

// planContext implements action.Planner for one action.
type planContext struct {
	b       *builder
	action  *plan.Action
	def     *action.Definition
	planned bool
}

func (c *planContext) ActionID() int { return c.action.ID }

func (c *planContext) PlanAction(name string, input value.Value) (action.Planned, error) {
	return c.b.planAction(name, input, c.action.ID)
}

func (c *planContext) PlanSelf(input value.Value) (action.Planned, error) {
	if c.planned {
		return action.Planned{}, &plan.PlanningError{Code: plan.ErrCodeInvalidInput, Message: "PlanSelf called twice", Action: c.def.Name}
	}
	c.planned = true
	b := c.b
	b.inputs[c.action.ID] = input

	if c.def.Run != nil {
		step := b.newStep(plan.PhaseRun, c.action.ID, c.def)
		c.action.RunStepID = step.ID
		if err := b.addRunStep(step.ID, input); err != nil {
			return action.Planned{}, err
		}
	}
	if c.def.Finalize != nil {
		step := b.newStep(plan.PhaseFinalize, c.action.ID, c.def)
		c.action.FinalizeStepID = step.ID
		b.finalize = append(b.finalize, step.ID)
	}
	b.top().endUnit()
	return action.Planned{ActionID: c.action.ID, RunStepID: c.action.RunStepID}, nil
}

func (c *planContext) Sequence(fn func() error) error { return c.nest(true, fn) }

func (c *planContext) Concurrence(fn func() error) error { return c.nest(false, fn) }

func (c *planContext) nest(sequential bool, fn func() error) error {
	b := c.b
	b.scopes = append(b.scopes, &scope{sequential: sequential})
	err := fn()
	b.scopes = b.scopes[:len(b.scopes)-1]
	if err != nil {
		return err
	}
	b.top().endUnit()
	return nil
}
