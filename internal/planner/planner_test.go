package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

func noop(context.Context, *action.RunContext) error { return nil }

func newPlanner(t *testing.T, defs ...action.Definition) *Planner {
	t.Helper()
	reg, err := action.NewRegistry(defs...)
	require.NoError(t, err)
	return New(reg, clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), nil)
}

func planRoot(t *testing.T, p *Planner, root string, input value.Value) (*plan.ExecutionPlan, map[int]value.Value, error) {
	t.Helper()
	ep := plan.New("plan-1", root)
	inputs, err := p.Plan(context.Background(), ep, root, input)
	return ep, inputs, err
}

func TestPlan_SingleAction(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Echo", Run: noop})

	in := value.Object{"msg": value.String("hi")}
	ep, inputs, err := planRoot(t, p, "Echo", in)
	require.NoError(t, err)

	assert.Equal(t, plan.PlanPlanned, ep.State)
	assert.Equal(t, 1, ep.RootPlanStepID)
	require.Len(t, ep.Steps, 2)
	assert.Equal(t, plan.PhasePlan, ep.Steps[1].Phase)
	assert.Equal(t, plan.StateSuccess, ep.Steps[1].State)
	assert.Equal(t, plan.PhaseRun, ep.Steps[2].Phase)
	assert.Equal(t, plan.StatePending, ep.Steps[2].State)
	assert.Equal(t, action.DefaultQueue, ep.Steps[2].Queue)

	assert.Equal(t, flow.Atom{StepID: 2}, ep.RunFlow)
	assert.True(t, flow.Empty(ep.FinalizeFlow))
	assert.Equal(t, in, inputs[RootActionID])
	assert.Equal(t, 2, ep.Actions[RootActionID].RunStepID)
}

func TestPlan_SequenceOrdersChildren(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Step", Run: noop},
		action.Definition{Name: "Pipeline", Plan: func(pl action.Planner, _ value.Value) error {
			return pl.Sequence(func() error {
				for i := 0; i < 3; i++ {
					if _, err := pl.PlanAction("Step", value.Int(i)); err != nil {
						return err
					}
				}
				return nil
			})
		}},
	)

	ep, _, err := planRoot(t, p, "Pipeline", value.Null{})
	require.NoError(t, err)

	// Steps: 1 root plan, then plan/run pairs 2/3, 4/5, 6/7.
	assert.Equal(t, flow.NewSequence(3, 5, 7), ep.RunFlow)
	assert.Equal(t, 1, ep.Actions[2].ParentID)
	assert.Equal(t, 0, ep.Actions[RootActionID].RunStepID)
}

func TestPlan_ReferencesOrderConcurrentChildren(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Step", Run: noop},
		action.Definition{Name: "Fan", Plan: func(pl action.Planner, _ value.Value) error {
			a, err := pl.PlanAction("Step", value.String("a"))
			if err != nil {
				return err
			}
			if _, err := pl.PlanAction("Step", value.String("b")); err != nil {
				return err
			}
			_, err = pl.PlanAction("Step", value.Object{"from": a.Output("result")})
			return err
		}},
	)

	ep, inputs, err := planRoot(t, p, "Fan", value.Null{})
	require.NoError(t, err)

	assert.Equal(t, flow.Concurrence{Flows: []flow.Flow{
		flow.NewSequence(3, 7),
		flow.Atom{StepID: 5},
	}}, ep.RunFlow)
	assert.Equal(t, value.Object{"from": value.Ref{ActionID: 2, StepID: 3, Path: []string{"result"}}}, inputs[4])
}

func TestPlan_NestedScopes(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Step", Run: noop},
		action.Definition{Name: "Root", Plan: func(pl action.Planner, _ value.Value) error {
			return pl.Sequence(func() error {
				if _, err := pl.PlanAction("Step", value.Int(1)); err != nil {
					return err
				}
				if err := pl.Concurrence(func() error {
					if _, err := pl.PlanAction("Step", value.Int(2)); err != nil {
						return err
					}
					_, err := pl.PlanAction("Step", value.Int(3))
					return err
				}); err != nil {
					return err
				}
				_, err := pl.PlanAction("Step", value.Int(4))
				return err
			})
		}},
	)

	ep, _, err := planRoot(t, p, "Root", value.Null{})
	require.NoError(t, err)

	assert.Equal(t, flow.Sequence{Flows: []flow.Flow{
		flow.Atom{StepID: 3},
		flow.NewConcurrence(5, 7),
		flow.Atom{StepID: 9},
	}}, ep.RunFlow)
}

func TestPlan_FinalizeFlowFollowsPlanSelfOrder(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Cleanup", Run: noop, Finalize: noop},
		action.Definition{Name: "Root", Finalize: noop, Plan: func(pl action.Planner, in value.Value) error {
			if _, err := pl.PlanAction("Cleanup", value.Null{}); err != nil {
				return err
			}
			_, err := pl.PlanSelf(in)
			return err
		}},
	)

	ep, _, err := planRoot(t, p, "Root", value.Null{})
	require.NoError(t, err)

	// Steps: 1 root plan, 2 child plan, 3 child run, 4 child finalize,
	// 5 root finalize.
	assert.Equal(t, flow.NewSequence(4, 5), ep.FinalizeFlow)
	assert.Equal(t, flow.Atom{StepID: 3}, ep.RunFlow)
	assert.Equal(t, 5, ep.Actions[RootActionID].FinalizeStepID)
}

func TestPlan_UnknownActionStopsThePlan(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Root", Plan: func(pl action.Planner, _ value.Value) error {
		_, err := pl.PlanAction("Missing", value.Null{})
		return err
	}})

	ep, _, err := planRoot(t, p, "Root", value.Null{})
	require.Error(t, err)

	var pe *plan.PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, plan.ErrCodeUnknownAction, pe.Code)
	assert.Equal(t, plan.PlanStopped, ep.State)
	assert.Equal(t, plan.ResultError, ep.Result)
	assert.Equal(t, plan.StateError, ep.Steps[1].State)
}

func TestPlan_RejectedInputIsAPlanningError(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Strict", Run: noop, Plan: func(action.Planner, value.Value) error {
		return errors.New("missing field")
	}})

	ep, _, err := planRoot(t, p, "Strict", value.Null{})
	var pe *plan.PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, plan.ErrCodeInvalidInput, pe.Code)
	assert.Equal(t, "Strict", pe.Action)
	assert.Equal(t, plan.PlanStopped, ep.State)
	require.NotNil(t, ep.Steps[1].Error)
	assert.Equal(t, "missing field", ep.Steps[1].Error.Message)
}

func TestPlan_IgnoredChildErrorStillFailsPlanning(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Bad", Plan: func(action.Planner, value.Value) error { return errors.New("nope") }},
		action.Definition{Name: "Root", Plan: func(pl action.Planner, _ value.Value) error {
			_, _ = pl.PlanAction("Bad", value.Null{})
			return nil
		}},
	)

	ep, _, err := planRoot(t, p, "Root", value.Null{})
	assert.True(t, plan.IsPlanningError(err))
	assert.Equal(t, plan.PlanStopped, ep.State)
}

func TestPlan_InvalidReference(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Step", Run: noop})

	_, _, err := planRoot(t, p, "Step", value.Object{"x": value.Ref{ActionID: 9, StepID: 9}})
	var pe *plan.PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, plan.ErrCodeInvalidReference, pe.Code)
}

func TestPlan_PanicInPlanIsRecovered(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Boom", Plan: func(action.Planner, value.Value) error {
		panic("kaboom")
	}})

	ep, _, err := planRoot(t, p, "Boom", value.Null{})
	assert.True(t, plan.IsPlanningError(err))
	assert.Equal(t, plan.StateError, ep.Steps[1].State)
}

func TestPlan_PlanSelfTwiceFails(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Twice", Run: noop, Plan: func(pl action.Planner, in value.Value) error {
		if _, err := pl.PlanSelf(in); err != nil {
			return err
		}
		_, err := pl.PlanSelf(in)
		return err
	}})

	_, _, err := planRoot(t, p, "Twice", value.Null{})
	assert.True(t, plan.IsPlanningError(err))
}

func TestPlan_RescueStrategyIsRecorded(t *testing.T) {
	p := newPlanner(t,
		action.Definition{Name: "Child", Run: noop},
		action.Definition{Name: "Root", Rescue: plan.StrategySkip, Plan: func(pl action.Planner, _ value.Value) error {
			_, err := pl.PlanAction("Child", value.Null{})
			return err
		}},
	)

	ep, _, err := planRoot(t, p, "Root", value.Null{})
	require.NoError(t, err)
	assert.Equal(t, plan.StrategySkip, ep.RescueStrategy(3))
}

func TestPrepare_RecordsRootAction(t *testing.T) {
	p := newPlanner(t, action.Definition{Name: "Echo", Run: noop})
	ep := plan.New("plan-1", "Echo")

	require.NoError(t, p.Prepare(ep, "Echo"))
	assert.Equal(t, plan.PlanPending, ep.State)
	assert.Equal(t, "Echo", ep.Actions[RootActionID].Name)
	assert.Equal(t, plan.StatePending, ep.Steps[1].State)

	_, err := p.Plan(context.Background(), ep, "Echo", value.Null{})
	require.NoError(t, err)
	assert.Len(t, ep.Steps, 2)

	assert.True(t, plan.IsPlanningError(p.Prepare(plan.New("plan-2", "x"), "Missing")))
}
