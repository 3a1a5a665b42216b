package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/planner"
	"github.com/roach88/conductor/internal/value"
)

// ErrNotExecutor is returned by operations that need a local executor core.
var ErrNotExecutor = errors.New("world is not an executor")

// Triggered is a planned plan whose execution request is in flight.
type Triggered struct {
	PlanID string
	*dispatch.Tracked
}

// Plan creates a pending plan for the root action and stores its input.
// Planning itself happens on the executor that picks the plan up.
func (w *World) Plan(ctx context.Context, root string, input value.Value) (string, error) {
	id, err := w.cfg.NewPlanID()
	if err != nil {
		return "", fmt.Errorf("generate plan id: %w", err)
	}
	ep := plan.New(id, root)
	if err := w.planner.Prepare(ep, root); err != nil {
		return "", err
	}
	if err := w.store.SavePlan(ctx, ep); err != nil {
		return "", err
	}
	inputs := map[int]value.Value{planner.RootActionID: input}
	if err := w.store.SaveActionInputs(ctx, ep.ID, inputs); err != nil {
		return "", err
	}
	w.logger.Debug("plan created", "plan_id", ep.ID, "action", root)
	return ep.ID, nil
}

// Trigger plans root and dispatches its execution.
func (w *World) Trigger(ctx context.Context, root string, input value.Value) (Triggered, error) {
	id, err := w.Plan(ctx, root, input)
	if err != nil {
		return Triggered{}, err
	}
	tr, err := w.Execute(ctx, id)
	if err != nil {
		return Triggered{PlanID: id}, err
	}
	return Triggered{PlanID: id, Tracked: tr}, nil
}

// Execute dispatches the execution of a stored plan. Paused plans resume.
func (w *World) Execute(ctx context.Context, planID string) (*dispatch.Tracked, error) {
	return w.client.Publish(ctx, dispatch.Execution{PlanID: planID})
}

// Event delivers payload to a suspended step of a plan being executed.
func (w *World) Event(ctx context.Context, planID string, stepID int, payload value.Value, optional bool) (*dispatch.Tracked, error) {
	return w.client.Publish(ctx, dispatch.Event{PlanID: planID, StepID: stepID, Payload: payload, Optional: optional})
}

// Ping checks that another world answers.
func (w *World) Ping(ctx context.Context, worldID string) (*dispatch.Tracked, error) {
	return w.client.Publish(ctx, dispatch.Ping{ReceiverID: worldID})
}

// Skip marks errored steps of a paused plan for skipping. Execute resumes
// the plan afterwards.
func (w *World) Skip(ctx context.Context, planID string, stepIDs ...int) error {
	ep, err := w.store.LoadPlan(ctx, planID)
	if err != nil {
		return err
	}
	if ep.State != plan.PlanPaused {
		return fmt.Errorf("skip steps of plan %s: plan is %s, not paused", planID, ep.State)
	}
	now := w.clock.Now()
	for _, id := range stepIDs {
		if err := ep.Skip(id, now); err != nil {
			return fmt.Errorf("skip step %d of plan %s: %w", id, planID, err)
		}
	}
	return w.store.SavePlan(ctx, ep)
}

// Cancel requests cancellation of a plan executing in this world.
func (w *World) Cancel(ctx context.Context, planID string) error {
	if w.core == nil {
		return ErrNotExecutor
	}
	return w.core.Cancel(ctx, planID)
}

// Executing lists the plans executing in this world.
func (w *World) Executing(ctx context.Context) ([]string, error) {
	if w.core == nil {
		return nil, nil
	}
	return w.core.Plans(ctx)
}
