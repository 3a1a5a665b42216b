package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/planner"
	"github.com/roach88/conductor/internal/value"
)

// Persistence is the storage the executor needs. store.Store implements it.
type Persistence interface {
	director.Saver
	LoadPlan(ctx context.Context, id string) (*plan.ExecutionPlan, error)
	SaveActionInputs(ctx context.Context, planID string, inputs map[int]value.Value) error
	LoadActionInput(ctx context.Context, planID string, actionID int) (value.Value, error)
	LoadActionOutput(ctx context.Context, planID string, actionID int) (value.Object, error)
	SaveActionOutput(ctx context.Context, planID string, actionID int, out value.Object) error
}

// Worker executes a single WorkItem: it plans, or runs one step of, an
// action and persists the outcome before reporting it.
type Worker struct {
	registry *action.Registry
	planner  *planner.Planner
	store    Persistence
	clock    clock.Clock
	logger   *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(registry *action.Registry, store Persistence, clk clock.Clock, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry: registry,
		planner:  planner.New(registry, clk, logger),
		store:    store,
		clock:    clk,
		logger:   logger,
	}
}

// Execute runs item. Result.Err carries fatal failures only; step failures
// are recorded on the step.
func (w *Worker) Execute(ctx context.Context, item director.WorkItem) director.Result {
	res := director.Result{ItemID: item.ID, PlanID: item.PlanID}
	if item.Kind == director.KindPlanning {
		res.Plan, res.Err = w.plan(ctx, item)
		return res
	}
	res.Step, res.Err = w.run(ctx, item)
	return res
}

func (w *Worker) plan(ctx context.Context, item director.WorkItem) (*plan.ExecutionPlan, error) {
	ep := item.Plan
	root, ok := ep.Actions[planner.RootActionID]
	if !ok {
		return ep, fmt.Errorf("plan %s has no root action", ep.ID)
	}
	input, err := w.store.LoadActionInput(ctx, ep.ID, root.ID)
	if err != nil {
		return ep, fmt.Errorf("load root input: %w", err)
	}

	inputs, planErr := w.planner.Plan(ctx, ep, root.Name, input)
	if planErr != nil && !plan.IsPlanningError(planErr) {
		return ep, planErr
	}
	if err := w.store.SavePlan(ctx, ep); err != nil {
		return ep, fmt.Errorf("save planned plan: %w", err)
	}
	if err := w.store.SaveActionInputs(ctx, ep.ID, inputs); err != nil {
		return ep, fmt.Errorf("save action inputs: %w", err)
	}
	return ep, planErr
}

func (w *Worker) run(ctx context.Context, item director.WorkItem) (*plan.Step, error) {
	step := item.Step.Clone()
	log := w.logger.With("plan_id", step.PlanID, "step_id", step.ID, "action", step.ActionName)

	if err := step.Transition(plan.StateRunning, w.clock.Now()); err != nil {
		return item.Step, err
	}
	if err := w.save(ctx, step); err != nil {
		return step, err
	}

	rc, cause := w.prepare(ctx, step, item.Event)
	if cause == nil {
		cause = w.invoke(ctx, step, rc)
	}

	now := w.clock.Now()
	switch {
	case cause != nil:
		log.Warn("step failed", "error", cause.Message, "class", cause.ExceptionClass)
		if err := step.Fail(cause, now); err != nil {
			return step, err
		}
	case rc.Suspended() && step.Phase == plan.PhaseRun:
		if err := step.Transition(plan.StateSuspended, now); err != nil {
			return step, err
		}
	default:
		if err := step.Transition(plan.StateSuccess, now); err != nil {
			return step, err
		}
	}

	if rc != nil {
		if err := w.store.SaveActionOutput(ctx, step.PlanID, step.ActionID, rc.Output); err != nil {
			if plan.IsFatal(err) {
				return step, err
			}
			log.Warn("failed to save action output", "error", err)
		}
	}
	if err := w.save(ctx, step); err != nil {
		return step, err
	}
	log.Debug("step executed", "state", step.State, "execution_time", step.ExecutionTime)
	return step, nil
}

// prepare loads the action input with references resolved and the output
// kept from earlier executions.
func (w *Worker) prepare(ctx context.Context, step *plan.Step, ev *director.Event) (*action.RunContext, *plan.StepError) {
	input, err := w.store.LoadActionInput(ctx, step.PlanID, step.ActionID)
	if err != nil {
		return nil, plan.NewStepError(fmt.Errorf("load input: %w", err))
	}
	resolved, err := value.Resolve(input, func(ref value.Ref) (value.Value, error) {
		out, err := w.store.LoadActionOutput(ctx, step.PlanID, ref.ActionID)
		if err != nil {
			return nil, err
		}
		v, ok := value.Get(out, ref.Path)
		if !ok {
			return nil, fmt.Errorf("output of action %d has no value at %v", ref.ActionID, ref.Path)
		}
		return v, nil
	})
	if err != nil {
		return nil, plan.NewStepError(fmt.Errorf("resolve input: %w", err))
	}
	output, err := w.store.LoadActionOutput(ctx, step.PlanID, step.ActionID)
	if err != nil {
		return nil, plan.NewStepError(fmt.Errorf("load output: %w", err))
	}

	rc := &action.RunContext{
		PlanID:   step.PlanID,
		StepID:   step.ID,
		ActionID: step.ActionID,
		Phase:    step.Phase,
		Input:    resolved,
		Output:   output,
	}
	if ev != nil {
		rc.Event = ev.Payload
		rc.Cancel = ev.Cancel
	}
	return rc, nil
}

// invoke calls the action's code, turning panics into step errors.
func (w *Worker) invoke(ctx context.Context, step *plan.Step, rc *action.RunContext) (cause *plan.StepError) {
	def, ok := w.registry.Lookup(step.ActionName)
	if !ok {
		return &plan.StepError{ExceptionClass: "UnknownAction",
			Message: fmt.Sprintf("action %q is not registered", step.ActionName), Backtrace: []string{}}
	}
	fn := def.Run
	if step.Phase == plan.PhaseFinalize {
		fn = def.Finalize
	}
	if fn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			cause = plan.NewPanicError(r)
		}
	}()
	if err := fn(ctx, rc); err != nil {
		return plan.NewStepError(err)
	}
	return nil
}

func (w *Worker) save(ctx context.Context, step *plan.Step) error {
	err := w.store.SaveStep(ctx, step)
	if err == nil {
		return nil
	}
	if plan.IsFatal(err) {
		return fmt.Errorf("save step %d: %w", step.ID, err)
	}
	w.logger.Warn("failed to save step", "plan_id", step.PlanID, "step_id", step.ID, "error", err)
	return nil
}
