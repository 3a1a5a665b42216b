package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/conductor/internal/connector"
	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/testutil"
	"github.com/roach88/conductor/internal/value"
	"github.com/roach88/conductor/internal/world"
)

// WorldID is the id of the executor world scenarios run on.
const WorldID = "harness"

// DefaultTimeout bounds one scenario run.
const DefaultTimeout = 10 * time.Second

// pollInterval is how often the harness looks for suspended steps.
const pollInterval = 5 * time.Millisecond

// Options tune a scenario run.
type Options struct {
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Dir holds the scenario database. Defaults to a fresh temp dir that is
	// removed afterwards.
	Dir    string
	Logger *slog.Logger
}

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string
	Plan     *plan.ExecutionPlan
	// Outputs holds the stored output of every action by action id.
	Outputs map[int]value.Object
	// Errors lists failed expectations.
	Errors []string
}

// Pass reports whether every expectation held.
func (r *Result) Pass() bool { return len(r.Errors) == 0 }

// Run executes s with default options.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	return RunWith(ctx, s, Options{})
}

// RunWith executes s on a fresh executor world and checks its
// expectations. An error means the scenario could not be run; failed
// expectations are reported in Result.Errors.
func RunWith(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "conductor-scenario-")
		if err != nil {
			return nil, fmt.Errorf("create scenario dir: %w", err)
		}
		defer os.RemoveAll(dir)
		opts.Dir = dir
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(opts.Dir, s.Name+".db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	ids := testutil.NewIDSequence("plan")
	direct := connector.NewDirect(opts.Logger)
	w, err := world.New(world.Config{
		ID:        WorldID,
		Executor:  true,
		Store:     st,
		Connector: direct,
		Registry:  reg,
		Clock:     testutil.NewClock(),
		NewPlanID: func() (string, error) { return ids.Next(), nil },
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	stop := start(direct, w)
	defer stop()
	if err := waitRegistered(ctx, w); err != nil {
		return nil, err
	}

	h := &runner{scenario: s, world: w, store: st}
	ep, err := h.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	outputs := make(map[int]value.Object, len(ep.Actions))
	for id := range ep.Actions {
		out, err := st.LoadActionOutput(ctx, ep.ID, id)
		if err != nil {
			return nil, err
		}
		outputs[id] = out
	}
	res := &Result{Scenario: s.Name, Plan: ep, Outputs: outputs}
	res.Errors = Check(s.Expect, res)
	return res, nil
}

// start runs the connector and the world. The returned func stops the
// world before the connector it shuts down through.
func start(direct *connector.Direct, w *world.World) func() {
	dctx, dcancel := context.WithCancel(context.Background())
	ddone := make(chan struct{})
	go func() {
		defer close(ddone)
		_ = direct.Run(dctx)
	}()
	wctx, wcancel := context.WithCancel(context.Background())
	wdone := make(chan struct{})
	go func() {
		defer close(wdone)
		_ = w.Run(wctx)
	}()
	return func() {
		wcancel()
		<-wdone
		dcancel()
		<-ddone
	}
}

func waitRegistered(ctx context.Context, w *world.World) error {
	return poll(ctx, func() (bool, error) {
		_, err := w.Coordinator().LoadWorld(ctx, w.ID())
		return err == nil, nil
	})
}

// poll calls fn until it reports done or ctx ends.
func poll(ctx context.Context, fn func() (bool, error)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done, err := fn()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type runner struct {
	scenario *Scenario
	world    *world.World
	store    *store.Store
}

func (r *runner) run(ctx context.Context) (*plan.ExecutionPlan, error) {
	input, err := toObject(r.scenario.Trigger.Input)
	if err != nil {
		return nil, fmt.Errorf("trigger input: %w", err)
	}
	tr, err := r.world.Trigger(ctx, r.scenario.Trigger.Action, input)
	if err != nil {
		return nil, err
	}
	if _, err := tr.Accepted.Wait(ctx); err != nil {
		return nil, fmt.Errorf("execution not accepted: %w", err)
	}
	for i, ev := range r.scenario.Events {
		if err := r.deliver(ctx, tr.PlanID, ev); err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	if err := finished(ctx, tr.Tracked); err != nil {
		return nil, err
	}

	if len(r.scenario.Skip) > 0 {
		if err := r.skip(ctx, tr.PlanID); err != nil {
			return nil, err
		}
	}
	return r.store.LoadPlan(ctx, tr.PlanID)
}

func finished(ctx context.Context, tr *dispatch.Tracked) error {
	if _, err := tr.Finished.Wait(ctx); err != nil {
		return fmt.Errorf("request did not finish: %w", err)
	}
	return nil
}

// deliver waits for the run step of the event's action to suspend and
// sends the event to it.
func (r *runner) deliver(ctx context.Context, planID string, ev EventSpec) error {
	var stepID int
	err := poll(ctx, func() (bool, error) {
		ep, err := r.store.LoadPlan(ctx, planID)
		if err != nil {
			return false, err
		}
		step := runStep(ep, ev.Action)
		if step == nil {
			return false, nil
		}
		stepID = step.ID
		return step.State == plan.StateSuspended, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for %s to suspend: %w", ev.Action, err)
	}
	payload, err := toObject(ev.Payload)
	if err != nil {
		return err
	}
	tr, err := r.world.Event(ctx, planID, stepID, payload, ev.Optional)
	if err != nil {
		return err
	}
	return finished(ctx, tr)
}

// skip marks failed run steps of the listed actions skipped and executes
// the paused plan again.
func (r *runner) skip(ctx context.Context, planID string) error {
	ep, err := r.store.LoadPlan(ctx, planID)
	if err != nil {
		return err
	}
	var ids []int
	for _, name := range r.scenario.Skip {
		step := runStep(ep, name)
		if step == nil || step.State != plan.StateError {
			return fmt.Errorf("skip %s: no failed run step", name)
		}
		ids = append(ids, step.ID)
	}
	if err := r.world.Skip(ctx, planID, ids...); err != nil {
		return err
	}
	tr, err := r.world.Execute(ctx, planID)
	if err != nil {
		return err
	}
	return finished(ctx, tr)
}

// runStep returns the first run step of the named action.
func runStep(ep *plan.ExecutionPlan, name string) *plan.Step {
	return findStep(ep, name, plan.PhaseRun)
}

func findStep(ep *plan.ExecutionPlan, name string, phase plan.Phase) *plan.Step {
	for _, id := range ep.StepIDs() {
		s := ep.Steps[id]
		if s.ActionName == name && s.Phase == phase {
			return s
		}
	}
	return nil
}
