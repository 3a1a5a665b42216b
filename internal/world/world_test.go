package world

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/connector"
	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/testutil"
	"github.com/roach88/conductor/internal/value"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store  *store.Store
	direct *connector.Direct
	clock  *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := connector.NewDirect(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{store: s, direct: d, clock: clock.NewManual(t0)}
}

func (h *harness) newWorld(t *testing.T, id string, executor bool, defs ...action.Definition) *World {
	t.Helper()
	w, err := New(Config{
		ID:        id,
		Executor:  executor,
		Store:     h.store,
		Connector: h.direct,
		Registry:  action.MustRegistry(defs...),
		Clock:     h.clock,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	return w
}

// start runs w until the test ends and waits for it to register.
func (h *harness) start(t *testing.T, w *World) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("world did not stop")
		}
	}
	t.Cleanup(stop)
	require.Eventually(t, func() bool {
		_, err := w.Coordinator().LoadWorld(context.Background(), w.ID())
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	return stop
}

func wait[T any](t *testing.T, f interface {
	Wait(context.Context) (T, error)
}) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func deploy(run action.RunFunc) action.Definition {
	return action.Definition{Name: "Deploy", Run: run}
}

func succeed(_ context.Context, rc *action.RunContext) error {
	rc.Set("ok", value.Bool(true))
	return nil
}

// runningPlan stores a running plan whose only run step is in state.
func runningPlan(t *testing.T, s *store.Store, id string, state plan.State) {
	t.Helper()
	ep := plan.New(id, "Deploy")
	ep.State = plan.PlanRunning
	ep.Result = plan.ResultPending
	ep.StartedAt = t0
	ep.RootPlanStepID = 1
	ep.RunFlow = flow.NewSequence(2)
	ep.Steps[1] = &plan.Step{ID: 1, PlanID: id, Phase: plan.PhasePlan, State: plan.StateSuccess,
		ActionID: 1, ActionName: "Deploy", Queue: action.DefaultQueue, StartedAt: t0, EndedAt: t0}
	ep.Steps[2] = &plan.Step{ID: 2, PlanID: id, Phase: plan.PhaseRun, State: state,
		ActionID: 1, ActionName: "Deploy", Queue: action.DefaultQueue}
	if state == plan.StateRunning {
		ep.Steps[2].StartedAt = t0
		ep.Steps[2].RunningSince = t0
	}
	ep.Actions[1] = &plan.Action{ID: 1, Name: "Deploy", PlanStepID: 1, RunStepID: 2}
	ep.AddHistory(plan.HistoryStart, "dead-1", t0)
	require.NoError(t, s.SavePlan(context.Background(), ep))
}

// deadWorld registers a world that stopped heartbeating and owns planID.
func deadWorld(t *testing.T, h *harness, planID string) {
	t.Helper()
	ctx := context.Background()
	coord := coordinator.New(h.store, h.clock, discardLogger())
	require.NoError(t, coord.Register(ctx, coordinator.World{
		ID: "dead-1", Executor: true, RegisteredAt: t0.Add(-time.Hour), LastSeen: t0.Add(-5 * time.Minute),
	}))
	require.NoError(t, coord.Acquire(ctx, coordinator.ExecutionLock(planID, "dead-1")))
	require.NoError(t, h.store.SaveAllocation(ctx, store.Allocation{
		PlanID: planID, WorldID: "dead-1", ClientWorldID: "client-9", RequestID: 42,
	}))
	require.NoError(t, h.store.SaveSemaphore(ctx, "dead-1/queue:default", 1, 0))
}

func TestWorld_TriggerRunsPlan(t *testing.T) {
	h := newHarness(t)
	exec := h.newWorld(t, "exec-1", true, deploy(succeed))
	client := h.newWorld(t, "client-1", false, deploy(succeed))
	h.start(t, exec)
	h.start(t, client)

	tr, err := client.Trigger(context.Background(), "Deploy", value.Object{"version": value.String("1.2")})
	require.NoError(t, err)
	resp, err := wait[dispatch.Response](t, tr.Finished)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Done{}, resp)

	ep, err := h.store.LoadPlan(context.Background(), tr.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanStopped, ep.State)
	assert.Equal(t, plan.ResultSuccess, ep.Result)

	_, err = h.store.LoadAllocation(context.Background(), tr.PlanID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	locks, err := exec.Coordinator().FindLocks(context.Background(), coordinator.LockFilter{})
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestWorld_CleanStopResetsSemaphores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exec, err := New(Config{
		ID:        "exec-1",
		Executor:  true,
		Store:     h.store,
		Connector: h.direct,
		Registry:  action.MustRegistry(deploy(succeed)),
		Clock:     h.clock,
		Limits:    director.Limits{Queues: map[string]int{action.DefaultQueue: 1}},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	stop := h.start(t, exec)

	tr, err := exec.Trigger(ctx, "Deploy", value.Null{})
	require.NoError(t, err)
	_, err = wait[dispatch.Response](t, tr.Finished)
	require.NoError(t, err)
	tickets, free, err := h.store.LoadSemaphore(ctx, "exec-1/queue:default")
	require.NoError(t, err)
	assert.Equal(t, 1, tickets)
	assert.Equal(t, 1, free)

	stop()
	_, _, err = h.store.LoadSemaphore(ctx, "exec-1/queue:default")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorld_TriggerWithoutExecutor(t *testing.T) {
	h := newHarness(t)
	client := h.newWorld(t, "client-1", false, deploy(succeed))
	h.start(t, client)

	tr, err := client.Trigger(context.Background(), "Deploy", value.Null{})
	require.NoError(t, err)
	_, err = wait[dispatch.Response](t, tr.Finished)
	var de *dispatch.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatch.ReasonNoExecutor, de.Reason)

	// The plan stays pending for a later execution.
	ep, err := h.store.LoadPlan(context.Background(), tr.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPending, ep.State)
}

func TestWorld_EventResumesSuspendedStep(t *testing.T) {
	h := newHarness(t)
	run := func(_ context.Context, rc *action.RunContext) error {
		if rc.Event == nil {
			rc.Suspend()
			return nil
		}
		rc.Set("event", rc.Event)
		return nil
	}
	exec := h.newWorld(t, "exec-1", true, deploy(run))
	h.start(t, exec)

	tr, err := exec.Trigger(context.Background(), "Deploy", value.Null{})
	require.NoError(t, err)
	_, err = wait[struct{}](t, tr.Accepted)
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		ep, err := h.store.LoadPlan(ctx, tr.PlanID)
		if err != nil {
			return false
		}
		for _, s := range ep.StepsIn(plan.PhaseRun) {
			if s.State == plan.StateSuspended {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	run2 := ep2RunStep(t, h.store, tr.PlanID)
	ev, err := exec.Event(ctx, tr.PlanID, run2, value.String("go"), false)
	require.NoError(t, err)
	_, err = wait[dispatch.Response](t, ev.Finished)
	require.NoError(t, err)

	resp, err := wait[dispatch.Response](t, tr.Finished)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Done{}, resp)
	out, err := h.store.LoadActionOutput(ctx, tr.PlanID, 1)
	require.NoError(t, err)
	assert.Equal(t, value.String("go"), out["event"])
}

func ep2RunStep(t *testing.T, s *store.Store, planID string) int {
	t.Helper()
	ep, err := s.LoadPlan(context.Background(), planID)
	require.NoError(t, err)
	steps := ep.StepsIn(plan.PhaseRun)
	require.Len(t, steps, 1)
	return steps[0].ID
}

func TestWorld_PingAnotherWorld(t *testing.T) {
	h := newHarness(t)
	exec := h.newWorld(t, "exec-1", true)
	client := h.newWorld(t, "client-1", false)
	h.start(t, exec)
	h.start(t, client)

	tr, err := client.Ping(context.Background(), "exec-1")
	require.NoError(t, err)
	resp, err := wait[dispatch.Response](t, tr.Finished)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Pong{}, resp)
}

func TestWorld_ShutdownHaltsPlansAndDeregisters(t *testing.T) {
	h := newHarness(t)
	run := func(_ context.Context, rc *action.RunContext) error {
		rc.Suspend()
		return nil
	}
	exec := h.newWorld(t, "exec-1", true, deploy(run))
	stop := h.start(t, exec)

	ctx := context.Background()
	tr, err := exec.Trigger(ctx, "Deploy", value.Null{})
	require.NoError(t, err)
	_, err = wait[struct{}](t, tr.Accepted)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		plans, err := exec.Executing(ctx)
		return err == nil && len(plans) == 1
	}, 5*time.Second, 5*time.Millisecond)

	stop()

	ep, err := h.store.LoadPlan(ctx, tr.PlanID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPaused, ep.State)
	_, err = exec.Coordinator().LoadWorld(ctx, "exec-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	locks, err := exec.Coordinator().FindLocks(ctx, coordinator.LockFilter{})
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestWorld_SkipResumesPausedPlan(t *testing.T) {
	h := newHarness(t)
	exec := h.newWorld(t, "exec-1", true, deploy(succeed))
	h.start(t, exec)
	ctx := context.Background()

	runningPlan(t, h.store, "p-1", plan.StateRunning)
	ep, err := h.store.LoadPlan(ctx, "p-1")
	require.NoError(t, err)
	require.NoError(t, ep.Steps[2].Fail(plan.AbnormalTermination(plan.StateRunning), t0))
	require.NoError(t, ep.SetState(plan.PlanPaused, t0))
	require.NoError(t, h.store.SavePlan(ctx, ep))

	assert.Error(t, exec.Skip(ctx, "p-1", 1), "plan step is not skippable")
	require.NoError(t, exec.Skip(ctx, "p-1", 2))
	ep, err = h.store.LoadPlan(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StateSkipping, ep.Steps[2].State)

	tr, err := exec.Execute(ctx, "p-1")
	require.NoError(t, err)
	_, err = wait[dispatch.Response](t, tr.Finished)
	require.NoError(t, err)
	ep, err = h.store.LoadPlan(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanStopped, ep.State)
	assert.Equal(t, plan.ResultWarning, ep.Result)
	assert.Equal(t, plan.StateSkipped, ep.Steps[2].State)
}

func TestWorld_SkipRequiresPausedPlan(t *testing.T) {
	h := newHarness(t)
	w := h.newWorld(t, "client-1", false)
	runningPlan(t, h.store, "p-1", plan.StateRunning)
	assert.ErrorContains(t, w.Skip(context.Background(), "p-1", 2), "not paused")
}

func TestWorld_CancelNeedsExecutor(t *testing.T) {
	h := newHarness(t)
	w := h.newWorld(t, "client-1", false)
	assert.ErrorIs(t, w.Cancel(context.Background(), "p-1"), ErrNotExecutor)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	h := newHarness(t)
	w, err := New(Config{Store: h.store, Connector: h.direct})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, []string{action.DefaultQueue}, w.Registered().Queues)
}

func TestWorld_PlanIDsFromGenerator(t *testing.T) {
	h := newHarness(t)
	ids := testutil.NewIDSequence("job")
	w, err := New(Config{
		ID:        "client-1",
		Store:     h.store,
		Connector: h.direct,
		Registry:  action.MustRegistry(deploy(succeed)),
		NewPlanID: func() (string, error) { return ids.Next(), nil },
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	id, err := w.Plan(ctx, "Deploy", value.Null{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	ep, err := h.store.LoadPlan(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanPending, ep.State)

	_, err = w.Plan(ctx, "Missing", value.Null{})
	assert.True(t, plan.IsPlanningError(err))
}
