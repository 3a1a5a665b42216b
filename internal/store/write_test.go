package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

func TestSavePlan_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ep := createTestPlan("plan-1")
	ep.AddHistory(plan.HistoryStart, "world-1", t0)

	require.NoError(t, s.SavePlan(ctx, ep))
	got, err := s.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)

	assert.Equal(t, ep.Label, got.Label)
	assert.Equal(t, plan.PlanPlanned, got.State)
	assert.Equal(t, ep.RunFlow, got.RunFlow)
	assert.Equal(t, ep.History, got.History)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, plan.PhaseRun, got.Steps[2].Phase)
	assert.True(t, t0.Equal(got.Steps[1].StartedAt))
	assert.Equal(t, 2, got.Actions[1].RunStepID)
}

func TestSavePlan_Overwrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ep := createTestPlan("plan-1")
	require.NoError(t, s.SavePlan(ctx, ep))

	delete(ep.Steps, 2)
	ep.State = plan.PlanStopped
	ep.Result = plan.ResultSuccess
	require.NoError(t, s.SavePlan(ctx, ep))

	got, err := s.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, plan.PlanStopped, got.State)
	assert.Len(t, got.Steps, 1)
}

func TestSaveStep_UpdatesSingleStep(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ep := createTestPlan("plan-1")
	require.NoError(t, s.SavePlan(ctx, ep))

	step := ep.Steps[2].Clone()
	require.NoError(t, step.Transition(plan.StateRunning, t0))
	require.NoError(t, step.Fail(&plan.StepError{ExceptionClass: "RuntimeError", Message: "boom",
		Backtrace: []string{"a.go:1"}}, t0.Add(2*time.Second)))
	require.NoError(t, s.SaveStep(ctx, step))

	got, err := s.LoadStep(ctx, "plan-1", 2)
	require.NoError(t, err)
	assert.Equal(t, plan.StateError, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)

	loaded, err := s.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StateError, loaded.Steps[2].State)
	assert.Equal(t, plan.StateSuccess, loaded.Steps[1].State)
}

func TestActionPayloads(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in, err := s.LoadActionInput(ctx, "plan-1", 1)
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, in)
	out, err := s.LoadActionOutput(ctx, "plan-1", 1)
	require.NoError(t, err)
	assert.Equal(t, value.Object{}, out)

	inputs := map[int]value.Value{
		1: value.Object{"name": value.String("web")},
		3: value.Object{"from": value.Ref{ActionID: 1, StepID: 2, Path: []string{"host"}}},
	}
	require.NoError(t, s.SaveActionInputs(ctx, "plan-1", inputs))
	require.NoError(t, s.SaveActionOutput(ctx, "plan-1", 1, value.Object{"host": value.String("10.0.0.1")}))

	in, err = s.LoadActionInput(ctx, "plan-1", 3)
	require.NoError(t, err)
	assert.Equal(t, inputs[3], in)

	out, err = s.LoadActionOutput(ctx, "plan-1", 1)
	require.NoError(t, err)
	assert.Equal(t, value.String("10.0.0.1"), out["host"])

	// Re-saving inputs keeps outputs.
	require.NoError(t, s.SaveActionInputs(ctx, "plan-1", inputs))
	out, err = s.LoadActionOutput(ctx, "plan-1", 1)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	// Actions without an input row still have output-only rows.
	in, err = s.LoadActionInput(ctx, "plan-2", 9)
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, in)
}

func TestDeleteExecutionPlans(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"plan-1", "plan-2"} {
		require.NoError(t, s.SavePlan(ctx, createTestPlan(id)))
		require.NoError(t, s.SaveActionOutput(ctx, id, 1, value.Object{"x": value.Int(1)}))
		require.NoError(t, s.SaveAllocation(ctx, Allocation{PlanID: id, WorldID: "w1", ClientWorldID: "c", RequestID: 1}))
	}

	n, err := s.DeleteExecutionPlans(ctx, []string{"plan-1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.LoadPlan(ctx, "plan-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadAllocation(ctx, "plan-1")
	assert.ErrorIs(t, err, ErrNotFound)
	out, err := s.LoadActionOutput(ctx, "plan-1", 1)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = s.LoadPlan(ctx, "plan-2")
	assert.NoError(t, err)
}

func TestAllocations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAllocation(ctx, Allocation{PlanID: "p1", WorldID: "w1", ClientWorldID: "c1", RequestID: 7}))
	require.NoError(t, s.SaveAllocation(ctx, Allocation{PlanID: "p2", WorldID: "w2", ClientWorldID: "c1", RequestID: 8}))
	require.NoError(t, s.SaveAllocation(ctx, Allocation{PlanID: "p2", WorldID: "w1", ClientWorldID: "c1", RequestID: 9}))

	a, err := s.LoadAllocation(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, Allocation{PlanID: "p2", WorldID: "w1", ClientWorldID: "c1", RequestID: 9}, a)

	found, err := s.FindAllocations(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "p1", found[0].PlanID)

	require.NoError(t, s.DeleteAllocation(ctx, "p1"))
	require.NoError(t, s.DeleteAllocation(ctx, "p1"))
	found, err = s.FindAllocations(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestEnvelopes_PullInOrderAndOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, s.PushEnvelope(ctx, "w1", []byte(msg)))
	}
	require.NoError(t, s.PushEnvelope(ctx, "w2", []byte("other")))

	got, err := s.PullEnvelopes(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)

	got, err = s.PullEnvelopes(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.PruneEnvelopes(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSemaphoreState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, _, err := s.LoadSemaphore(ctx, "global")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSemaphore(ctx, "global", 4, 4))
	require.NoError(t, s.SaveSemaphore(ctx, "global", 4, 1))
	tickets, free, err := s.LoadSemaphore(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, 4, tickets)
	assert.Equal(t, 1, free)
}

func TestDeleteSemaphoresByPrefix(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSemaphore(ctx, "w1/global", 2, 0))
	require.NoError(t, s.SaveSemaphore(ctx, "w1/queue:io", 1, 1))
	require.NoError(t, s.SaveSemaphore(ctx, "w10/global", 2, 2))

	n, err := s.DeleteSemaphores(ctx, "w1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = s.LoadSemaphore(ctx, "w1/global")
	assert.ErrorIs(t, err, ErrNotFound)
	_, free, err := s.LoadSemaphore(ctx, "w10/global")
	require.NoError(t, err)
	assert.Equal(t, 2, free)
}

func TestCoordinatorRecords(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := CoordinatorRecord{Class: "lock", ID: "plan:p1", OwnerID: "w1", Data: []byte(`{}`)}

	require.NoError(t, s.CreateRecord(ctx, rec))
	err := s.CreateRecord(ctx, rec)
	assert.ErrorIs(t, err, ErrDuplicate)

	rec.Data = []byte(`{"x":1}`)
	require.NoError(t, s.UpdateRecord(ctx, rec))
	got, err := s.LoadRecord(ctx, "lock", "plan:p1")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got.Data))

	err = s.UpdateRecord(ctx, CoordinatorRecord{Class: "lock", ID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateRecord(ctx, CoordinatorRecord{Class: "lock", ID: "plan:p2", OwnerID: "w2", Data: []byte(`{}`)}))
	require.NoError(t, s.CreateRecord(ctx, CoordinatorRecord{Class: "world", ID: "w1", OwnerID: "w1", Data: []byte(`{}`)}))

	locks, err := s.FindRecords(ctx, "lock", RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, locks, 2)
	owned, err := s.FindRecords(ctx, "lock", RecordFilter{OwnerID: "w2"})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "plan:p2", owned[0].ID)

	deleted, err := s.DeleteRecord(ctx, "lock", "plan:p1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteRecord(ctx, "lock", "plan:p1")
	require.NoError(t, err)
	assert.False(t, deleted)
}
