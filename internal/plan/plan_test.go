package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/flow"
)

func samplePlan() *ExecutionPlan {
	p := New("plan-1", "Provision")
	p.RootPlanStepID = 1
	p.Actions[1] = &Action{ID: 1, Name: "Provision", PlanStepID: 1, Rescue: StrategySkip}
	p.Actions[2] = &Action{ID: 2, Name: "CreateDisk", ParentID: 1, PlanStepID: 2, RunStepID: 3}
	p.Actions[3] = &Action{ID: 3, Name: "Boot", ParentID: 1, PlanStepID: 4, RunStepID: 5, FinalizeStepID: 6, Rescue: StrategyPause}
	p.Steps[1] = &Step{ID: 1, PlanID: p.ID, Phase: PhasePlan, State: StateSuccess, ActionID: 1, ActionName: "Provision"}
	p.Steps[2] = &Step{ID: 2, PlanID: p.ID, Phase: PhasePlan, State: StateSuccess, ActionID: 2, ActionName: "CreateDisk"}
	p.Steps[3] = &Step{ID: 3, PlanID: p.ID, Phase: PhaseRun, State: StatePending, ActionID: 2, ActionName: "CreateDisk", Queue: "default"}
	p.Steps[4] = &Step{ID: 4, PlanID: p.ID, Phase: PhasePlan, State: StateSuccess, ActionID: 3, ActionName: "Boot"}
	p.Steps[5] = &Step{ID: 5, PlanID: p.ID, Phase: PhaseRun, State: StatePending, ActionID: 3, ActionName: "Boot", Queue: "default"}
	p.Steps[6] = &Step{ID: 6, PlanID: p.ID, Phase: PhaseFinalize, State: StatePending, ActionID: 3, ActionName: "Boot", Queue: "default"}
	p.RunFlow = flow.NewSequence(3, 5)
	p.FinalizeFlow = flow.NewSequence(6)
	p.State = PlanPlanned
	return p
}

func TestRescueStrategy_BubblesToNearestAncestor(t *testing.T) {
	p := samplePlan()

	assert.Equal(t, StrategySkip, p.RescueStrategy(3), "CreateDisk inherits from Provision")
	assert.Equal(t, StrategyPause, p.RescueStrategy(5), "Boot declares its own")
	assert.Equal(t, StrategyPause, p.RescueStrategy(99), "unknown steps default to pause")

	p.Actions[1].Rescue = StrategyInherit
	assert.Equal(t, StrategyPause, p.RescueStrategy(3), "no declaration anywhere defaults to pause")
}

func TestSetState_ValidatesAndComputesResult(t *testing.T) {
	p := samplePlan()

	require.NoError(t, p.SetState(PlanRunning, t0))
	assert.Equal(t, t0, p.StartedAt)

	err := p.SetState(PlanPlanning, t0)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	p.Steps[3].State = StateSkipped
	p.Steps[5].State = StateSkipped
	p.Steps[6].State = StateSkipped
	require.NoError(t, p.SetState(PlanStopped, t0.Add(time.Minute)))
	assert.Equal(t, ResultWarning, p.Result)
	assert.Equal(t, time.Minute, p.RealTime)
}

func TestComputeResult(t *testing.T) {
	p := samplePlan()
	p.State = PlanStopped
	for _, s := range p.Steps {
		s.State = StateSuccess
	}
	assert.Equal(t, ResultSuccess, p.ComputeResult())

	p.Cancelled = true
	assert.Equal(t, ResultCancelled, p.ComputeResult())

	p.Steps[3].State = StateError
	assert.Equal(t, ResultError, p.ComputeResult())
}

func TestSkip_MarksErroredStep(t *testing.T) {
	p := samplePlan()
	p.Steps[5].State = StateError

	require.NoError(t, p.Skip(5, t0))
	assert.Equal(t, StateSkipping, p.Steps[5].State)

	require.Error(t, p.Skip(3, t0), "pending steps cannot be skipped by an operator")
}

func TestClone_IsIndependent(t *testing.T) {
	p := samplePlan()
	cp := p.Clone()

	cp.Steps[3].State = StateRunning
	cp.Actions[2].Name = "changed"
	cp.AddHistory(HistoryStart, "w", t0)

	assert.Equal(t, StatePending, p.Steps[3].State)
	assert.Equal(t, "CreateDisk", p.Actions[2].Name)
	assert.Empty(t, p.History)
}

func TestPlanCodec_RoundTrip(t *testing.T) {
	p := samplePlan()
	p.RunFlow = flow.Sequence{Flows: []flow.Flow{
		flow.Atom{StepID: 3},
		flow.Atom{StepID: 5},
	}}
	p.AddHistory(HistoryStart, "world-a", t0)
	p.Steps[3].Error = &StepError{ExceptionClass: "E", Message: "m", Backtrace: []string{}}

	data, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, p, decoded)
}

func TestPlanCodec_RejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version":99}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported plan record version")
}

func TestPlanState_Valid(t *testing.T) {
	assert.True(t, PlanPaused.Valid())
	assert.True(t, PlanStopped.Valid())
	assert.False(t, PlanState("done").Valid())
	assert.False(t, PlanState("").Valid())
}
