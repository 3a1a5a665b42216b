package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
)

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestPlan creates a planned two-step plan: a plan step and one run
// step for action 1.
func createTestPlan(id string) *plan.ExecutionPlan {
	ep := plan.New(id, "Deploy")
	ep.State = plan.PlanPlanned
	ep.RootPlanStepID = 1
	ep.RunFlow = flow.NewSequence(2)
	ep.Steps[1] = &plan.Step{ID: 1, PlanID: id, Phase: plan.PhasePlan, State: plan.StateSuccess,
		ActionID: 1, ActionName: "Deploy", Queue: "default", StartedAt: t0, EndedAt: t0.Add(time.Second)}
	ep.Steps[2] = &plan.Step{ID: 2, PlanID: id, Phase: plan.PhaseRun, State: plan.StatePending,
		ActionID: 1, ActionName: "Deploy", Queue: "default"}
	ep.Actions[1] = &plan.Action{ID: 1, Name: "Deploy", PlanStepID: 1, RunStepID: 2}
	return ep
}
