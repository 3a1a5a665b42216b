package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

func TestRegistry_RejectsDuplicatesAndBadStrategies(t *testing.T) {
	r, err := NewRegistry(Definition{Name: "A"}, Definition{Name: "B", Queue: "io"})
	require.NoError(t, err)

	assert.Error(t, r.Register(Definition{Name: "A"}))
	assert.Error(t, r.Register(Definition{}))
	assert.Error(t, r.Register(Definition{Name: "C", Rescue: plan.Strategy("retry")}))

	assert.Equal(t, []string{"A", "B"}, r.Names())

	a, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, DefaultQueue, a.QueueName())

	b, _ := r.Lookup("B")
	assert.Equal(t, "io", b.QueueName())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestPlanned_Output(t *testing.T) {
	p := Planned{ActionID: 2, RunStepID: 5}

	assert.Equal(t, value.Ref{ActionID: 2, StepID: 5}, p.Output())
	assert.Equal(t, value.Ref{ActionID: 2, StepID: 5, Path: []string{"disk", "id"}}, p.Output("disk", "id"))
}

func TestRunContext(t *testing.T) {
	rc := &RunContext{}
	assert.False(t, rc.Suspended())

	rc.Set("id", value.String("x"))
	rc.Suspend()

	assert.True(t, rc.Suspended())
	assert.Equal(t, value.Object{"id": value.String("x")}, rc.Output)
}
