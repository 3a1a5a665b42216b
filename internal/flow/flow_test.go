package flow

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_MergesNestedAndSingletonComposites(t *testing.T) {
	tree := Sequence{Flows: []Flow{
		NewSequence(1, 2),
		Concurrence{Flows: []Flow{Atom{StepID: 3}}},
		Concurrence{Flows: []Flow{
			NewConcurrence(4, 5),
			Sequence{},
		}},
	}}

	got := Flatten(tree)

	want := Sequence{Flows: []Flow{
		Atom{StepID: 1},
		Atom{StepID: 2},
		Atom{StepID: 3},
		Concurrence{Flows: []Flow{Atom{StepID: 4}, Atom{StepID: 5}}},
	}}
	assert.Equal(t, want, got)
}

func TestFlatten_DoesNotModifyInput(t *testing.T) {
	inner := NewSequence(1, 2)
	tree := Sequence{Flows: []Flow{inner}}

	_ = Flatten(tree)

	assert.Equal(t, Sequence{Flows: []Flow{NewSequence(1, 2)}}, tree)
}

func TestFlatten_RandomTreesKeepStepsAndAreFlat(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		next := 0
		tree := randomTree(rng, 4, &next)

		flat := Flatten(tree)

		assert.ElementsMatch(t, tree.StepIDs(), flat.StepIDs())
		assertFlat(t, flat)
	}
}

func randomTree(rng *rand.Rand, depth int, next *int) Flow {
	if depth == 0 || rng.Intn(3) == 0 {
		*next++
		return Atom{StepID: *next}
	}
	n := rng.Intn(4)
	children := make([]Flow, n)
	for i := range children {
		children[i] = randomTree(rng, depth-1, next)
	}
	if rng.Intn(2) == 0 {
		return Sequence{Flows: children}
	}
	return Concurrence{Flows: children}
}

func assertFlat(t *testing.T, f Flow) {
	t.Helper()
	switch val := f.(type) {
	case Sequence:
		assert.NotEqual(t, 1, len(val.Flows), "singleton sequence")
		for _, child := range val.Flows {
			_, nested := child.(Sequence)
			assert.False(t, nested, "sequence inside sequence")
			assertFlat(t, child)
		}
	case Concurrence:
		assert.NotEqual(t, 1, len(val.Flows), "singleton concurrence")
		for _, child := range val.Flows {
			_, nested := child.(Concurrence)
			assert.False(t, nested, "concurrence inside concurrence")
			assertFlat(t, child)
		}
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	tree := Sequence{Flows: []Flow{
		Atom{StepID: 1},
		Concurrence{Flows: []Flow{Atom{StepID: 2}, NewSequence(3, 4)}},
	}}

	data, err := Encode(tree)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sequence","flows":[
		{"type":"atom","step_id":1},
		{"type":"concurrence","flows":[
			{"type":"atom","step_id":2},
			{"type":"sequence","flows":[{"type":"atom","step_id":3},{"type":"atom","step_id":4}]}
		]}
	]}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, tree, decoded)
}

func TestCodec_RejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ruby_class","step_id":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flow type")
}

func TestIncludes(t *testing.T) {
	tree := Sequence{Flows: []Flow{Atom{StepID: 1}, NewConcurrence(2, 3)}}
	assert.True(t, Includes(tree, 3))
	assert.False(t, Includes(tree, 4))
	assert.True(t, Empty(Sequence{}))
	assert.True(t, slices.Equal([]int{1, 2, 3}, tree.StepIDs()))
}
