package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/conductor/internal/value"
)

func TestValidate(t *testing.T) {
	base := func() Select {
		return Select{From: "execution_plans", Columns: []string{"id"}}
	}
	tests := []struct {
		name    string
		mutate  func(s *Select)
		wantErr []string
	}{
		{"minimal", func(*Select) {}, nil},
		{"full", func(s *Select) {
			s.Filter = And{Predicates: []Predicate{
				In{Field: "state", Values: Strings([]string{"paused", "stopped"})},
				Equals{Field: "label", Value: value.String("Deploy")},
				Greater{Field: "ended_at", Value: value.Int(0)},
				Less{Field: "ended_at", Value: value.Int(10)},
			}}
			s.OrderBy = []string{"label", "id"}
			s.Limit = 5
		}, nil},
		{"bad table", func(s *Select) { s.From = "plans; DROP TABLE x" }, []string{`invalid table name`}},
		{"no columns", func(s *Select) { s.Columns = nil }, []string{"names no columns"}},
		{"bad column", func(s *Select) { s.Columns = []string{"*"} }, []string{`invalid column name "*"`}},
		{"negative limit", func(s *Select) { s.Limit = -1 }, []string{"negative limit"}},
		{"empty in", func(s *Select) { s.Filter = In{Field: "state"} }, []string{"empty IN list"}},
		{"null value", func(s *Select) { s.Filter = Equals{Field: "label", Value: value.Null{}} }, []string{"cannot compare value.Null"}},
		{"nested problems", func(s *Select) {
			s.Filter = And{Predicates: []Predicate{
				Equals{Field: "Label", Value: value.String("x")},
				Less{Field: "ended_at", Value: value.Array{}},
			}}
		}, []string{`invalid column name "Label"`, "cannot compare value.Array"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := Validate(s)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.wantErr {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

func TestValidate_NilQuery(t *testing.T) {
	assert.ErrorContains(t, Validate(nil), "nil query")
	var s *Select
	assert.ErrorContains(t, Validate(s), "nil query")
}

func TestWhere(t *testing.T) {
	assert.Nil(t, Where())
	assert.Nil(t, Where(nil, nil))

	eq := Equals{Field: "label", Value: value.String("x")}
	assert.Equal(t, eq, Where(nil, eq))

	got := Where(eq, nil, Less{Field: "ended_at", Value: value.Int(1)})
	and, ok := got.(And)
	if assert.True(t, ok) {
		assert.Len(t, and.Predicates, 2)
	}
}

func TestStrings(t *testing.T) {
	type state string
	assert.Equal(t, []value.Value{value.String("a"), value.String("b")}, Strings([]state{"a", "b"}))
	assert.Empty(t, Strings([]string{}))
}
