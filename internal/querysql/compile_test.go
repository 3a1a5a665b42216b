package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/queryir"
	"github.com/roach88/conductor/internal/value"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name       string
		query      queryir.Query
		wantSQL    string
		wantParams []any
	}{
		{
			name:    "no filter orders by id",
			query:   queryir.Select{From: "execution_plans", Columns: []string{"id"}},
			wantSQL: "SELECT id FROM execution_plans ORDER BY id ASC",
		},
		{
			name: "pointer select with limit",
			query: &queryir.Select{
				From: "coordinator_records", Columns: []string{"id", "owner_id", "data"},
				Filter: queryir.Equals{Field: "class", Value: value.String("lock")},
				Limit:  3,
			},
			wantSQL:    "SELECT id, owner_id, data FROM coordinator_records WHERE class = ? ORDER BY id ASC LIMIT 3",
			wantParams: []any{"lock"},
		},
		{
			name: "conjunction keeps parameter order",
			query: queryir.Select{
				From: "execution_plans", Columns: []string{"id"},
				Filter: queryir.And{Predicates: []queryir.Predicate{
					queryir.In{Field: "state", Values: queryir.Strings([]string{"stopped", "paused"})},
					queryir.Greater{Field: "ended_at", Value: value.Int(0)},
					queryir.Less{Field: "ended_at", Value: value.Int(42)},
					queryir.Equals{Field: "cancelled", Value: value.Bool(false)},
				}},
			},
			wantSQL:    "SELECT id FROM execution_plans WHERE state IN (?, ?) AND ended_at > ? AND ended_at < ? AND cancelled = ? ORDER BY id ASC",
			wantParams: []any{"stopped", "paused", int64(0), int64(42), false},
		},
		{
			name: "nested and is parenthesized",
			query: queryir.Select{
				From: "t", Columns: []string{"id"},
				Filter: queryir.And{Predicates: []queryir.Predicate{
					queryir.Equals{Field: "a", Value: value.Int(1)},
					queryir.And{Predicates: []queryir.Predicate{
						queryir.Equals{Field: "b", Value: value.Int(2)},
						queryir.Equals{Field: "c", Value: value.Int(3)},
					}},
				}},
			},
			wantSQL:    "SELECT id FROM t WHERE a = ? AND (b = ? AND c = ?) ORDER BY id ASC",
			wantParams: []any{int64(1), int64(2), int64(3)},
		},
		{
			name:    "empty and always holds",
			query:   queryir.Select{From: "t", Columns: []string{"id"}, Filter: queryir.And{}},
			wantSQL: "SELECT id FROM t WHERE 1 = 1 ORDER BY id ASC",
		},
		{
			name: "explicit order",
			query: queryir.Select{
				From: "envelopes", Columns: []string{"id", "data"},
				OrderBy: []string{"receiver_id", "id"},
			},
			wantSQL: "SELECT id, data FROM envelopes ORDER BY receiver_id ASC, id ASC",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := Compile(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompile_NeverInterpolates(t *testing.T) {
	sql, params, err := Compile(queryir.Select{
		From: "execution_plans", Columns: []string{"id"},
		Filter: queryir.Equals{Field: "label", Value: value.String("x' OR '1'='1")},
	})
	require.NoError(t, err)
	assert.NotContains(t, sql, "OR")
	assert.Equal(t, []any{"x' OR '1'='1"}, params)
}

func TestCompile_RejectsInvalid(t *testing.T) {
	_, _, err := Compile(queryir.Select{From: "t"})
	assert.ErrorContains(t, err, "invalid query")

	_, _, err = Compile(nil)
	assert.ErrorContains(t, err, "nil query")
}
