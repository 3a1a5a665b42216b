// Package querysql compiles queryir queries to parameterized SQL.
//
// Values are never interpolated: every compared value becomes a ?
// placeholder with its parameter returned alongside the SQL. Callers using
// numbered placeholders rebind them. Every query has an ORDER BY.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/conductor/internal/queryir"
	"github.com/roach88/conductor/internal/value"
)

// Compile validates q and returns its SQL and parameters.
func Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, fmt.Errorf("invalid query: %w", err)
	}
	switch query := q.(type) {
	case queryir.Select:
		return compileSelect(query)
	case *queryir.Select:
		return compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func compileSelect(q queryir.Select) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(q.Columns, ", "), q.From)

	var params []any
	if q.Filter != nil {
		where, p, err := compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = p
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy(q))
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), params, nil
}

func orderBy(q queryir.Select) string {
	cols := q.OrderBy
	if len(cols) == 0 {
		cols = []string{"id"}
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " ASC"
	}
	return strings.Join(parts, ", ")
}

func compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return compare(pred.Field, "=", pred.Value)
	case queryir.Less:
		return compare(pred.Field, "<", pred.Value)
	case queryir.Greater:
		return compare(pred.Field, ">", pred.Value)
	case queryir.In:
		params := make([]any, 0, len(pred.Values))
		for _, v := range pred.Values {
			param, err := toParam(v)
			if err != nil {
				return "", nil, fmt.Errorf("field %s: %w", pred.Field, err)
			}
			params = append(params, param)
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
		return fmt.Sprintf("%s IN (%s)", pred.Field, marks), params, nil
	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		var parts []string
		var params []any
		for _, sub := range pred.Predicates {
			s, p, err := compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			if _, nested := sub.(queryir.And); nested {
				s = "(" + s + ")"
			}
			parts = append(parts, s)
			params = append(params, p...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compare(field, op string, v value.Value) (string, []any, error) {
	param, err := toParam(v)
	if err != nil {
		return "", nil, fmt.Errorf("field %s: %w", field, err)
	}
	return fmt.Sprintf("%s %s ?", field, op), []any{param}, nil
}

// toParam converts a scalar value to a database/sql parameter.
func toParam(v value.Value) (any, error) {
	switch val := v.(type) {
	case value.String:
		return string(val), nil
	case value.Int:
		return int64(val), nil
	case value.Bool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
