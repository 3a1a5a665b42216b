package queryir

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/roach88/conductor/internal/value"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks that a query can be compiled: identifiers are plain
// lower-case names, In lists are not empty, compared values are scalars
// and the limit is not negative. All problems are reported together.
func Validate(q Query) error {
	v := &validator{}
	v.query(q)
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) ident(kind, name string) {
	if !identifier.MatchString(name) {
		v.addf("invalid %s name %q", kind, name)
	}
}

func (v *validator) query(q Query) {
	switch query := q.(type) {
	case Select:
		v.sel(query)
	case *Select:
		if query == nil {
			v.addf("nil query")
			return
		}
		v.sel(*query)
	case nil:
		v.addf("nil query")
	default:
		v.addf("unsupported query type %T", q)
	}
}

func (v *validator) sel(s Select) {
	v.ident("table", s.From)
	if len(s.Columns) == 0 {
		v.addf("select from %s names no columns", s.From)
	}
	for _, c := range s.Columns {
		v.ident("column", c)
	}
	for _, c := range s.OrderBy {
		v.ident("order column", c)
	}
	if s.Limit < 0 {
		v.addf("negative limit %d", s.Limit)
	}
	if s.Filter != nil {
		v.predicate(s.Filter)
	}
}

func (v *validator) predicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.ident("column", pred.Field)
		v.scalar(pred.Field, pred.Value)
	case Less:
		v.ident("column", pred.Field)
		v.scalar(pred.Field, pred.Value)
	case Greater:
		v.ident("column", pred.Field)
		v.scalar(pred.Field, pred.Value)
	case In:
		v.ident("column", pred.Field)
		if len(pred.Values) == 0 {
			v.addf("field %s: empty IN list", pred.Field)
		}
		for _, val := range pred.Values {
			v.scalar(pred.Field, val)
		}
	case And:
		for _, sub := range pred.Predicates {
			v.predicate(sub)
		}
	case nil:
		v.addf("nil predicate")
	default:
		v.addf("unsupported predicate type %T", p)
	}
}

func (v *validator) scalar(field string, val value.Value) {
	switch val.(type) {
	case value.String, value.Int, value.Bool:
	default:
		v.addf("field %s: cannot compare %T", field, val)
	}
}
