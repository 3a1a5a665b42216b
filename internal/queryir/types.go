package queryir

import "github.com/roach88/conductor/internal/value"

// Query is a store lookup. Sealed: only types in this package implement it.
type Query interface {
	queryNode()
}

// Predicate is a filter condition. Sealed like Query.
type Predicate interface {
	predicateNode()
}

// Select reads Columns from From, filtered and ordered.
//
//	Select{
//	  From:    "execution_plans",
//	  Columns: []string{"id"},
//	  Filter: And{Predicates: []Predicate{
//	    In{Field: "state", Values: []value.Value{value.String("stopped")}},
//	    Less{Field: "ended_at", Value: value.Int(cutoff)},
//	  }},
//	  Limit: 100,
//	}
//
// compiles to
//
//	SELECT id FROM execution_plans WHERE state IN (?) AND ended_at < ? ORDER BY id ASC LIMIT 100
type Select struct {
	From    string
	Columns []string
	// Filter is nil for no filter.
	Filter Predicate
	// OrderBy lists columns sorted ascending. Empty means "id".
	OrderBy []string
	// Limit of zero means no limit.
	Limit int
}

func (Select) queryNode() {}

// Equals is field = value.
type Equals struct {
	Field string
	Value value.Value
}

func (Equals) predicateNode() {}

// In is field IN (values). Values must not be empty.
type In struct {
	Field  string
	Values []value.Value
}

func (In) predicateNode() {}

// Less is field < value.
type Less struct {
	Field string
	Value value.Value
}

func (Less) predicateNode() {}

// Greater is field > value.
type Greater struct {
	Field string
	Value value.Value
}

func (Greater) predicateNode() {}

// And holds when all predicates hold. An empty And always holds.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where joins the non-nil predicates into one. It returns nil when none
// remain and the single predicate when only one does.
func Where(preds ...Predicate) Predicate {
	var out []Predicate
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return And{Predicates: out}
	}
}

// Strings converts ss into String values for In predicates.
func Strings[S ~string](ss []S) []value.Value {
	out := make([]value.Value, len(ss))
	for i, s := range ss {
		out[i] = value.String(string(s))
	}
	return out
}
