package value

import (
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface for action input and output data.
// Only Null, String, Int, Bool, Array, Object and Ref implement it.
// There is no float variant: payloads must hash and compare identically
// after a round trip through persistence.
type Value interface {
	value()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) value() {}

// String is a string value.
type String string

func (String) value() {}

// Int is always int64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps string keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Ref points at the output of another action in the same plan. StepID is
// the run step of that action; a step holding a Ref in its input cannot run
// before StepID has succeeded.
type Ref struct {
	ActionID int      `json:"action_id"`
	StepID   int      `json:"step_id"`
	Path     []string `json:"path,omitempty"`
}

func (Ref) value() {}

// At returns a reference to a nested key of the same output.
func (r Ref) At(keys ...string) Ref {
	if len(r.Path)+len(keys) == 0 {
		return Ref{ActionID: r.ActionID, StepID: r.StepID}
	}
	path := make([]string, 0, len(r.Path)+len(keys))
	path = append(path, r.Path...)
	path = append(path, keys...)
	return Ref{ActionID: r.ActionID, StepID: r.StepID, Path: path}
}

func (r Ref) String() string {
	return fmt.Sprintf("ref(action=%d, step=%d, path=%v)", r.ActionID, r.StepID, r.Path)
}

// SortedKeys returns keys ordered by UTF-16 code units, matching the
// order produced by MarshalCanonical.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	return len(ua) - len(ub)
}

// Refs returns every output reference inside v, depth first, object keys
// visited in sorted order.
func Refs(v Value) []Ref {
	var refs []Ref
	walk(v, func(r Ref) { refs = append(refs, r) })
	return refs
}

func walk(v Value, fn func(Ref)) {
	switch val := v.(type) {
	case Ref:
		fn(val)
	case Array:
		for _, elem := range val {
			walk(elem, fn)
		}
	case Object:
		for _, k := range val.SortedKeys() {
			walk(val[k], fn)
		}
	}
}

// Resolve returns a copy of v with every Ref replaced by lookup's result.
func Resolve(v Value, lookup func(Ref) (Value, error)) (Value, error) {
	switch val := v.(type) {
	case Ref:
		return lookup(val)
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			r, err := Resolve(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			r, err := Resolve(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Get walks nested objects along path.
func Get(v Value, path []string) (Value, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(Object)
		if !ok {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// FromGo converts decoded YAML/JSON style Go values into a Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case bool:
		return Bool(val), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not supported: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
