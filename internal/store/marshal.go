package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// marshalValue converts a payload to canonical JSON TEXT for storage.
func marshalValue(v value.Value) (string, error) {
	if v == nil {
		v = value.Null{}
	}
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses a stored payload. NULL columns decode to Null.
func unmarshalValue(col sql.NullString) (value.Value, error) {
	if !col.Valid || col.String == "" {
		return value.Null{}, nil
	}
	v, err := value.Decode([]byte(col.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// marshalPlan encodes the plan record without its steps, which are stored
// as separate rows.
func marshalPlan(ep *plan.ExecutionPlan) (string, []*plan.Step, error) {
	r := ep.ToRecord()
	steps := r.Steps
	r.Steps = nil
	data, err := json.Marshal(r)
	if err != nil {
		return "", nil, fmt.Errorf("marshal plan: %w", err)
	}
	return string(data), steps, nil
}

func unmarshalPlan(data string, steps []*plan.Step) (*plan.ExecutionPlan, error) {
	var r plan.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	r.Steps = steps
	return plan.FromRecord(r)
}

// nanos stores a timestamp as unix nanoseconds, 0 for the zero time.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
