package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// Check compares a run result against expectations and returns one
// message per mismatch.
func Check(want Expect, res *Result) []string {
	var errs []string
	ep := res.Plan
	if ep.State != want.State {
		errs = append(errs, fmt.Sprintf("plan state: want %s, got %s", want.State, ep.State))
	}
	if want.Result != "" && ep.Result != want.Result {
		errs = append(errs, fmt.Sprintf("plan result: want %s, got %s", want.Result, ep.Result))
	}

	for _, st := range want.Steps {
		phase := st.Phase
		if phase == "" {
			phase = plan.PhaseRun
		}
		step := findStep(ep, st.Action, phase)
		if step == nil {
			errs = append(errs, fmt.Sprintf("step %s/%s: not planned", st.Action, phase))
			continue
		}
		if step.State != st.State {
			errs = append(errs, fmt.Sprintf("step %s/%s: want %s, got %s", st.Action, phase, st.State, step.State))
		}
		if st.Error != "" && (step.Error == nil || !strings.Contains(step.Error.Message, st.Error)) {
			errs = append(errs, fmt.Sprintf("step %s/%s: want error containing %q, got %v", st.Action, phase, st.Error, step.Error))
		}
	}

	names := make([]string, 0, len(want.Outputs))
	for name := range want.Outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		errs = append(errs, checkOutput(name, want.Outputs[name], res)...)
	}
	return errs
}

func checkOutput(name string, want map[string]any, res *Result) []string {
	id := actionID(res.Plan, name)
	if id == 0 {
		return []string{fmt.Sprintf("output %s: action not planned", name)}
	}
	expected, err := toObject(want)
	if err != nil {
		return []string{fmt.Sprintf("output %s: %v", name, err)}
	}
	got := res.Outputs[id]
	var errs []string
	for _, key := range expected.SortedKeys() {
		v, ok := got[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("output %s: missing key %q", name, key))
			continue
		}
		if !equal(v, expected[key]) {
			errs = append(errs, fmt.Sprintf("output %s[%q]: want %s, got %s", name, key, canonical(expected[key]), canonical(v)))
		}
	}
	return errs
}

// actionID returns the lowest id of an action with the given name.
func actionID(ep *plan.ExecutionPlan, name string) int {
	best := 0
	for id, a := range ep.Actions {
		if a.Name == name && (best == 0 || id < best) {
			best = id
		}
	}
	return best
}

func equal(a, b value.Value) bool {
	return canonical(a) == canonical(b)
}

func canonical(v value.Value) string {
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
