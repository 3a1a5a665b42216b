package harness

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir holds the golden snapshots.
const GoldenDir = "testdata/golden"

// Snapshot renders the final plan of a result as stable text: plan state,
// history, every step by id and every action output as canonical JSON.
// Timestamps are left out.
func Snapshot(res *Result) []byte {
	var b bytes.Buffer
	ep := res.Plan
	fmt.Fprintf(&b, "scenario: %s\n", res.Scenario)
	fmt.Fprintf(&b, "plan: %s %s %s\n", ep.ID, ep.State, ep.Result)
	b.WriteString("history:\n")
	for _, h := range ep.History {
		fmt.Fprintf(&b, "  %s by %s\n", h.Name, h.WorldID)
	}
	b.WriteString("steps:\n")
	for _, id := range ep.StepIDs() {
		s := ep.Steps[id]
		fmt.Fprintf(&b, "  %d %s %s %s", s.ID, s.Phase, s.ActionName, s.State)
		if s.Error != nil {
			fmt.Fprintf(&b, " error=%q", s.Error.Message)
		}
		b.WriteByte('\n')
	}
	b.WriteString("outputs:\n")
	for _, id := range slices.Sorted(maps.Keys(ep.Actions)) {
		fmt.Fprintf(&b, "  %d %s %s\n", id, ep.Actions[id].Name, canonical(res.Outputs[id]))
	}
	return b.Bytes()
}

// RunWithGolden runs s, fails t on unmet expectations and compares the
// snapshot with testdata/golden/<name>.golden.
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()
	res, err := Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run scenario %s: %v", s.Name, err)
	}
	for _, e := range res.Errors {
		t.Errorf("%s: %s", s.Name, e)
	}
	AssertGolden(t, s.Name, res)
	return res
}

// AssertGolden compares an existing result with its golden snapshot.
func AssertGolden(t *testing.T, name string, res *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(res))
}
