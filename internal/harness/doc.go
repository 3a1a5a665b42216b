// Package harness runs declarative execution scenarios against a real
// executor world.
//
// A scenario is a YAML file describing a closed set of scripted actions,
// the root action to trigger, events to deliver to suspended steps, steps
// an operator skips after the plan paused, and the expected final plan.
// Each scenario runs in a fresh SQLite database with a manual clock and
// sequential plan ids, so the final plan renders to the same snapshot on
// every run.
//
// # Scenario format
//
//	name: sequence_release
//	description: Build then ship, both succeed.
//	actions:
//	  - name: Release
//	    sequence:
//	      - action: Build
//	      - action: Ship
//	        input: {artifact: $Build.artifact}
//	  - name: Build
//	    output: {artifact: app.tar}
//	  - name: Ship
//	    echo: true
//	trigger:
//	  action: Release
//	expect:
//	  state: stopped
//	  result: success
//
// A string input value of the form $Action.key references the output of
// an action planned earlier by the same parent.
//
// # Golden snapshots
//
// RunWithGolden compares the rendered snapshot against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
