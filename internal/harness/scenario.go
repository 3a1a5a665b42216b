package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conductor/internal/plan"
)

// Behaviors of a scripted action's run step.
const (
	BehaviorSucceed = "succeed"
	BehaviorFail    = "fail"
	BehaviorPanic   = "panic"
	// BehaviorSuspend waits for one event and records it as output "event".
	BehaviorSuspend = "suspend"
	// BehaviorNone plans no run step.
	BehaviorNone = "none"
)

var behaviors = []string{BehaviorSucceed, BehaviorFail, BehaviorPanic, BehaviorSuspend, BehaviorNone}

// Scenario is one execution scenario.
type Scenario struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Actions     []ActionSpec `yaml:"actions"`
	Trigger     TriggerSpec  `yaml:"trigger"`
	// Events are delivered in order, each once its action's run step is
	// suspended.
	Events []EventSpec `yaml:"events,omitempty"`
	// Skip names actions whose failed run steps are skipped once the plan
	// paused. The plan is executed again afterwards.
	Skip   []string `yaml:"skip,omitempty"`
	Expect Expect   `yaml:"expect"`
}

// ActionSpec scripts one action type.
type ActionSpec struct {
	Name   string `yaml:"name"`
	Queue  string `yaml:"queue,omitempty"`
	Rescue string `yaml:"rescue,omitempty"`

	// Sequence or Concurrence plans child actions inside that scope.
	Sequence    []ChildSpec `yaml:"sequence,omitempty"`
	Concurrence []ChildSpec `yaml:"concurrence,omitempty"`

	// Behavior defaults to succeed, or to none for actions with children.
	Behavior string `yaml:"behavior,omitempty"`
	// Message is the error or panic message of failing behaviors.
	Message string         `yaml:"message,omitempty"`
	Output  map[string]any `yaml:"output,omitempty"`
	// Echo copies the resolved input to output "input".
	Echo     bool `yaml:"echo,omitempty"`
	Finalize bool `yaml:"finalize,omitempty"`
}

// ChildSpec is an action planned by a parent. Without input the child
// gets the parent's input.
type ChildSpec struct {
	Action string         `yaml:"action"`
	Input  map[string]any `yaml:"input,omitempty"`
}

// TriggerSpec names the root action and its input.
type TriggerSpec struct {
	Action string         `yaml:"action"`
	Input  map[string]any `yaml:"input,omitempty"`
}

// EventSpec is an event for the run step of an action.
type EventSpec struct {
	Action   string         `yaml:"action"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Optional bool           `yaml:"optional,omitempty"`
}

// Expect is checked against the final plan.
type Expect struct {
	State  plan.PlanState `yaml:"state"`
	Result plan.Result    `yaml:"result,omitempty"`
	Steps  []StepExpect   `yaml:"steps,omitempty"`
	// Outputs are subset matches keyed by action name.
	Outputs map[string]map[string]any `yaml:"outputs,omitempty"`
}

// StepExpect checks the step of an action in one phase.
type StepExpect struct {
	Action string     `yaml:"action"`
	Phase  plan.Phase `yaml:"phase,omitempty"`
	State  plan.State `yaml:"state"`
	// Error is a substring of the step's error message.
	Error string `yaml:"error,omitempty"`
}

// Children returns the planned children and whether they run in sequence.
func (a ActionSpec) Children() ([]ChildSpec, bool) {
	if len(a.Sequence) > 0 {
		return a.Sequence, true
	}
	return a.Concurrence, false
}

// EffectiveBehavior applies the behavior default.
func (a ActionSpec) EffectiveBehavior() string {
	if a.Behavior != "" {
		return a.Behavior
	}
	if children, _ := a.Children(); len(children) > 0 {
		return BehaviorNone
	}
	return BehaviorSucceed
}

// LoadScenario reads a scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// FindScenarios lists scenario files under dir whose base name matches
// filter, a glob. An empty filter matches everything.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(path)
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// Validate checks required fields and that every reference names a
// scripted action.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Actions) == 0 {
		return errors.New("actions list is required and must be non-empty")
	}

	defined := make(map[string]bool)
	for i, a := range s.Actions {
		if a.Name == "" {
			return fmt.Errorf("actions[%d]: name is required", i)
		}
		if defined[a.Name] {
			return fmt.Errorf("actions[%d]: duplicate action %q", i, a.Name)
		}
		defined[a.Name] = true
	}

	var errs []error
	for i, a := range s.Actions {
		if len(a.Sequence) > 0 && len(a.Concurrence) > 0 {
			errs = append(errs, fmt.Errorf("actions[%d]: sequence and concurrence are exclusive", i))
		}
		if !slices.Contains(behaviors, a.EffectiveBehavior()) {
			errs = append(errs, fmt.Errorf("actions[%d]: unknown behavior %q", i, a.Behavior))
		}
		switch plan.Strategy(a.Rescue) {
		case plan.StrategyInherit, plan.StrategyPause, plan.StrategySkip:
		default:
			errs = append(errs, fmt.Errorf("actions[%d]: unknown rescue %q", i, a.Rescue))
		}
		children, _ := a.Children()
		for j, c := range children {
			if !defined[c.Action] {
				errs = append(errs, fmt.Errorf("actions[%d].children[%d]: undefined action %q", i, j, c.Action))
			}
		}
	}
	if !defined[s.Trigger.Action] {
		errs = append(errs, fmt.Errorf("trigger: undefined action %q", s.Trigger.Action))
	}
	for i, ev := range s.Events {
		if !defined[ev.Action] {
			errs = append(errs, fmt.Errorf("events[%d]: undefined action %q", i, ev.Action))
		}
	}
	for i, name := range s.Skip {
		if !defined[name] {
			errs = append(errs, fmt.Errorf("skip[%d]: undefined action %q", i, name))
		}
	}
	if s.Expect.State == "" {
		errs = append(errs, errors.New("expect: state is required"))
	}
	for i, st := range s.Expect.Steps {
		if !defined[st.Action] {
			errs = append(errs, fmt.Errorf("expect.steps[%d]: undefined action %q", i, st.Action))
		}
		if st.State == "" {
			errs = append(errs, fmt.Errorf("expect.steps[%d]: state is required", i))
		}
	}
	for name := range s.Expect.Outputs {
		if !defined[name] {
			errs = append(errs, fmt.Errorf("expect.outputs: undefined action %q", name))
		}
	}
	return errors.Join(errs...)
}
