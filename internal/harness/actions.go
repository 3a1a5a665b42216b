package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// refPrefix marks an input string as an output reference.
const refPrefix = "$"

// Registry builds the action registry scripted by the scenario.
func (s *Scenario) Registry() (*action.Registry, error) {
	reg, err := action.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, spec := range s.Actions {
		def, err := definition(spec)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", spec.Name, err)
		}
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func definition(spec ActionSpec) (action.Definition, error) {
	output, err := toObject(spec.Output)
	if err != nil {
		return action.Definition{}, fmt.Errorf("output: %w", err)
	}
	def := action.Definition{
		Name:   spec.Name,
		Queue:  spec.Queue,
		Rescue: plan.Strategy(spec.Rescue),
		Plan:   planFunc(spec),
	}
	if spec.EffectiveBehavior() != BehaviorNone {
		def.Run = runFunc(spec, output)
	}
	if spec.Finalize {
		def.Finalize = func(_ context.Context, rc *action.RunContext) error {
			rc.Set("finalized", value.Bool(true))
			return nil
		}
	}
	return def, nil
}

// planFunc plans the children inside their scope, then the action itself
// unless it has nothing to run or finalize.
func planFunc(spec ActionSpec) action.PlanFunc {
	children, sequential := spec.Children()
	self := spec.EffectiveBehavior() != BehaviorNone || spec.Finalize
	return func(p action.Planner, input value.Value) error {
		planned := make(map[string]action.Planned)
		body := func() error {
			for _, child := range children {
				in := input
				if child.Input != nil {
					obj, err := toObject(child.Input)
					if err != nil {
						return fmt.Errorf("input of %s: %w", child.Action, err)
					}
					if in, err = bindRefs(obj, planned); err != nil {
						return err
					}
				}
				pl, err := p.PlanAction(child.Action, in)
				if err != nil {
					return err
				}
				planned[child.Action] = pl
			}
			return nil
		}
		var err error
		switch {
		case len(children) == 0:
		case sequential:
			err = p.Sequence(body)
		default:
			err = p.Concurrence(body)
		}
		if err != nil {
			return err
		}
		if self {
			_, err = p.PlanSelf(input)
		}
		return err
	}
}

func runFunc(spec ActionSpec, output value.Object) action.RunFunc {
	message := spec.Message
	if message == "" {
		message = strings.ToLower(spec.Name) + " failed"
	}
	behavior := spec.EffectiveBehavior()
	return func(_ context.Context, rc *action.RunContext) error {
		switch behavior {
		case BehaviorFail:
			return errors.New(message)
		case BehaviorPanic:
			panic(message)
		case BehaviorSuspend:
			if rc.Event == nil {
				rc.Suspend()
				return nil
			}
			rc.Set("event", rc.Event)
		}
		for k, v := range output {
			rc.Set(k, v)
		}
		if spec.Echo {
			rc.Set("input", rc.Input)
		}
		return nil
	}
}

// bindRefs replaces "$Action.key" strings with references to the output
// of an action planned earlier in the same parent.
func bindRefs(v value.Value, planned map[string]action.Planned) (value.Value, error) {
	switch val := v.(type) {
	case value.String:
		s := string(val)
		if !strings.HasPrefix(s, refPrefix) {
			return val, nil
		}
		parts := strings.Split(strings.TrimPrefix(s, refPrefix), ".")
		pl, ok := planned[parts[0]]
		if !ok {
			return nil, fmt.Errorf("reference %s: %s is not planned before it", s, parts[0])
		}
		return pl.Output(parts[1:]...), nil
	case value.Array:
		out := make(value.Array, len(val))
		for i, elem := range val {
			b, err := bindRefs(elem, planned)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case value.Object:
		out := make(value.Object, len(val))
		for k, elem := range val {
			b, err := bindRefs(elem, planned)
			if err != nil {
				return nil, err
			}
			out[k] = b
		}
		return out, nil
	default:
		return v, nil
	}
}

func toObject(m map[string]any) (value.Object, error) {
	if m == nil {
		return value.Object{}, nil
	}
	v, err := value.FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(value.Object), nil
}
