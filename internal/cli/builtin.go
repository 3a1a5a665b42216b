package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/value"
)

// Builtins returns the actions the stock conductor binary knows. Programs
// embedding conductor pass their own registry to NewRootCommand instead.
//
//   - Echo copies its input object to its output.
//   - Wait suspends until an event arrives and stores it as "event".
//   - Fanout plans one Echo per element of its "items" input, concurrently.
//   - Fail always fails with its "message" input.
func Builtins() *action.Registry {
	return action.MustRegistry(
		action.Definition{Name: "Echo", Run: runEcho},
		action.Definition{Name: "Wait", Cancellable: true, Run: runWait},
		action.Definition{Name: "Fanout", Plan: planFanout},
		action.Definition{Name: "Fail", Run: runFail},
	)
}

func runEcho(_ context.Context, rc *action.RunContext) error {
	obj, ok := rc.Input.(value.Object)
	if !ok {
		rc.Set("value", rc.Input)
		return nil
	}
	for k, v := range obj {
		rc.Set(k, v)
	}
	return nil
}

func runWait(_ context.Context, rc *action.RunContext) error {
	switch {
	case rc.Cancel:
		return errors.New("wait cancelled")
	case rc.Event == nil:
		rc.Suspend()
	default:
		rc.Set("event", rc.Event)
	}
	return nil
}

func planFanout(p action.Planner, input value.Value) error {
	items, ok := value.Get(input, []string{"items"})
	if !ok {
		return errors.New(`fanout input needs an "items" array`)
	}
	arr, ok := items.(value.Array)
	if !ok {
		return fmt.Errorf(`fanout "items" must be an array, got %T`, items)
	}
	return p.Concurrence(func() error {
		for _, item := range arr {
			if _, err := p.PlanAction("Echo", value.Object{"item": item}); err != nil {
				return err
			}
		}
		return nil
	})
}

func runFail(_ context.Context, rc *action.RunContext) error {
	if msg, ok := value.Get(rc.Input, []string{"message"}); ok {
		if s, ok := msg.(value.String); ok {
			return errors.New(string(s))
		}
	}
	return errors.New("failed on purpose")
}
