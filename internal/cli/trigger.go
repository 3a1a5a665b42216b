package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/value"
)

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	*RootOptions
	Input string
	Wait  bool
}

// PlanStatus is the JSON form of a dispatched plan.
type PlanStatus struct {
	PlanID string         `json:"plan_id"`
	State  plan.PlanState `json:"state"`
	Result plan.Result    `json:"result"`
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trigger <action>",
		Short: "Plan an action and dispatch its execution",
		Long: `Create an execution plan for a registered action and send it to an
executor world sharing the database.

The command returns once an executor accepted the plan, or with --wait once
the plan stopped or paused. A plan that ends with errors exits with code 1.

Examples:
  conductor trigger Echo --input '{"message":"hello"}'
  conductor trigger Batch --input '{"items":["a","b"]}' --wait`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "{}", "action input as JSON")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the plan to finish")

	return cmd
}

func runTrigger(ctx context.Context, opts *TriggerOptions, name string, cmd *cobra.Command) error {
	input, err := value.Decode([]byte(opts.Input))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --input", err)
	}
	if _, ok := opts.Registry.Lookup(name); !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown action %q (known: %v)", name, opts.Registry.Names()))
	}

	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	w, stop, err := s.clientWorld(ctx)
	if err != nil {
		return err
	}
	defer stop()

	tr, err := w.Trigger(ctx, name, input)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create plan", err)
	}
	s.out.VerboseLog("plan %s created, request %d sent", tr.PlanID, tr.RequestID)
	if _, err := tr.Accepted.Wait(ctx); err != nil {
		return dispatchFailed(s, tr.PlanID, err)
	}
	if !opts.Wait {
		return s.out.Success(PlanStatus{PlanID: tr.PlanID, State: plan.PlanRunning, Result: plan.ResultPending},
			fmt.Sprintf("plan %s accepted\n", tr.PlanID))
	}
	return waitFinished(ctx, s, tr.PlanID, tr.Tracked)
}

// waitFinished waits for the terminal response of an execution request
// and reports the stored plan.
func waitFinished(ctx context.Context, s *session, planID string, tr *dispatch.Tracked) error {
	if _, err := tr.Finished.Wait(ctx); err != nil {
		return dispatchFailed(s, planID, err)
	}
	ep, err := s.store.LoadPlan(ctx, planID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load plan", err)
	}
	status := PlanStatus{PlanID: ep.ID, State: ep.State, Result: ep.Result}
	if err := s.out.Success(status, fmt.Sprintf("plan %s %s %s\n", ep.ID, ep.State, ep.Result)); err != nil {
		return err
	}
	if ep.Result == plan.ResultError {
		return NewExitError(ExitFailure, fmt.Sprintf("plan %s finished with errors", ep.ID))
	}
	return nil
}

func dispatchFailed(s *session, planID string, err error) error {
	_ = s.out.Error(CodeDispatch, err.Error(), map[string]string{"plan_id": planID})
	return WrapExitError(ExitFailure, fmt.Sprintf("dispatch of plan %s failed", planID), err)
}

// EventOptions holds flags for the event command.
type EventOptions struct {
	*RootOptions
	Payload  string
	Optional bool
}

// NewEventCommand creates the event command.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "event <plan-id> <step-id>",
		Short: "Deliver an event to a suspended step",
		Long: `Send an event to a run step that suspended itself. The event is routed to
the executor running the plan.

An optional event is dropped silently when the step cannot take it; a
mandatory one that cannot be delivered exits with code 1.

Examples:
  conductor event 0190f1c2-... 2 --payload '{"approved":true}'
  conductor event 0190f1c2-... 2 --optional`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvent(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "null", "event payload as JSON")
	cmd.Flags().BoolVar(&opts.Optional, "optional", false, "drop the event if the step cannot take it")

	return cmd
}

func runEvent(ctx context.Context, opts *EventOptions, planID, stepArg string, cmd *cobra.Command) error {
	stepID, err := strconv.Atoi(stepArg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid step id", err)
	}
	payload, err := value.Decode([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}

	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	w, stop, err := s.clientWorld(ctx)
	if err != nil {
		return err
	}
	defer stop()

	tr, err := w.Event(ctx, planID, stepID, payload, opts.Optional)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to send event", err)
	}
	if _, err := tr.Finished.Wait(ctx); err != nil {
		return dispatchFailed(s, planID, err)
	}
	return s.out.Success(map[string]any{"plan_id": planID, "step_id": stepID, "delivered": true},
		fmt.Sprintf("event delivered to step %d of plan %s\n", stepID, planID))
}
