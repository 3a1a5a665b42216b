package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
)

// PlansOptions holds flags for the plans command.
type PlansOptions struct {
	*RootOptions
	States []string
	Label  string
	Limit  int
}

// PlanSummary is one row of the plans listing.
type PlanSummary struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	State     plan.PlanState `json:"state"`
	Result    plan.Result    `json:"result"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// NewPlansCommand creates the plans command.
func NewPlansCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlansOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List execution plans",
		Long: `List stored execution plans ordered by id. Generated plan ids sort by
creation time.

Examples:
  conductor plans
  conductor plans --state paused --state running
  conductor plans --label Deploy --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlans(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "only plans in these states")
	cmd.Flags().StringVar(&opts.Label, "label", "", "only plans of this root action")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of plans (0 for all)")

	return cmd
}

func runPlans(ctx context.Context, opts *PlansOptions, cmd *cobra.Command) error {
	filter := store.PlanFilter{Label: opts.Label, Limit: opts.Limit}
	for _, s := range opts.States {
		state := plan.PlanState(strings.ToLower(s))
		if !state.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown plan state %q", s))
		}
		filter.States = append(filter.States, state)
	}

	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	plans, err := s.store.FindExecutionPlans(ctx, filter)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list plans", err)
	}
	rows := make([]PlanSummary, 0, len(plans))
	t := newTable("ID", "LABEL", "STATE", "RESULT", "STARTED", "ENDED").colorStates(2, 3)
	for _, ep := range plans {
		rows = append(rows, PlanSummary{
			ID: ep.ID, Label: ep.Label, State: ep.State, Result: ep.Result,
			StartedAt: ep.StartedAt, EndedAt: ep.EndedAt,
		})
		t.add(ep.ID, ep.Label, string(ep.State), string(ep.Result), formatTime(ep.StartedAt), formatTime(ep.EndedAt))
	}
	text := t.String()
	if len(rows) == 0 {
		text = "no plans\n"
	}
	return s.out.Success(rows, text)
}

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
}

// PlanDetail is the JSON form of one plan with its steps.
type PlanDetail struct {
	PlanSummary
	ExecutionTime string              `json:"execution_time"`
	RealTime      string              `json:"real_time"`
	Actions       []*plan.Action      `json:"actions"`
	Steps         []*plan.Step        `json:"steps"`
	History       []plan.HistoryEntry `json:"history"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its steps and history",
		Long: `Show one execution plan: its state and result, every step with its
phase and error, and the execution history.

Examples:
  conductor show 0190f1c2-...
  conductor show 0190f1c2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), opts, args[0], cmd)
		},
	}
	return cmd
}

func runShow(ctx context.Context, opts *ShowOptions, planID string, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ep, err := s.store.LoadPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.out.Error(CodeNotFound, fmt.Sprintf("plan %s not found", planID), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("plan %s not found", planID))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load plan", err)
	}
	return s.out.Success(planDetail(ep), renderPlan(ep))
}

func planDetail(ep *plan.ExecutionPlan) PlanDetail {
	d := PlanDetail{
		PlanSummary: PlanSummary{
			ID: ep.ID, Label: ep.Label, State: ep.State, Result: ep.Result,
			StartedAt: ep.StartedAt, EndedAt: ep.EndedAt,
		},
		ExecutionTime: formatDuration(ep.ExecutionTime),
		RealTime:      formatDuration(ep.RealTime),
		Actions:       []*plan.Action{},
		Steps:         []*plan.Step{},
		History:       ep.History,
	}
	for _, id := range ep.StepIDs() {
		d.Steps = append(d.Steps, ep.Steps[id])
	}
	for _, id := range slices.Sorted(maps.Keys(ep.Actions)) {
		d.Actions = append(d.Actions, ep.Actions[id])
	}
	if d.History == nil {
		d.History = []plan.HistoryEntry{}
	}
	return d
}

func renderPlan(ep *plan.ExecutionPlan) string {
	var b strings.Builder
	b.WriteString(field("Plan", ep.ID))
	b.WriteString(field("Label", ep.Label))
	b.WriteString(field("State", stateStyle(string(ep.State)).Render(string(ep.State))))
	b.WriteString(field("Result", stateStyle(string(ep.Result)).Render(string(ep.Result))))
	b.WriteString(field("Started", formatTime(ep.StartedAt)))
	b.WriteString(field("Ended", formatTime(ep.EndedAt)))
	b.WriteString(field("Execution time", formatDuration(ep.ExecutionTime)))
	b.WriteString(field("Real time", formatDuration(ep.RealTime)))

	b.WriteString("\n")
	steps := newTable("STEP", "PHASE", "ACTION", "STATE", "QUEUE", "ERROR").colorStates(3)
	for _, id := range ep.StepIDs() {
		st := ep.Steps[id]
		errText := ""
		if st.Error != nil {
			errText = st.Error.Error()
		}
		steps.add(strconv.Itoa(st.ID), string(st.Phase), st.ActionName, string(st.State), st.Queue, errText)
	}
	b.WriteString(steps.String())

	if len(ep.History) > 0 {
		b.WriteString("\n")
		hist := newTable("TIME", "EVENT", "WORLD")
		for _, h := range ep.History {
			hist.add(formatTime(h.Time), h.Name, h.WorldID)
		}
		b.WriteString(hist.String())
	}
	return b.String()
}
