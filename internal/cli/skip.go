package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// SkipOptions holds flags for the skip command.
type SkipOptions struct {
	*RootOptions
	Resume bool
	Wait   bool
}

// NewSkipCommand creates the skip command.
func NewSkipCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SkipOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "skip <plan-id> <step-id>...",
		Short: "Skip errored steps of a paused plan",
		Long: `Mark errored run steps of a paused plan as skipped. The plan stays paused
unless --resume is given.

Examples:
  conductor skip 0190f1c2-... 4
  conductor skip 0190f1c2-... 4 7 --resume --wait`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkip(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "resume the plan after skipping")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "with --resume, wait for the plan to finish")

	return cmd
}

func runSkip(ctx context.Context, opts *SkipOptions, planID string, args []string, cmd *cobra.Command) error {
	stepIDs := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid step id %q", a), err)
		}
		stepIDs = append(stepIDs, id)
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

	if err := w.Skip(ctx, planID, stepIDs...); err != nil {
		_ = s.out.Error(CodeInvalid, err.Error(), map[string]any{"plan_id": planID, "steps": stepIDs})
		return WrapExitError(ExitFailure, "skip failed", err)
	}
	s.out.VerboseLog("skipped steps %v of plan %s", stepIDs, planID)
	if !opts.Resume {
		return s.out.Success(map[string]any{"plan_id": planID, "skipped": stepIDs},
			fmt.Sprintf("skipped steps %s of plan %s\n", joinInts(stepIDs), planID))
	}
	return resume(ctx, s, planID, opts.Wait)
}

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Wait bool
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <plan-id>",
		Short: "Resume a paused or pending plan",
		Long: `Dispatch the execution of a stored plan again. A paused plan continues with
the steps that have not finished.

Examples:
  conductor resume 0190f1c2-...
  conductor resume 0190f1c2-... --wait`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return resume(cmd.Context(), s, args[0], opts.Wait)
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the plan to finish")

	return cmd
}

func resume(ctx context.Context, s *session, planID string, wait bool) error {
	w, stop, err := s.clientWorld(ctx)
	if err != nil {
		return err
	}
	defer stop()

	tr, err := w.Execute(ctx, planID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to dispatch plan", err)
	}
	if _, err := tr.Accepted.Wait(ctx); err != nil {
		return dispatchFailed(s, planID, err)
	}
	if !wait {
		return s.out.Success(map[string]any{"plan_id": planID, "accepted": true},
			fmt.Sprintf("plan %s resumed\n", planID))
	}
	return waitFinished(ctx, s, planID, tr)
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
