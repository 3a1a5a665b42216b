package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/coordinator"
)

// WorldsOptions holds flags for the worlds command.
type WorldsOptions struct {
	*RootOptions
	ExecutorsOnly bool
}

// WorldSummary is one row of the worlds listing.
type WorldSummary struct {
	coordinator.World
	Stale bool `json:"stale"`
}

// NewWorldsCommand creates the worlds command.
func NewWorldsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorldsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worlds",
		Short: "List registered worlds",
		Long: `List the worlds registered in the database. A world whose last heartbeat
is older than the configured heartbeat timeout is marked stale.

Examples:
  conductor worlds
  conductor worlds --executors`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorlds(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ExecutorsOnly, "executors", false, "only executor worlds")

	return cmd
}

func runWorlds(ctx context.Context, opts *WorldsOptions, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	worlds, err := s.coordinator().FindWorlds(ctx, coordinator.WorldFilter{ExecutorsOnly: opts.ExecutorsOnly})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list worlds", err)
	}
	timeout := s.cfg.Coordinator.HeartbeatTimeout.Std()
	now := time.Now()
	rows := make([]WorldSummary, 0, len(worlds))
	t := newTable("ID", "EXECUTOR", "QUEUES", "REGISTERED", "LAST SEEN", "STALE")
	for _, w := range worlds {
		stale := now.Sub(w.LastSeen) > timeout
		rows = append(rows, WorldSummary{World: w, Stale: stale})
		t.add(w.ID, strconv.FormatBool(w.Executor), strings.Join(w.Queues, ","),
			formatTime(w.RegisteredAt), formatTime(w.LastSeen), strconv.FormatBool(stale))
	}
	text := t.String()
	if len(rows) == 0 {
		text = "no worlds\n"
	}
	return s.out.Success(rows, text)
}

// InvalidateOptions holds flags for the invalidate command.
type InvalidateOptions struct {
	*RootOptions
	Stale bool
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate [world-id...]",
		Short: "Recover the plans of dead worlds",
		Long: `Invalidate worlds that stopped without deregistering. Their running plans
are paused with the running steps failed, their locks are released and plans
that can continue are dispatched to a live executor.

With --stale every world whose heartbeat timed out is invalidated, as well
as lock owners that are not registered at all.

Examples:
  conductor invalidate exec-2
  conductor invalidate --stale`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Stale == (len(args) > 0) {
				return NewExitError(ExitCommandError, "give world ids or --stale, not both")
			}
			return runInvalidate(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Stale, "stale", false, "invalidate all worlds with a timed out heartbeat")

	return cmd
}

func runInvalidate(ctx context.Context, opts *InvalidateOptions, ids []string, cmd *cobra.Command) error {
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

	if opts.Stale {
		ids, err = w.CheckValidity(ctx)
	} else {
		for _, id := range ids {
			if ierr := w.Invalidate(ctx, id); ierr != nil {
				err = ierr
				break
			}
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "invalidation failed", err)
	}
	if ids == nil {
		ids = []string{}
	}
	text := "no worlds invalidated\n"
	if len(ids) > 0 {
		text = fmt.Sprintf("invalidated %s\n", strings.Join(ids, ", "))
	}
	return s.out.Success(map[string]any{"invalidated": ids}, text)
}
