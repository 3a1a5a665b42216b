package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/config"
)

// CleanOptions holds flags for the clean command.
type CleanOptions struct {
	*RootOptions
	MaxAge time.Duration
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Archive and delete old stopped plans",
		Long: `Run one cleanup pass: stopped plans that ended longer ago than the maximum
age are uploaded to the archive bucket and removed from the database.

The archive section of the config must be enabled.

Examples:
  conductor clean
  conductor clean --max-age 72h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.MaxAge, "max-age", 0, "override archive.max_age")

	return cmd
}

func runClean(ctx context.Context, opts *CleanOptions, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if !s.cfg.Archive.Enabled {
		return NewExitError(ExitCommandError, "archive is not enabled in the config")
	}
	if opts.MaxAge > 0 {
		s.cfg.Archive.MaxAge = config.Duration(opts.MaxAge)
	}

	c, err := newCleaner(ctx, s)
	if err != nil {
		return err
	}
	n, err := c.Clean(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "cleanup failed", err)
	}
	return s.out.Success(map[string]int{"archived": n}, fmt.Sprintf("archived %d plans\n", n))
}
