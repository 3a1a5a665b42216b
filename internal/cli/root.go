// Package cli implements the conductor operator command.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/action"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	// Config is the path of a YAML or TOML config file. Empty uses the
	// defaults plus CONDUCTOR_* environment overrides.
	Config string

	// Registry holds the actions worlds started by this command can plan
	// and run.
	Registry *action.Registry
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. registry is the closed set of
// actions known to every world the command starts.
func NewRootCommand(registry *action.Registry) *cobra.Command {
	if registry == nil {
		registry = action.MustRegistry()
	}
	opts := &RootOptions{Registry: registry}

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - durable execution plans",
		Long: `Plan, run and operate orchestrated tasks across worlds.

A world is one conductor process. Executor worlds run plans; client worlds
create plans and dispatch them. Worlds sharing a database coordinate through
locks and heartbeats stored in it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.yaml, .yml or .toml)")

	cmd.AddCommand(NewWorldCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewPlansCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewWorldsCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewSkipCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewCleanCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}
