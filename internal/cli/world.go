package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/archive"
	"github.com/roach88/conductor/internal/config"
	"github.com/roach88/conductor/internal/connector"
	"github.com/roach88/conductor/internal/world"
)

// WorldOptions holds flags for the world command.
type WorldOptions struct {
	*RootOptions
	ID     string
	Client bool
}

// NewWorldCommand creates the world command.
func NewWorldCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorldOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "world",
		Short: "Run a world until interrupted",
		Long: `Run a conductor world until SIGINT or SIGTERM.

An executor world registers itself, accepts execution requests, heartbeats
and, with validity checks enabled, invalidates worlds that stopped
heartbeating. On shutdown executing plans are paused and the world
deregisters. When archiving is enabled the world also runs the plan cleaner.

Examples:
  conductor world --config world.yaml
  conductor world --id exec-1 --verbose
  CONDUCTOR_STORE_DRIVER=pgx CONDUCTOR_STORE_DSN=postgres://... conductor world`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorld(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "world id (overrides config)")
	cmd.Flags().BoolVar(&opts.Client, "client", false, "run without executing plans")

	return cmd
}

func runWorld(ctx context.Context, opts *WorldOptions, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var cleaner *archive.Cleaner
	if s.cfg.Archive.Enabled {
		if cleaner, err = newCleaner(ctx, s); err != nil {
			return err
		}
	}

	var conn connector.Connector
	switch s.cfg.World.Connector {
	case config.ConnectorDirect:
		direct := connector.NewDirect(s.logger)
		// The direct connector outlives the world so shutdown can still
		// deregister through it.
		dctx, dcancel := context.WithCancel(context.WithoutCancel(ctx))
		defer dcancel()
		ddone := make(chan error, 1)
		go func() { ddone <- direct.Run(dctx) }()
		defer func() {
			dcancel()
			<-ddone
		}()
		conn = direct
	default:
		conn = s.polling()
	}

	wcfg := s.worldConfig(conn)
	if opts.ID != "" {
		wcfg.ID = opts.ID
	}
	if opts.Client {
		wcfg.Executor = false
	}
	w, err := world.New(wcfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create world", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if cleaner != nil {
		g.Go(func() error { return cleaner.Run(gctx) })
	}

	s.logger.Info("world running", "world_id", w.ID(), "executor", wcfg.Executor, "store", s.store.Driver())
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("world %s failed", w.ID()), err)
	}
	return nil
}

// newCleaner builds the plan cleaner from the archive config and makes
// sure its bucket exists.
func newCleaner(ctx context.Context, s *session) (*archive.Cleaner, error) {
	a := s.cfg.Archive
	m, err := archive.NewMinio(archive.MinioOptions{
		Endpoint:  a.Endpoint,
		Bucket:    a.Bucket,
		Region:    a.Region,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		UseSSL:    a.UseSSL,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid archive config", err)
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, "archive unavailable", err)
	}
	return archive.NewCleaner(archive.CleanerConfig{
		Store:    s.store,
		Archiver: m,
		MaxAge:   a.MaxAge.Std(),
		Interval: a.Interval.Std(),
		Prefix:   a.Prefix,
		Logger:   s.logger,
	}), nil
}
