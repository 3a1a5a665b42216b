package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/config"
	"github.com/roach88/conductor/internal/connector"
	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/world"
)

// registerTimeout bounds how long a command waits for its own world to
// register.
const registerTimeout = 10 * time.Second

// session is the config, logger and store shared by one command run.
type session struct {
	opts   *RootOptions
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	out    *OutputFormatter
}

func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log config", err)
	}
	st, err := store.OpenWith(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return &session{
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		store:  st,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close store", "error", err)
	}
}

func (s *session) coordinator() *coordinator.Coordinator {
	return coordinator.New(s.store, clock.Real{}, s.logger)
}

// worldConfig builds the world config from the loaded settings.
func (s *session) worldConfig(conn connector.Connector) world.Config {
	c := s.cfg
	return world.Config{
		ID:                c.World.ID,
		Executor:          c.World.Executor,
		Store:             s.store,
		Connector:         conn,
		Registry:          s.opts.Registry,
		PoolSize:          c.Executor.PoolSize,
		Limits:            c.Limits(),
		HeartbeatInterval: c.Coordinator.HeartbeatInterval.Std(),
		HeartbeatTimeout:  c.Coordinator.HeartbeatTimeout.Std(),
		ValidityChecks:    c.Coordinator.ValidityChecks,
		AutoRescue:        c.Executor.AutoRescue,
		RequestTimeout:    c.Executor.RequestTimeout.Std(),
		ShutdownTimeout:   c.Executor.ShutdownTimeout.Std(),
		Logger:            s.logger,
	}
}

func (s *session) polling() *connector.Polling {
	return connector.NewPolling(connector.PollingConfig{
		Store:    s.store,
		Worlds:   s.coordinator(),
		Interval: s.cfg.World.PollInterval.Std(),
		Logger:   s.logger,
	})
}

// clientWorld starts a short-lived client world that reaches executors in
// other processes through the database. The returned stop func shuts it
// down and deregisters it.
func (s *session) clientWorld(ctx context.Context) (*world.World, func(), error) {
	cfg := s.worldConfig(s.polling())
	cfg.ID = ""
	cfg.Executor = false
	cfg.ValidityChecks = false
	w, err := world.New(cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to create world", err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()
	stop := func() {
		cancel()
		if err := <-done; err != nil {
			s.logger.Warn("client world stopped with error", "error", err)
		}
	}

	rctx, rcancel := context.WithTimeout(ctx, registerTimeout)
	defer rcancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := w.Coordinator().LoadWorld(rctx, w.ID()); err == nil {
			return w, stop, nil
		}
		select {
		case err := <-done:
			cancel()
			return nil, nil, WrapExitError(ExitCommandError, "client world failed to start", err)
		case <-rctx.Done():
			stop()
			return nil, nil, WrapExitError(ExitCommandError, "client world did not register", rctx.Err())
		case <-ticker.C:
		}
	}
}

// newLogger builds the process logger from the log config. Verbose forces
// debug level.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", config.FormatText:
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case config.FormatJSON:
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
