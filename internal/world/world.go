// Package world assembles a conductor process: persistence, coordinator,
// dispatchers, connector and, for executor worlds, the executor core.
package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/connector"
	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/executor"
	"github.com/roach88/conductor/internal/planner"
	"github.com/roach88/conductor/internal/store"
)

// Defaults applied by New.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

var _ executor.Persistence = (*store.Store)(nil)

// Config configures a World.
type Config struct {
	// ID defaults to a fresh UUIDv7.
	ID        string
	Executor  bool
	Store     *store.Store
	Connector connector.Connector
	Registry  *action.Registry
	Clock     clock.Clock
	PoolSize  int
	Limits    director.Limits
	// NewPlanID generates plan ids. Defaults to UUIDv7.
	NewPlanID func() (string, error)

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// ValidityChecks makes the heartbeat loop invalidate stale worlds.
	ValidityChecks bool
	// AutoRescue skips errored steps of invalidated plans when their
	// rescue strategy is skip, then redispatches them.
	AutoRescue      bool
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// World is one conductor process.
type World struct {
	id        string
	cfg       Config
	store     *store.Store
	coord     *coordinator.Coordinator
	connector connector.Connector
	planner   *planner.Planner
	client    *dispatch.ClientDispatcher
	exec      *dispatch.ExecutorDispatcher
	core      *executor.Core
	clock     clock.Clock
	logger    *slog.Logger
}

// New assembles a world. Call Run to start it.
func New(cfg Config) (*World, error) {
	if cfg.Store == nil {
		return nil, errors.New("world: store is required")
	}
	if cfg.Connector == nil {
		return nil, errors.New("world: connector is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = action.MustRegistry()
	}
	if cfg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("world: generate id: %w", err)
		}
		cfg.ID = id.String()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.NewPlanID == nil {
		cfg.NewPlanID = newUUID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	logger := cfg.Logger.With("world_id", cfg.ID)
	w := &World{
		id:        cfg.ID,
		cfg:       cfg,
		store:     cfg.Store,
		coord:     coordinator.New(cfg.Store, cfg.Clock, cfg.Logger),
		connector: cfg.Connector,
		planner:   planner.New(cfg.Registry, cfg.Clock, cfg.Logger),
		clock:     cfg.Clock,
		logger:    logger,
	}
	w.client = dispatch.NewClientDispatcher(dispatch.ClientConfig{
		WorldID:     cfg.ID,
		Sender:      cfg.Connector,
		Allocations: cfg.Store,
		Worlds:      w.coord,
		Clock:       cfg.Clock,
		Timeout:     cfg.RequestTimeout,
		Logger:      cfg.Logger,
	})
	if cfg.Executor {
		sems := semaphoreStore{worldID: cfg.ID, store: cfg.Store, logger: logger}
		w.core = executor.New(executor.Config{
			WorldID:         cfg.ID,
			Registry:        cfg.Registry,
			Store:           cfg.Store,
			Clock:           cfg.Clock,
			PoolSize:        cfg.PoolSize,
			Limits:          cfg.Limits,
			SemaphoreSaver:  sems,
			SemaphoreLoader: sems,
			Logger:          cfg.Logger,
		})
		w.exec = dispatch.NewExecutorDispatcher(dispatch.ExecutorConfig{
			WorldID:     cfg.ID,
			Sender:      cfg.Connector,
			Executor:    w.core,
			Locks:       w.coord,
			Allocations: cfg.Store,
			OnAbandoned: func(planID string) {
				logger.Warn("plan left for invalidation", "plan_id", planID)
			},
			Logger: cfg.Logger,
		})
	}
	return w, nil
}

func newUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ID returns the world id.
func (w *World) ID() string { return w.id }

// Coordinator returns the world's coordinator.
func (w *World) Coordinator() *coordinator.Coordinator { return w.coord }

// Registered returns the record this world registers.
func (w *World) Registered() coordinator.World {
	return coordinator.World{ID: w.id, Executor: w.cfg.Executor, Queues: w.queues()}
}

func (w *World) queues() []string {
	queues := []string{action.DefaultQueue}
	for name := range w.cfg.Limits.Queues {
		if name != action.DefaultQueue {
			queues = append(queues, name)
		}
	}
	return queues
}

// Run registers the world, starts listening and runs every actor until
// ctx is done or one of them fails. On the way out executing plans are
// halted and the world deregisters.
func (w *World) Run(ctx context.Context) error {
	if err := w.coord.Register(ctx, w.Registered()); err != nil {
		return err
	}
	ep := connector.Endpoint{WorldID: w.id, Executor: w.cfg.Executor, Responses: w.client}
	if w.exec != nil {
		ep.Requests = w.exec
	}
	if err := w.connector.StartListening(ctx, ep); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	w.logger.Info("world started", "executor", w.cfg.Executor)

	// Actors outlive ctx until shutdown has halted the plans.
	inner, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(inner)
	g.Go(func() error { return w.client.Run(gctx) })
	if w.core != nil {
		g.Go(func() error { return w.core.Run(gctx) })
		g.Go(func() error { return w.exec.Run(gctx) })
	}
	g.Go(func() error {
		w.heartbeat(gctx, ctx.Done())
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		w.shutdown()
		cancel()
		return nil
	})
	err := g.Wait()
	if err == nil && w.core != nil {
		// Nothing is out with workers any more, so no ticket is held.
		w.resetSemaphores()
	}
	w.logger.Info("world stopped", "error", err)
	return err
}

func (w *World) resetSemaphores() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if _, err := w.store.DeleteSemaphores(ctx, semaphorePrefix(w.id)); err != nil {
		w.logger.Warn("failed to reset semaphores", "error", err)
	}
}

func (w *World) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()

	if w.core != nil {
		if err := w.core.HaltAll(ctx); err != nil && !errors.Is(err, executor.ErrStopped) {
			w.logger.Warn("failed to halt plans", "error", err)
		}
		if err := w.exec.WaitIdle(ctx); err != nil && !errors.Is(err, dispatch.ErrStopped) {
			w.logger.Warn("executions still outstanding at shutdown", "error", err)
		}
	}
	if err := w.connector.StopListening(ctx, w.id); err != nil {
		w.logger.Warn("failed to stop listening", "error", err)
	}
	if err := w.coord.Deregister(ctx, w.id); err != nil {
		w.logger.Warn("failed to deregister", "error", err)
	}
	if _, err := w.store.PruneEnvelopes(ctx, w.id); err != nil {
		w.logger.Warn("failed to prune envelopes", "error", err)
	}
}

func (w *World) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := w.coord.Heartbeat(ctx, w.id, w.clock.Now()); err != nil {
			w.logger.Warn("heartbeat failed", "error", err)
			continue
		}
		if w.cfg.ValidityChecks {
			if _, err := w.CheckValidity(ctx); err != nil {
				w.logger.Warn("validity check failed", "error", err)
			}
		}
	}
}

// semaphoreStore persists semaphore state under the world's namespace,
// "<world-id>/<name>".
type semaphoreStore struct {
	worldID string
	store   *store.Store
	logger  *slog.Logger
}

func semaphorePrefix(worldID string) string { return worldID + "/" }

func (s semaphoreStore) SaveSemaphore(name string, tickets, free int) {
	if err := s.store.SaveSemaphore(context.Background(), semaphorePrefix(s.worldID)+name, tickets, free); err != nil {
		s.logger.Warn("failed to save semaphore", "semaphore", name, "error", err)
	}
}

func (s semaphoreStore) LoadSemaphore(name string) (tickets, free int, ok bool) {
	tickets, free, err := s.store.LoadSemaphore(context.Background(), semaphorePrefix(s.worldID)+name)
	switch {
	case err == nil:
		return tickets, free, true
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("failed to load semaphore", "semaphore", name, "error", err)
	}
	return 0, 0, false
}
