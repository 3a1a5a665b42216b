package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
)

// Store is the persistence the cleaner reads from and deletes in.
type Store interface {
	Payloads
	FindExecutionPlans(ctx context.Context, filter store.PlanFilter) ([]*plan.ExecutionPlan, error)
	DeleteExecutionPlans(ctx context.Context, ids []string) (int, error)
}

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	Store    Store
	Archiver Archiver
	Clock    clock.Clock
	// MaxAge is how long a stopped plan is kept after it ended.
	MaxAge   time.Duration
	Interval time.Duration
	Prefix   string
	// BatchSize bounds the plans handled per pass. Zero means 100.
	BatchSize int
	Logger    *slog.Logger
}

// Cleaner archives and deletes old stopped plans.
type Cleaner struct {
	cfg    CleanerConfig
	logger *slog.Logger
}

// NewCleaner creates a cleaner.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cleaner{cfg: cfg, logger: cfg.Logger}
}

// Clean runs one pass and returns the number of plans removed. A plan whose
// archive write fails stays in the store for the next pass.
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	cutoff := c.cfg.Clock.Now().Add(-c.cfg.MaxAge)
	plans, err := c.cfg.Store.FindExecutionPlans(ctx, store.PlanFilter{
		States:      []plan.PlanState{plan.PlanStopped},
		EndedBefore: cutoff,
		Limit:       c.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("find plans to clean: %w", err)
	}

	var archived []string
	for _, ep := range plans {
		if err := c.archive(ctx, ep); err != nil {
			c.logger.Warn("failed to archive plan", "plan_id", ep.ID, "error", err)
			continue
		}
		archived = append(archived, ep.ID)
	}
	if len(archived) == 0 {
		return 0, nil
	}
	n, err := c.cfg.Store.DeleteExecutionPlans(ctx, archived)
	if err != nil {
		return 0, fmt.Errorf("delete archived plans: %w", err)
	}
	c.logger.Info("plans archived", "count", n, "cutoff", cutoff)
	return n, nil
}

func (c *Cleaner) archive(ctx context.Context, ep *plan.ExecutionPlan) error {
	doc, err := NewDocument(ctx, ep, c.cfg.Store)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode archive of %s: %w", ep.ID, err)
	}
	return c.cfg.Archiver.Archive(ctx, Key(c.cfg.Prefix, ep.ID), data)
}

// Run cleans on every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.Clean(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("plan cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
