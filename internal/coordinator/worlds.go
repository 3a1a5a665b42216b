package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/conductor/internal/store"
)

// Register records w as live. Registering an existing world replaces its
// record.
func (c *Coordinator) Register(ctx context.Context, w World) error {
	now := c.clock.Now()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	if w.LastSeen.IsZero() {
		w.LastSeen = now
	}
	rec, err := encodeWorld(w)
	if err != nil {
		return err
	}
	err = c.storage.CreateRecord(ctx, rec)
	if errors.Is(err, store.ErrDuplicate) {
		err = c.storage.UpdateRecord(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("register world %s: %w", w.ID, err)
	}
	c.logger.Info("world registered", "world_id", w.ID, "executor", w.Executor)
	return nil
}

// Heartbeat updates the last_seen time of a world.
func (c *Coordinator) Heartbeat(ctx context.Context, worldID string, now time.Time) error {
	w, err := c.LoadWorld(ctx, worldID)
	if err != nil {
		return err
	}
	w.LastSeen = now
	rec, err := encodeWorld(w)
	if err != nil {
		return err
	}
	if err := c.storage.UpdateRecord(ctx, rec); err != nil {
		return fmt.Errorf("heartbeat %s: %w", worldID, err)
	}
	return nil
}

// LoadWorld returns one world record.
func (c *Coordinator) LoadWorld(ctx context.Context, worldID string) (World, error) {
	rec, err := c.storage.LoadRecord(ctx, ClassWorld, worldID)
	if err != nil {
		return World{}, fmt.Errorf("load world %s: %w", worldID, err)
	}
	return decodeWorld(rec)
}

// FindWorlds returns worlds matching filter, ordered by id.
func (c *Coordinator) FindWorlds(ctx context.Context, filter WorldFilter) ([]World, error) {
	recs, err := c.storage.FindRecords(ctx, ClassWorld, store.RecordFilter{IDs: filter.IDs})
	if err != nil {
		return nil, fmt.Errorf("find worlds: %w", err)
	}
	out := []World{}
	for _, rec := range recs {
		w, err := decodeWorld(rec)
		if err != nil {
			return nil, err
		}
		if filter.ExecutorsOnly && !w.Executor {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Deregister deletes the record of a world.
func (c *Coordinator) Deregister(ctx context.Context, worldID string) error {
	if _, err := c.storage.DeleteRecord(ctx, ClassWorld, worldID); err != nil {
		return fmt.Errorf("deregister world %s: %w", worldID, err)
	}
	c.logger.Info("world deregistered", "world_id", worldID)
	return nil
}

func encodeWorld(w World) (store.CoordinatorRecord, error) {
	w.Queues = slices.Clone(w.Queues)
	slices.Sort(w.Queues)
	data, err := json.Marshal(w)
	if err != nil {
		return store.CoordinatorRecord{}, fmt.Errorf("encode world %s: %w", w.ID, err)
	}
	return store.CoordinatorRecord{Class: ClassWorld, ID: w.ID, OwnerID: w.ID, Data: data}, nil
}

func decodeWorld(rec store.CoordinatorRecord) (World, error) {
	var w World
	if err := json.Unmarshal(rec.Data, &w); err != nil {
		return World{}, fmt.Errorf("decode world %s: %w", rec.ID, err)
	}
	w.ID = rec.ID
	return w, nil
}
