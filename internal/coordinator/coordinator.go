// Package coordinator keeps cluster-wide coordination state in persistence:
// locks that give a world exclusive ownership of a plan or an invalidation,
// and the registry of live worlds with their heartbeats.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/store"
)

// Record classes.
const (
	ClassLock  = "lock"
	ClassWorld = "world"
)

// LockKind distinguishes the lock families.
type LockKind string

const (
	KindExecution    LockKind = "execution"
	KindInvalidation LockKind = "world-invalidation"
)

// Storage is the record storage the coordinator needs. store.Store
// implements it.
type Storage interface {
	CreateRecord(ctx context.Context, r store.CoordinatorRecord) error
	UpdateRecord(ctx context.Context, r store.CoordinatorRecord) error
	DeleteRecord(ctx context.Context, class, id string) (bool, error)
	LoadRecord(ctx context.Context, class, id string) (store.CoordinatorRecord, error)
	FindRecords(ctx context.Context, class string, filter store.RecordFilter) ([]store.CoordinatorRecord, error)
}

// Lock is an exclusive claim owned by a world.
type Lock struct {
	ID         string    `json:"id"`
	Kind       LockKind  `json:"kind"`
	OwnerID    string    `json:"owner_id"`
	PlanID     string    `json:"plan_id,omitempty"`
	WorldID    string    `json:"world_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ExecutionLock is held by the world executing planID.
func ExecutionLock(planID, ownerID string) Lock {
	return Lock{ID: "plan:" + planID, Kind: KindExecution, OwnerID: ownerID, PlanID: planID}
}

// InvalidationLock serializes invalidation of worldID.
func InvalidationLock(worldID, ownerID string) Lock {
	return Lock{ID: "world-invalidation:" + worldID, Kind: KindInvalidation, OwnerID: ownerID, WorldID: worldID}
}

// LockFilter selects locks. Zero fields match everything.
type LockFilter struct {
	OwnerID string
	Kind    LockKind
}

// World is a registered process.
type World struct {
	ID           string    `json:"id"`
	Executor     bool      `json:"executor"`
	Queues       []string  `json:"queues,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// WorldFilter selects worlds.
type WorldFilter struct {
	ExecutorsOnly bool
	IDs           []string
}

// Coordinator acquires locks and maintains world records.
type Coordinator struct {
	storage Storage
	clock   clock.Clock
	logger  *slog.Logger
}

// New creates a coordinator over storage.
func New(storage Storage, clk clock.Clock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{storage: storage, clock: clk, logger: logger}
}

// Acquire creates the lock record. It fails with a LockError when any world,
// including the caller, already holds the lock.
func (c *Coordinator) Acquire(ctx context.Context, lock Lock) error {
	lock.AcquiredAt = c.clock.Now()
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock %s: %w", lock.ID, err)
	}
	err = c.storage.CreateRecord(ctx, store.CoordinatorRecord{
		Class: ClassLock, ID: lock.ID, OwnerID: lock.OwnerID, Data: data,
	})
	if errors.Is(err, store.ErrDuplicate) {
		holder := ""
		if rec, lerr := c.storage.LoadRecord(ctx, ClassLock, lock.ID); lerr == nil {
			holder = rec.OwnerID
		}
		return &LockError{LockID: lock.ID, Holder: holder, Err: err}
	}
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lock.ID, err)
	}
	c.logger.Debug("lock acquired", "lock", lock.ID, "world_id", lock.OwnerID)
	return nil
}

// Release deletes the lock if the owner in lock still holds it. Releasing a
// lock that does not exist is a no-op.
func (c *Coordinator) Release(ctx context.Context, lock Lock) error {
	rec, err := c.storage.LoadRecord(ctx, ClassLock, lock.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lock.ID, err)
	}
	if rec.OwnerID != lock.OwnerID {
		return &LockError{LockID: lock.ID, Holder: rec.OwnerID}
	}
	if _, err := c.storage.DeleteRecord(ctx, ClassLock, lock.ID); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.ID, err)
	}
	c.logger.Debug("lock released", "lock", lock.ID, "world_id", lock.OwnerID)
	return nil
}

// Transfer hands a held lock to another owner.
func (c *Coordinator) Transfer(ctx context.Context, lock Lock, newOwner string) (Lock, error) {
	rec, err := c.storage.LoadRecord(ctx, ClassLock, lock.ID)
	if err != nil {
		return Lock{}, fmt.Errorf("transfer lock %s: %w", lock.ID, err)
	}
	if rec.OwnerID != lock.OwnerID {
		return Lock{}, &LockError{LockID: lock.ID, Holder: rec.OwnerID}
	}
	held, err := decodeLock(rec)
	if err != nil {
		return Lock{}, err
	}
	held.OwnerID = newOwner
	data, err := json.Marshal(held)
	if err != nil {
		return Lock{}, fmt.Errorf("encode lock %s: %w", lock.ID, err)
	}
	err = c.storage.UpdateRecord(ctx, store.CoordinatorRecord{Class: ClassLock, ID: lock.ID, OwnerID: newOwner, Data: data})
	if err != nil {
		return Lock{}, fmt.Errorf("transfer lock %s: %w", lock.ID, err)
	}
	return held, nil
}

// ReleaseByOwner drops every lock held by ownerID and returns them.
func (c *Coordinator) ReleaseByOwner(ctx context.Context, ownerID string) ([]Lock, error) {
	locks, err := c.FindLocks(ctx, LockFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	for _, l := range locks {
		if _, err := c.storage.DeleteRecord(ctx, ClassLock, l.ID); err != nil {
			return nil, fmt.Errorf("release lock %s: %w", l.ID, err)
		}
	}
	return locks, nil
}

// FindLocks returns locks matching filter, ordered by id.
func (c *Coordinator) FindLocks(ctx context.Context, filter LockFilter) ([]Lock, error) {
	recs, err := c.storage.FindRecords(ctx, ClassLock, store.RecordFilter{OwnerID: filter.OwnerID})
	if err != nil {
		return nil, fmt.Errorf("find locks: %w", err)
	}
	out := []Lock{}
	for _, rec := range recs {
		l, err := decodeLock(rec)
		if err != nil {
			return nil, err
		}
		if filter.Kind != "" && l.Kind != filter.Kind {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// WithLock acquires lock, runs fn and always releases the lock afterwards.
func (c *Coordinator) WithLock(ctx context.Context, lock Lock, fn func(ctx context.Context) error) (err error) {
	if err := c.Acquire(ctx, lock); err != nil {
		return err
	}
	defer func() {
		// Release even when ctx was cancelled during fn.
		if rerr := c.Release(context.WithoutCancel(ctx), lock); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

func decodeLock(rec store.CoordinatorRecord) (Lock, error) {
	var l Lock
	if err := json.Unmarshal(rec.Data, &l); err != nil {
		return Lock{}, fmt.Errorf("decode lock %s: %w", rec.ID, err)
	}
	if l.ID == "" {
		l.ID = rec.ID
	}
	l.OwnerID = rec.OwnerID
	if l.Kind == "" {
		l.Kind = kindOf(rec.ID)
	}
	return l, nil
}

func kindOf(id string) LockKind {
	if strings.HasPrefix(id, "world-invalidation:") {
		return KindInvalidation
	}
	return KindExecution
}
