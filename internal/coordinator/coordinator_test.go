package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.Manual) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clk := clock.NewManual(t0)
	return New(s, clk, nil), clk
}

func TestAcquire_DuplicateIsLockError(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Acquire(ctx, ExecutionLock("p1", "w1")))
	err := c.Acquire(ctx, ExecutionLock("p1", "w2"))
	require.Error(t, err)
	assert.True(t, IsLockError(err))
	var le *LockError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "w1", le.Holder)
	assert.Equal(t, "plan:p1", le.LockID)

	// The holder itself cannot re-acquire.
	assert.True(t, IsLockError(c.Acquire(ctx, ExecutionLock("p1", "w1"))))
}

func TestRelease(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	lock := ExecutionLock("p1", "w1")
	require.NoError(t, c.Acquire(ctx, lock))

	err := c.Release(ctx, ExecutionLock("p1", "w2"))
	assert.True(t, IsLockError(err))

	require.NoError(t, c.Release(ctx, lock))
	require.NoError(t, c.Release(ctx, lock))
	require.NoError(t, c.Acquire(ctx, ExecutionLock("p1", "w2")))
}

func TestFindLocksAndReleaseByOwner(t *testing.T) {
	c, clk := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, ExecutionLock("p1", "w1")))
	require.NoError(t, c.Acquire(ctx, ExecutionLock("p2", "w1")))
	require.NoError(t, c.Acquire(ctx, ExecutionLock("p3", "w2")))
	require.NoError(t, c.Acquire(ctx, InvalidationLock("w9", "w1")))

	locks, err := c.FindLocks(ctx, LockFilter{OwnerID: "w1", Kind: KindExecution})
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "p1", locks[0].PlanID)
	assert.True(t, clk.Now().Equal(locks[0].AcquiredAt))

	inv, err := c.FindLocks(ctx, LockFilter{Kind: KindInvalidation})
	require.NoError(t, err)
	require.Len(t, inv, 1)
	assert.Equal(t, "w9", inv[0].WorldID)

	released, err := c.ReleaseByOwner(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, released, 3)
	all, err := c.FindLocks(ctx, LockFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "w2", all[0].OwnerID)
}

func TestTransfer(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	lock := ExecutionLock("p1", "w1")
	require.NoError(t, c.Acquire(ctx, lock))

	moved, err := c.Transfer(ctx, lock, "w2")
	require.NoError(t, err)
	assert.Equal(t, "w2", moved.OwnerID)
	assert.True(t, IsLockError(c.Release(ctx, lock)))
	require.NoError(t, c.Release(ctx, moved))
}

func TestWithLock_AlwaysReleases(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	lock := InvalidationLock("dead", "w1")

	ran := false
	err := c.WithLock(ctx, lock, func(ctx context.Context) error {
		ran = true
		assert.True(t, IsLockError(c.Acquire(ctx, InvalidationLock("dead", "w2"))))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, ran)

	locks, err := c.FindLocks(ctx, LockFilter{})
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Acquire(ctx, ExecutionLock("p1", "w"+string(rune('a'+i))))
			switch {
			case err == nil:
				wins.Add(1)
			case IsLockError(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestWorlds(t *testing.T) {
	c, clk := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, World{ID: "w1", Executor: true, Queues: []string{"slow", "default"}}))
	require.NoError(t, c.Register(ctx, World{ID: "c1"}))

	w, err := c.LoadWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "slow"}, w.Queues)
	assert.True(t, t0.Equal(w.LastSeen))

	clk.Advance(10 * time.Second)
	require.NoError(t, c.Heartbeat(ctx, "w1", clk.Now()))
	w, err = c.LoadWorld(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, t0.Add(10*time.Second).Equal(w.LastSeen))
	assert.True(t, t0.Equal(w.RegisteredAt))

	executors, err := c.FindWorlds(ctx, WorldFilter{ExecutorsOnly: true})
	require.NoError(t, err)
	require.Len(t, executors, 1)
	assert.Equal(t, "w1", executors[0].ID)

	all, err := c.FindWorlds(ctx, WorldFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Deregister(ctx, "w1"))
	assert.ErrorIs(t, c.Heartbeat(ctx, "w1", clk.Now()), store.ErrNotFound)
}
