package world

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
)

// recovered is a plan released from a dead world, waiting for redispatch.
type recovered struct {
	ep    *plan.ExecutionPlan
	alloc *store.Allocation
}

// Invalidate cleans up after a dead world: plans it was executing are paused
// with their running steps failed, its locks are released and its record,
// envelopes and semaphore state dropped. Plans that can continue are dispatched again.
//
// Only one world invalidates a given world at a time; concurrent calls
// return nil without doing anything.
func (w *World) Invalidate(ctx context.Context, deadWorldID string) error {
	if deadWorldID == w.id {
		return fmt.Errorf("world %s cannot invalidate itself", w.id)
	}
	log := w.logger.With("dead_world_id", deadWorldID)

	var plans []recovered
	err := w.coord.WithLock(ctx, coordinator.InvalidationLock(deadWorldID, w.id), func(ctx context.Context) error {
		locks, err := w.coord.FindLocks(ctx, coordinator.LockFilter{OwnerID: deadWorldID, Kind: coordinator.KindExecution})
		if err != nil {
			return err
		}
		for _, lock := range locks {
			r, err := w.releasePlan(ctx, lock)
			if err != nil {
				return err
			}
			if r != nil {
				plans = append(plans, *r)
			}
		}
		if _, err := w.coord.ReleaseByOwner(ctx, deadWorldID); err != nil {
			return err
		}
		if err := w.coord.Deregister(ctx, deadWorldID); err != nil {
			return err
		}
		if _, err := w.store.PruneEnvelopes(ctx, deadWorldID); err != nil {
			return err
		}
		// Tickets the dead world held go with the steps failed above.
		if _, err := w.store.DeleteSemaphores(ctx, semaphorePrefix(deadWorldID)); err != nil {
			return err
		}
		return nil
	})
	if coordinator.IsLockError(err) {
		log.Debug("invalidation already in progress")
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalidate world %s: %w", deadWorldID, err)
	}
	log.Info("world invalidated", "plans", len(plans))

	for _, r := range plans {
		if err := w.redispatch(ctx, r); err != nil {
			log.Warn("failed to redispatch plan", "plan_id", r.ep.ID, "error", err)
		}
	}
	return nil
}

// releasePlan fails the running steps of the plan held by lock, pauses it
// and drops its lock and allocation.
func (w *World) releasePlan(ctx context.Context, lock coordinator.Lock) (*recovered, error) {
	log := w.logger.With("plan_id", lock.PlanID, "dead_world_id", lock.OwnerID)

	var alloc *store.Allocation
	a, err := w.store.LoadAllocation(ctx, lock.PlanID)
	switch {
	case err == nil:
		alloc = &a
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	ep, err := w.store.LoadPlan(ctx, lock.PlanID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("execution lock for unknown plan")
		return nil, w.dropExecution(ctx, lock)
	}
	if err != nil {
		return nil, err
	}

	now := w.clock.Now()
	for _, step := range ep.StepsInState(plan.StateRunning) {
		if err := step.Fail(plan.AbnormalTermination(plan.StateRunning), now); err != nil {
			return nil, err
		}
	}
	if ep.State == plan.PlanRunning {
		if err := ep.SetState(plan.PlanPaused, now); err != nil {
			return nil, err
		}
		ep.AddHistory(plan.HistoryTerminate, lock.OwnerID, now)
	}
	if err := w.store.SavePlan(ctx, ep); err != nil {
		return nil, err
	}
	if err := w.dropExecution(ctx, lock); err != nil {
		return nil, err
	}
	log.Info("plan released from dead world", "state", ep.State, "result", ep.Result)
	return &recovered{ep: ep, alloc: alloc}, nil
}

func (w *World) dropExecution(ctx context.Context, lock coordinator.Lock) error {
	if err := w.coord.Release(ctx, lock); err != nil {
		return err
	}
	return w.store.DeleteAllocation(ctx, lock.PlanID)
}

func (w *World) redispatch(ctx context.Context, r recovered) error {
	ep := r.ep
	if ep.State == plan.PlanStopped {
		return nil
	}
	if ep.HasErrors() {
		if !w.cfg.AutoRescue || !w.rescuable(ep) {
			return nil
		}
		now := w.clock.Now()
		for _, step := range ep.StepsInState(plan.StateError) {
			if err := ep.Skip(step.ID, now); err != nil {
				return err
			}
		}
		if err := w.store.SavePlan(ctx, ep); err != nil {
			return err
		}
	}

	executors, err := w.coord.FindWorlds(ctx, coordinator.WorldFilter{ExecutorsOnly: true})
	if err != nil {
		return err
	}
	if len(executors) == 0 {
		w.logger.Info("no executor to resume plan", "plan_id", ep.ID)
		return nil
	}
	w.logger.Info("redispatching plan", "plan_id", ep.ID)
	if r.alloc != nil {
		return w.client.Redispatch(ctx, ep.ID, r.alloc.ClientWorldID, r.alloc.RequestID)
	}
	_, err = w.Execute(ctx, ep.ID)
	return err
}

// rescuable reports whether every errored step resolves to the skip strategy.
func (w *World) rescuable(ep *plan.ExecutionPlan) bool {
	for _, step := range ep.StepsInState(plan.StateError) {
		if step.Phase != plan.PhaseRun || ep.RescueStrategy(step.ID) != plan.StrategySkip {
			return false
		}
	}
	return true
}

// CheckValidity invalidates worlds whose heartbeat is older than the
// heartbeat timeout and worlds that hold locks without being registered.
// It returns the invalidated world ids.
func (w *World) CheckValidity(ctx context.Context) ([]string, error) {
	worlds, err := w.coord.FindWorlds(ctx, coordinator.WorldFilter{})
	if err != nil {
		return nil, err
	}
	now := w.clock.Now()
	known := map[string]bool{w.id: true}
	var invalid []string
	for _, other := range worlds {
		known[other.ID] = true
		if other.ID != w.id && now.Sub(other.LastSeen) > w.cfg.HeartbeatTimeout {
			invalid = append(invalid, other.ID)
		}
	}

	locks, err := w.coord.FindLocks(ctx, coordinator.LockFilter{})
	if err != nil {
		return nil, err
	}
	for _, l := range locks {
		if !known[l.OwnerID] && !slices.Contains(invalid, l.OwnerID) {
			invalid = append(invalid, l.OwnerID)
		}
	}

	var errs []error
	for _, id := range invalid {
		w.logger.Warn("invalidating world", "dead_world_id", id)
		if err := w.Invalidate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return invalid, errors.Join(errs...)
}
