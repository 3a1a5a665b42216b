// Package director schedules the steps of execution plans.
//
// The Director is a synchronous state machine owned by a single goroutine
// (the executor core). It walks each plan's run flow, then its finalize
// flow, and emits WorkItems for steps whose dependencies are satisfied and
// whose queue semaphore admits them. Workers execute the items and report
// back through WorkFinished; nothing in this package blocks.
package director

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/flow"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/semaphore"
)

// Saver persists plan and step state changes made by the Director.
type Saver interface {
	SavePlan(ctx context.Context, ep *plan.ExecutionPlan) error
	SaveStep(ctx context.Context, step *plan.Step) error
}

// Limits configures concurrency. Zero means unlimited.
type Limits struct {
	Global int
	Queues map[string]int
}

// Config configures a Director.
type Config struct {
	WorldID string
	Clock   clock.Clock
	Saver   Saver
	Limits  Limits
	// SemaphoreSaver persists ticket state of limited semaphores.
	SemaphoreSaver semaphore.Saver
	// SemaphoreLoader restores that state. Tickets that were held when it
	// was saved stay held until the steps left running with them are
	// found and failed.
	SemaphoreLoader semaphore.Loader
	// OnFinished is called synchronously when a plan leaves the Director,
	// whether it stopped, paused or was halted.
	OnFinished func(ep *plan.ExecutionPlan)
	Logger     *slog.Logger
}

// Director owns the scheduling state of every plan executing in one world.
type Director struct {
	worldID    string
	clock      clock.Clock
	saver      Saver
	onFinished func(*plan.ExecutionPlan)
	logger     *slog.Logger
	seq        *clock.Sequence

	limits    Limits
	semSaver  semaphore.Saver
	semLoader semaphore.Loader
	global    semaphore.Semaphore[WorkItem]
	queues    map[string]semaphore.Semaphore[WorkItem]
	limited   map[string]*semaphore.Stateful[WorkItem]
	// abandoned counts restored tickets not yet given back, by semaphore.
	abandoned map[string]int

	plans    map[string]*manager
	inFlight map[int64]WorkItem
}

// New creates a Director.
func New(cfg Config) *Director {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Director{
		worldID:    cfg.WorldID,
		clock:      cfg.Clock,
		saver:      cfg.Saver,
		onFinished: cfg.OnFinished,
		logger:     cfg.Logger.With("world_id", cfg.WorldID),
		seq:        clock.NewSequenceAt(0),
		limits:     cfg.Limits,
		semSaver:   cfg.SemaphoreSaver,
		semLoader:  cfg.SemaphoreLoader,
		queues:     make(map[string]semaphore.Semaphore[WorkItem]),
		limited:    make(map[string]*semaphore.Stateful[WorkItem]),
		abandoned:  make(map[string]int),
		plans:      make(map[string]*manager),
		inFlight:   make(map[int64]WorkItem),
	}
	d.global = semaphore.Dummy[WorkItem]{}
	if cfg.Limits.Global > 0 {
		d.global = d.stateful(globalSemaphore, cfg.Limits.Global)
	}
	return d
}

const globalSemaphore = "global"

func queueSemaphore(queue string) string { return "queue:" + queue }

// stateful builds a limited semaphore, restoring the tickets held when its
// state was last saved. A changed limit keeps the held count.
func (d *Director) stateful(name string, limit int) *semaphore.Stateful[WorkItem] {
	free := limit
	if d.semLoader != nil {
		if tickets, saved, ok := d.semLoader.LoadSemaphore(name); ok {
			if held := min(max(tickets-saved, 0), limit); held > 0 {
				free = limit - held
				d.abandoned[name] = held
				d.logger.Info("restored semaphore with held tickets", "semaphore", name, "held", held)
			}
		}
	}
	s := semaphore.Restore[WorkItem](name, limit, free, d.semSaver)
	d.limited[name] = s
	return s
}

// reclaim gives back a restored ticket for a step of queue that a previous
// owner left running, and dispatches any waiter the ticket admits.
func (d *Director) reclaim(queue string) []WorkItem {
	d.queue(queue)
	released := false
	for _, name := range []string{globalSemaphore, queueSemaphore(queue)} {
		if d.abandoned[name] == 0 {
			continue
		}
		d.abandoned[name]--
		d.limited[name].Release(1)
		d.logger.Info("reclaimed abandoned ticket", "semaphore", name, "left", d.abandoned[name])
		released = true
	}
	if !released {
		return nil
	}
	var admitted []WorkItem
	for _, name := range slices.Sorted(maps.Keys(d.queues)) {
		admitted = append(admitted, d.queues[name].Admit()...)
	}
	return d.dispatchAdmitted(admitted)
}

// Plans returns the ids of plans currently executing, sorted.
func (d *Director) Plans() []string {
	return slices.Sorted(maps.Keys(d.plans))
}

// InFlight returns the number of work items out with workers.
func (d *Director) InFlight() int { return len(d.inFlight) }

// Plan returns the Director's view of an executing plan.
func (d *Director) Plan(id string) (*plan.ExecutionPlan, bool) {
	m, ok := d.plans[id]
	if !ok {
		return nil, false
	}
	return m.plan, true
}

// StartExecution starts or resumes ep. A pending plan yields a single
// planning item. A planned, paused or running plan enters the run phase, or
// the finalize phase if every run step is already done.
func (d *Director) StartExecution(ctx context.Context, ep *plan.ExecutionPlan) ([]WorkItem, error) {
	if _, ok := d.plans[ep.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuting, ep.ID)
	}
	m := newManager(ep)

	switch ep.State {
	case plan.PlanPending:
		d.plans[ep.ID] = m
		item := WorkItem{
			PlanID:   ep.ID,
			StepID:   ep.RootPlanStepID,
			Kind:     KindPlanning,
			Queue:    action.DefaultQueue,
			Priority: PriorityPlanning,
		}
		d.logger.Debug("planning execution plan", "plan_id", ep.ID)
		return []WorkItem{d.dispatch(m, item)}, nil
	case plan.PlanPlanned, plan.PlanPaused, plan.PlanRunning:
	default:
		return nil, fmt.Errorf("%w: plan %s is %s", ErrNotExecutable, ep.ID, ep.State)
	}

	d.plans[ep.ID] = m
	if err := d.markRunning(ctx, m); err != nil {
		return nil, err
	}
	return d.startPhase(ctx, m, resumePhase(ep))
}

func (d *Director) markRunning(ctx context.Context, m *manager) error {
	now := d.clock.Now()
	if m.plan.State != plan.PlanRunning {
		if err := m.plan.SetState(plan.PlanRunning, now); err != nil {
			return err
		}
	}
	m.plan.AddHistory(plan.HistoryStart, d.worldID, now)
	d.logger.Info("execution plan started", "plan_id", m.plan.ID)
	return d.savePlan(ctx, m.plan)
}

// WorkFinished records the outcome of a work item and returns the items
// that became ready as a result.
func (d *Director) WorkFinished(ctx context.Context, res Result) ([]WorkItem, error) {
	item, ok := d.inFlight[res.ItemID]
	if !ok {
		if _, known := d.plans[res.PlanID]; !known {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: item %d of plan %s", ErrStaleWork, res.ItemID, res.PlanID)
	}
	delete(d.inFlight, res.ItemID)

	var out []WorkItem
	if item.holdsTicket() {
		out = d.release(item.Queue)
	}

	m, ok := d.plans[item.PlanID]
	if !ok {
		// Halted while the item was out.
		return out, nil
	}

	var items []WorkItem
	var err error
	if item.Kind == KindPlanning {
		items, err = d.planned(ctx, m, item, res)
	} else {
		items, err = d.stepFinished(ctx, m, item, res)
	}
	return append(out, items...), err
}

func (d *Director) planned(ctx context.Context, m *manager, item WorkItem, res Result) ([]WorkItem, error) {
	delete(m.active, item.StepID)
	if res.Plan != nil {
		m.plan = res.Plan
	}
	if res.Err != nil || m.plan.State == plan.PlanStopped {
		if m.plan.State != plan.PlanStopped {
			if err := m.plan.SetState(plan.PlanStopped, d.clock.Now()); err != nil {
				return nil, err
			}
			m.plan.Result = plan.ResultError
			if err := d.savePlan(ctx, m.plan); err != nil {
				return nil, err
			}
		}
		d.logger.Warn("planning failed", "plan_id", m.plan.ID, "error", res.Err)
		d.leave(m)
		return nil, nil
	}
	if err := d.markRunning(ctx, m); err != nil {
		return nil, err
	}
	return d.startPhase(ctx, m, plan.PhaseRun)
}

func (d *Director) stepFinished(ctx context.Context, m *manager, item WorkItem, res Result) ([]WorkItem, error) {
	delete(m.active, item.StepID)
	step := res.Step
	if step == nil {
		return nil, fmt.Errorf("plan %s: result for item %d carries no step", m.plan.ID, item.ID)
	}
	m.plan.Steps[step.ID] = step
	queued := m.events[step.ID]

	var out []WorkItem
	switch step.State {
	case plan.StateSuccess, plan.StateSkipped:
		d.dropEvents(m, step.ID, "step finished without suspending")
		m.graph.Satisfy(step.ID)
	case plan.StateSuspended:
		m.active[step.ID] = activitySuspended
		if len(queued) > 0 {
			m.events[step.ID] = queued[1:]
			items, err := d.deliver(ctx, m, queued[0])
			queued[0].settle(err)
			if err != nil {
				return nil, err
			}
			out = items
		}
	case plan.StateError:
		d.dropEvents(m, step.ID, "step failed")
		if err := d.rescue(ctx, m, step); err != nil {
			return nil, err
		}
	}

	items, err := d.advance(ctx, m)
	return append(out, items...), err
}

// dropEvents discards the events queued for a step that ended without
// suspending. Mandatory ones are rejected to their senders.
func (d *Director) dropEvents(m *manager, stepID int, reason string) {
	for _, ev := range m.events[stepID] {
		if !ev.Optional {
			d.logger.Warn("rejecting queued event", "plan_id", m.plan.ID, "step_id", stepID, "reason", reason)
		}
		ev.settle(d.unprocessable(ev, reason))
	}
	delete(m.events, stepID)
}

func (d *Director) dropAllEvents(m *manager, reason string) {
	for _, id := range slices.Sorted(maps.Keys(m.events)) {
		d.dropEvents(m, id, reason)
	}
}

// RejectEvents resolves the replies of every queued event with err. The
// owner calls it when it stops.
func (d *Director) RejectEvents(err error) {
	for _, m := range d.plans {
		for _, queued := range m.events {
			for _, ev := range queued {
				ev.settle(err)
			}
		}
		clear(m.events)
	}
}

// rescue applies the failed step's rescue strategy. Skip marks the step and
// every step depending on it skipped; anything else pauses the plan once
// in-flight work drains.
func (d *Director) rescue(ctx context.Context, m *manager, step *plan.Step) error {
	strategy := m.plan.RescueStrategy(step.ID)
	if m.phase != plan.PhaseRun || strategy != plan.StrategySkip {
		m.pausing = true
		d.logger.Warn("step failed, pausing plan",
			"plan_id", m.plan.ID, "step_id", step.ID, "action", step.ActionName, "error", step.Error)
		return nil
	}

	now := d.clock.Now()
	dependents := m.graph.Dependents(step.ID)
	if err := d.transition(ctx, step, plan.StateSkipped); err != nil {
		return err
	}
	m.graph.Satisfy(step.ID)
	for _, id := range dependents {
		dep := m.plan.Steps[id]
		if dep.State == plan.StatePending || dep.State == plan.StateError {
			if err := dep.Transition(plan.StateSkipped, now); err != nil {
				return err
			}
			if err := d.saveStep(ctx, dep); err != nil {
				return err
			}
		}
		m.graph.Satisfy(id)
	}
	d.logger.Warn("step failed, skipped with dependents",
		"plan_id", m.plan.ID, "step_id", step.ID, "dependents", dependents)
	return nil
}

// HandleEvent routes an event to its step. Events for a step with a work
// item out are queued until the item returns; their Reply stays pending
// until the step suspends and takes the event, or ends and drops it.
func (d *Director) HandleEvent(ctx context.Context, ev Event) ([]WorkItem, error) {
	m, ok := d.plans[ev.PlanID]
	if !ok {
		err := d.unprocessable(ev, "plan is not executing here")
		ev.settle(err)
		return nil, err
	}
	if _, ok := m.plan.Steps[ev.StepID]; !ok {
		err := d.unprocessable(ev, "unknown step")
		ev.settle(err)
		return nil, err
	}
	switch m.active[ev.StepID] {
	case activityInFlight, activityWaiting:
		m.events[ev.StepID] = append(m.events[ev.StepID], ev)
		return nil, nil
	case activitySuspended:
		items, err := d.deliver(ctx, m, ev)
		ev.settle(err)
		return items, err
	}
	err := d.unprocessable(ev, "step is not suspended")
	ev.settle(err)
	return nil, err
}

func (d *Director) unprocessable(ev Event, reason string) error {
	if ev.Optional {
		d.logger.Debug("dropping optional event", "plan_id", ev.PlanID, "step_id", ev.StepID, "reason", reason)
		return nil
	}
	return fmt.Errorf("%w: plan %s step %d: %s", ErrUnprocessableEvent, ev.PlanID, ev.StepID, reason)
}

func (d *Director) deliver(ctx context.Context, m *manager, ev Event) ([]WorkItem, error) {
	step := m.plan.Steps[ev.StepID]
	ev.Reply = nil
	return d.submit(ctx, m, WorkItem{
		PlanID:   m.plan.ID,
		StepID:   ev.StepID,
		Kind:     KindEvent,
		Queue:    step.Queue,
		Priority: PriorityEvent,
		Event:    &ev,
	})
}

// Halt stops scheduling for a plan without running its finalize phase. A
// running plan is paused. Completions of items still out are ignored.
func (d *Director) Halt(ctx context.Context, planID string) error {
	m, ok := d.plans[planID]
	if !ok {
		return nil
	}
	d.dropWaiters(m)
	d.dropAllEvents(m, "plan was halted")
	delete(d.plans, planID)

	if m.plan.State == plan.PlanRunning {
		now := d.clock.Now()
		if err := m.plan.SetState(plan.PlanPaused, now); err != nil {
			return err
		}
		m.plan.AddHistory(plan.HistoryPause, d.worldID, now)
		if err := d.savePlan(ctx, m.plan); err != nil {
			return err
		}
	}
	d.logger.Info("execution plan halted", "plan_id", planID, "state", m.plan.State)
	if d.onFinished != nil {
		d.onFinished(m.plan)
	}
	return nil
}

// Cancel stops scheduling new steps. Steps that never started are
// cancelled; cancellable suspended steps receive a cancel event.
func (d *Director) Cancel(ctx context.Context, planID string) ([]WorkItem, error) {
	m, ok := d.plans[planID]
	if !ok {
		return nil, nil
	}
	if m.phase == plan.PhasePlan {
		return nil, fmt.Errorf("%w: plan %s is still planning", ErrNotExecutable, planID)
	}
	m.cancelled = true
	m.plan.Cancelled = true

	for _, w := range d.dropWaiters(m) {
		delete(m.active, w.StepID)
		if w.Kind == KindEvent {
			m.active[w.StepID] = activitySuspended
		}
	}

	var cancelled []int
	for _, id := range m.graph.Nodes() {
		step := m.plan.Steps[id]
		if _, busy := m.active[id]; busy {
			continue
		}
		if step.State == plan.StatePending || step.State == plan.StateScheduling {
			if err := d.transition(ctx, step, plan.StateCancelled); err != nil {
				return nil, err
			}
			cancelled = append(cancelled, id)
		}
	}
	for _, id := range cancelled {
		m.graph.Satisfy(id)
	}

	var out []WorkItem
	for _, id := range m.graph.Nodes() {
		step := m.plan.Steps[id]
		if m.active[id] == activitySuspended && step.Cancellable {
			items, err := d.deliver(ctx, m, Event{PlanID: planID, StepID: id, Cancel: true})
			if err != nil {
				return nil, err
			}
			out = append(out, items...)
		}
	}
	d.logger.Info("execution plan cancelled", "plan_id", planID, "cancelled_steps", len(cancelled))

	items, err := d.advance(ctx, m)
	return append(out, items...), err
}

// startPhase builds the runtime graph for phase and marks steps that are
// already done as satisfied.
func (d *Director) startPhase(ctx context.Context, m *manager, phase plan.Phase) ([]WorkItem, error) {
	m.phase = phase
	f := m.plan.RunFlow
	if phase == plan.PhaseFinalize {
		f = m.plan.FinalizeFlow
	}
	m.graph = flow.FromFlow(f)

	var done []int
	var reclaimed []WorkItem
	for _, id := range m.graph.Nodes() {
		step, ok := m.plan.Steps[id]
		if !ok {
			return nil, fmt.Errorf("plan %s: flow names unknown step %d", m.plan.ID, id)
		}
		switch step.State {
		case plan.StateSuccess, plan.StateSkipped, plan.StateCancelled:
			done = append(done, id)
		case plan.StateSkipping:
			if err := d.transition(ctx, step, plan.StateSkipped); err != nil {
				return nil, err
			}
			done = append(done, id)
		case plan.StatePending:
			if phase == plan.PhaseFinalize && m.runStepSkipped(step) {
				if err := d.transition(ctx, step, plan.StateSkipped); err != nil {
					return nil, err
				}
				done = append(done, id)
			}
		case plan.StateRunning:
			// Left running by a previous owner that did not clean up.
			if err := step.Fail(plan.AbnormalTermination(plan.StateRunning), d.clock.Now()); err != nil {
				return nil, err
			}
			if err := d.resetFinalize(ctx, step); err != nil {
				return nil, err
			}
			reclaimed = append(reclaimed, d.reclaim(step.Queue)...)
		case plan.StateError:
			if err := d.resetFinalize(ctx, step); err != nil {
				return nil, err
			}
		case plan.StateSuspended:
			m.active[id] = activitySuspended
		}
	}
	for _, id := range done {
		m.graph.Satisfy(id)
	}
	d.logger.Debug("phase started", "plan_id", m.plan.ID, "phase", phase, "steps", m.graph.Len())
	items, err := d.advance(ctx, m)
	return append(reclaimed, items...), err
}

// resetFinalize moves a failed finalize step back to pending so it can run
// again. Failed run steps re-run directly and are only persisted.
func (d *Director) resetFinalize(ctx context.Context, step *plan.Step) error {
	if step.Phase != plan.PhaseFinalize {
		return d.saveStep(ctx, step)
	}
	return d.transition(ctx, step, plan.StatePending)
}

// advance schedules ready steps and moves the plan on when the current
// phase is over.
func (d *Director) advance(ctx context.Context, m *manager) ([]WorkItem, error) {
	var out []WorkItem
	if !m.holding() {
		for _, id := range m.graph.Unblocked() {
			if _, busy := m.active[id]; busy {
				continue
			}
			step := m.plan.Steps[id]
			items, err := d.submit(ctx, m, WorkItem{
				PlanID:   m.plan.ID,
				StepID:   id,
				Kind:     KindExecution,
				Queue:    step.Queue,
				Priority: PriorityExecution,
			})
			if err != nil {
				return out, err
			}
			out = append(out, items...)
		}
	}

	if m.busy() {
		return out, nil
	}
	switch {
	case m.pausing || m.phaseHasErrors():
		return out, d.finish(ctx, m, plan.PlanPaused)
	case !m.graph.Empty():
		if m.hasSuspended() {
			return out, nil
		}
		return out, fmt.Errorf("plan %s: %s phase stalled with steps %v", m.plan.ID, m.phase, m.graph.Nodes())
	case m.phase == plan.PhaseRun && !m.cancelled && !flow.Empty(m.plan.FinalizeFlow):
		items, err := d.startPhase(ctx, m, plan.PhaseFinalize)
		return append(out, items...), err
	default:
		return out, d.finish(ctx, m, plan.PlanStopped)
	}
}

func (d *Director) finish(ctx context.Context, m *manager, state plan.PlanState) error {
	now := d.clock.Now()
	if err := m.plan.SetState(state, now); err != nil {
		return err
	}
	m.plan.AddHistory(plan.HistoryFinish, d.worldID, now)
	if err := d.savePlan(ctx, m.plan); err != nil {
		return err
	}
	d.logger.Info("execution plan finished",
		"plan_id", m.plan.ID, "state", m.plan.State, "result", m.plan.Result)
	d.leave(m)
	return nil
}

func (d *Director) leave(m *manager) {
	d.dropWaiters(m)
	d.dropAllEvents(m, "plan left the executor")
	delete(d.plans, m.plan.ID)
	if d.onFinished != nil {
		d.onFinished(m.plan)
	}
}

// submit admits item through its queue semaphore, or parks it there. A
// parked pending run step moves to scheduling.
func (d *Director) submit(ctx context.Context, m *manager, item WorkItem) ([]WorkItem, error) {
	if d.queue(item.Queue).Wait(item) {
		return []WorkItem{d.dispatch(m, item)}, nil
	}
	m.active[item.StepID] = activityWaiting
	step := m.plan.Steps[item.StepID]
	if item.Kind == KindExecution && step.Phase == plan.PhaseRun && step.State == plan.StatePending {
		if err := d.transition(ctx, step, plan.StateScheduling); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (d *Director) dispatch(m *manager, item WorkItem) WorkItem {
	item.ID = d.seq.Next()
	if s, ok := m.plan.Steps[item.StepID]; ok {
		item.Step = s.Clone()
	}
	if item.Kind == KindPlanning {
		item.Plan = m.plan.Clone()
	}
	d.inFlight[item.ID] = item
	m.active[item.StepID] = activityInFlight
	return item
}

// release returns one ticket of queue and dispatches every waiter that the
// freed capacity admits, in this queue first and then in the others.
func (d *Director) release(queue string) []WorkItem {
	admitted := d.queue(queue).Release(1)
	for _, name := range slices.Sorted(maps.Keys(d.queues)) {
		if name != queue {
			admitted = append(admitted, d.queues[name].Admit()...)
		}
	}
	return d.dispatchAdmitted(admitted)
}

// dispatchAdmitted dispatches admitted waiters. A waiter whose plan or step
// moved on gives its ticket straight back.
func (d *Director) dispatchAdmitted(admitted []WorkItem) []WorkItem {
	var out []WorkItem
	for len(admitted) > 0 {
		w := admitted[0]
		admitted = admitted[1:]
		m, ok := d.plans[w.PlanID]
		if !ok || m.active[w.StepID] != activityWaiting {
			admitted = append(admitted, d.queue(w.Queue).Release(1)...)
			continue
		}
		out = append(out, d.dispatch(m, w))
	}
	return out
}

// dropWaiters removes a plan's items from every semaphore queue.
func (d *Director) dropWaiters(m *manager) []WorkItem {
	var dropped []WorkItem
	for _, name := range slices.Sorted(maps.Keys(d.queues)) {
		dropped = append(dropped, d.queues[name].Cancel(func(w WorkItem) bool {
			return w.PlanID == m.plan.ID
		})...)
	}
	return dropped
}

// queue returns the semaphore for a queue, combining the global limit with
// the queue's own.
func (d *Director) queue(name string) semaphore.Semaphore[WorkItem] {
	if s, ok := d.queues[name]; ok {
		return s
	}
	var own semaphore.Semaphore[WorkItem] = semaphore.Dummy[WorkItem]{}
	if n := d.limits.Queues[name]; n > 0 {
		own = d.stateful(queueSemaphore(name), n)
	}
	s := semaphore.NewAggregating(
		semaphore.Named[WorkItem]{Key: globalSemaphore, Semaphore: d.global},
		semaphore.Named[WorkItem]{Key: "queue", Semaphore: own},
	)
	d.queues[name] = s
	return s
}

func (d *Director) transition(ctx context.Context, step *plan.Step, to plan.State) error {
	if err := step.Transition(to, d.clock.Now()); err != nil {
		return err
	}
	return d.saveStep(ctx, step)
}

// saveStep persists a step. Recoverable persistence failures are logged;
// fatal ones are returned.
func (d *Director) saveStep(ctx context.Context, step *plan.Step) error {
	if d.saver == nil {
		return nil
	}
	if err := d.saver.SaveStep(ctx, step); err != nil {
		if plan.IsFatal(err) {
			return fmt.Errorf("save step %d of plan %s: %w", step.ID, step.PlanID, err)
		}
		d.logger.Warn("failed to save step", "plan_id", step.PlanID, "step_id", step.ID, "error", err)
	}
	return nil
}

func (d *Director) savePlan(ctx context.Context, ep *plan.ExecutionPlan) error {
	if d.saver == nil {
		return nil
	}
	if err := d.saver.SavePlan(ctx, ep); err != nil {
		if plan.IsFatal(err) {
			return fmt.Errorf("save plan %s: %w", ep.ID, err)
		}
		d.logger.Warn("failed to save plan", "plan_id", ep.ID, "error", err)
	}
	return nil
}
