package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/conductor/internal/actor"
	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/store"
)

// Executor is the executor core of a world.
type Executor interface {
	Execute(ctx context.Context, planID string) (*actor.Future[*plan.ExecutionPlan], error)
	Event(ctx context.Context, ev director.Event) error
}

// Locks acquires and releases execution locks.
type Locks interface {
	Acquire(ctx context.Context, lock coordinator.Lock) error
	Release(ctx context.Context, lock coordinator.Lock) error
}

// AllocationWriter records which world executes a plan.
type AllocationWriter interface {
	SaveAllocation(ctx context.Context, a store.Allocation) error
	DeleteAllocation(ctx context.Context, planID string) error
}

// ExecutorConfig configures an ExecutorDispatcher.
type ExecutorConfig struct {
	WorldID     string
	Sender      Sender
	Executor    Executor
	Locks       Locks
	Allocations AllocationWriter
	// OnAbandoned is called when the executor stopped before a plan left
	// it. The execution lock is kept for the invalidation of this world.
	OnAbandoned func(planID string)
	Logger      *slog.Logger
}

// ExecutorDispatcher accepts requests addressed to an executor world.
type ExecutorDispatcher struct {
	cfg     ExecutorConfig
	mailbox *actor.Mailbox[executorMsg]
	logger  *slog.Logger
	running map[string]Envelope
	idle    []*actor.Future[struct{}]
}

type executorMsg any

type requestMsg struct{ env Envelope }

type idleMsg struct{ reply *actor.Future[struct{}] }

type eventDoneMsg struct {
	env Envelope
	err error
}

type executionDoneMsg struct {
	env Envelope
	ep  *plan.ExecutionPlan
	err error
}

// NewExecutorDispatcher creates an executor dispatcher. Call Run to start
// it.
func NewExecutorDispatcher(cfg ExecutorConfig) *ExecutorDispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExecutorDispatcher{
		cfg:     cfg,
		mailbox: actor.NewMailbox[executorMsg](),
		logger:  cfg.Logger.With("world_id", cfg.WorldID),
		running: make(map[string]Envelope),
	}
}

// HandleRequest feeds a request envelope received by the connector.
func (d *ExecutorDispatcher) HandleRequest(env Envelope) {
	d.mailbox.Tell(requestMsg{env: env})
}

// WaitIdle blocks until no accepted execution is outstanding.
func (d *ExecutorDispatcher) WaitIdle(ctx context.Context) error {
	reply := actor.NewFuture[struct{}]()
	if !d.mailbox.Tell(idleMsg{reply: reply}) {
		return ErrStopped
	}
	_, err := reply.Wait(ctx)
	return err
}

// Run processes requests until ctx is done.
func (d *ExecutorDispatcher) Run(ctx context.Context) error {
	err := d.mailbox.Run(ctx, func(m executorMsg) { d.handle(ctx, m) })
	d.mailbox.Close()
	for id := range d.running {
		d.logger.Warn("dispatcher stopped with plan executing", "plan_id", id)
	}
	for {
		m, ok := d.mailbox.TryReceive()
		if !ok {
			break
		}
		if msg, ok := m.(idleMsg); ok {
			msg.reply.Reject(ErrStopped)
		}
	}
	for _, f := range d.idle {
		f.Reject(ErrStopped)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *ExecutorDispatcher) handle(ctx context.Context, m executorMsg) {
	switch msg := m.(type) {
	case requestMsg:
		switch req := msg.env.Message.(type) {
		case Execution:
			d.execute(ctx, msg.env, req)
		case Event:
			d.event(ctx, msg.env, req)
		case Ping:
			d.reply(ctx, msg.env, Pong{})
		default:
			d.logger.Warn("unexpected message in request", "request_id", msg.env.RequestID,
				"type", fmt.Sprintf("%T", msg.env.Message))
		}
	case eventDoneMsg:
		if msg.err != nil {
			d.reply(ctx, msg.env, Failed{Reason: msg.err.Error()})
			return
		}
		d.reply(ctx, msg.env, Done{})
	case executionDoneMsg:
		d.executionDone(ctx, msg)
		if len(d.running) == 0 {
			for _, f := range d.idle {
				f.Fulfill(struct{}{})
			}
			d.idle = nil
		}
	case idleMsg:
		if len(d.running) == 0 {
			msg.reply.Fulfill(struct{}{})
			return
		}
		d.idle = append(d.idle, msg.reply)
	}
}

func (d *ExecutorDispatcher) execute(ctx context.Context, env Envelope, req Execution) {
	log := d.logger.With("plan_id", req.PlanID, "request_id", env.RequestID)
	lock := coordinator.ExecutionLock(req.PlanID, d.cfg.WorldID)

	if err := d.cfg.Locks.Acquire(ctx, lock); err != nil {
		log.Info("execution refused", "error", err)
		d.reply(ctx, env, Failed{Reason: err.Error()})
		return
	}
	alloc := store.Allocation{
		PlanID:        req.PlanID,
		WorldID:       d.cfg.WorldID,
		ClientWorldID: env.SenderID,
		RequestID:     env.RequestID,
	}
	if err := d.cfg.Allocations.SaveAllocation(ctx, alloc); err != nil {
		d.cleanup(ctx, lock)
		d.reply(ctx, env, Failed{Reason: err.Error()})
		return
	}

	done, err := d.cfg.Executor.Execute(ctx, req.PlanID)
	if err != nil {
		log.Warn("execution failed to start", "error", err)
		d.cleanup(ctx, lock)
		d.reply(ctx, env, Failed{Reason: err.Error()})
		return
	}
	d.running[req.PlanID] = env
	d.reply(ctx, env, Accepted{})
	log.Debug("execution accepted")

	done.Then(func(ep *plan.ExecutionPlan, err error) {
		d.mailbox.Tell(executionDoneMsg{env: env, ep: ep, err: err})
	})
}

func (d *ExecutorDispatcher) executionDone(ctx context.Context, msg executionDoneMsg) {
	planID := msg.env.Message.(Execution).PlanID
	delete(d.running, planID)
	lock := coordinator.ExecutionLock(planID, d.cfg.WorldID)

	if msg.err != nil || msg.ep.State == plan.PlanRunning {
		// The core stopped underneath the plan. Leave the lock for the
		// invalidation of this world.
		d.logger.Warn("execution abandoned", "plan_id", planID, "error", msg.err)
		if d.cfg.OnAbandoned != nil {
			d.cfg.OnAbandoned(planID)
		}
		return
	}
	d.cleanup(ctx, lock)
	d.reply(ctx, msg.env, Done{})
	d.logger.Debug("execution finished", "plan_id", planID, "state", msg.ep.State, "result", msg.ep.Result)
}

// event hands req to the executor without blocking the mailbox: an event
// for a running step is only answered once the step suspends or ends.
func (d *ExecutorDispatcher) event(ctx context.Context, env Envelope, req Event) {
	ev := director.Event{
		PlanID:   req.PlanID,
		StepID:   req.StepID,
		Payload:  req.Payload,
		Optional: req.Optional,
	}
	go func() {
		err := d.cfg.Executor.Event(ctx, ev)
		d.mailbox.Tell(eventDoneMsg{env: env, err: err})
	}()
}

func (d *ExecutorDispatcher) cleanup(ctx context.Context, lock coordinator.Lock) {
	if err := d.cfg.Allocations.DeleteAllocation(ctx, lock.PlanID); err != nil {
		d.logger.Warn("failed to delete allocation", "plan_id", lock.PlanID, "error", err)
	}
	if err := d.cfg.Locks.Release(ctx, lock); err != nil {
		d.logger.Warn("failed to release lock", "plan_id", lock.PlanID, "error", err)
	}
}

func (d *ExecutorDispatcher) reply(ctx context.Context, req Envelope, resp Response) {
	env := Envelope{RequestID: req.RequestID, SenderID: d.cfg.WorldID, ReceiverID: req.SenderID, Message: resp}
	if err := d.cfg.Sender.Send(ctx, env); err != nil {
		d.logger.Warn("failed to send response", "request_id", req.RequestID, "receiver", req.SenderID, "error", err)
	}
}
