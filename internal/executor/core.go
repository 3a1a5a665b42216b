// Package executor runs execution plans inside one world.
//
// The Core is an actor: a single goroutine owns the Director and processes
// messages from its mailbox in order. Work items go to a bounded Pool whose
// results are posted back to the same mailbox, so scheduling state is never
// shared between goroutines.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/action"
	"github.com/roach88/conductor/internal/actor"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/director"
	"github.com/roach88/conductor/internal/plan"
	"github.com/roach88/conductor/internal/semaphore"
)

// ErrStopped is returned by requests made after the core stopped.
var ErrStopped = errors.New("executor core stopped")

// Config configures a Core.
type Config struct {
	WorldID        string
	Registry       *action.Registry
	Store          Persistence
	Clock          clock.Clock
	PoolSize       int
	Limits         director.Limits
	SemaphoreSaver semaphore.Saver
	// SemaphoreLoader restores ticket state saved by an earlier run.
	SemaphoreLoader semaphore.Loader
	Logger          *slog.Logger
}

// Core is the executor actor of a world.
type Core struct {
	director *director.Director
	pool     *Pool
	store    Persistence
	mailbox  *actor.Mailbox[message]
	logger   *slog.Logger

	// futures resolve when a plan leaves the Director. Owned by the core
	// goroutine.
	futures map[string]*actor.Future[*plan.ExecutionPlan]
	fail    context.CancelCauseFunc
}

// New creates a core. Call Run to start it.
func New(cfg Config) *Core {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Core{
		store:   cfg.Store,
		mailbox: actor.NewMailbox[message](),
		logger:  cfg.Logger.With("world_id", cfg.WorldID),
		futures: make(map[string]*actor.Future[*plan.ExecutionPlan]),
	}
	c.director = director.New(director.Config{
		WorldID:         cfg.WorldID,
		Clock:           cfg.Clock,
		Saver:           cfg.Store,
		Limits:          cfg.Limits,
		SemaphoreSaver:  cfg.SemaphoreSaver,
		SemaphoreLoader: cfg.SemaphoreLoader,
		OnFinished:      c.finished,
		Logger:          cfg.Logger,
	})
	worker := NewWorker(cfg.Registry, cfg.Store, cfg.Clock, cfg.Logger)
	c.pool = NewPool(cfg.PoolSize, worker.Execute, func(res director.Result) {
		c.mailbox.Tell(resultMsg{res: res})
	})
	return c
}

type message interface{ reject(error) }

type executeMsg struct {
	planID string
	reply  *actor.Future[*actor.Future[*plan.ExecutionPlan]]
}

type eventMsg struct {
	event director.Event
	reply *actor.Future[struct{}]
}

type haltMsg struct {
	planID string
	all    bool
	reply  *actor.Future[struct{}]
}

type cancelMsg struct {
	planID string
	reply  *actor.Future[struct{}]
}

type plansMsg struct {
	reply *actor.Future[[]string]
}

type resultMsg struct {
	res director.Result
}

func (m executeMsg) reject(err error) { m.reply.Reject(err) }
func (m eventMsg) reject(err error)   { m.reply.Reject(err) }
func (m haltMsg) reject(err error)    { m.reply.Reject(err) }
func (m cancelMsg) reject(err error)  { m.reply.Reject(err) }
func (m plansMsg) reject(err error)   { m.reply.Reject(err) }
func (resultMsg) reject(error)        {}

func ask[T any](ctx context.Context, c *Core, reply *actor.Future[T], msg message) (T, error) {
	if !c.mailbox.Tell(msg) {
		var zero T
		return zero, ErrStopped
	}
	return reply.Wait(ctx)
}

// Execute starts or resumes a persisted plan. The returned future resolves
// with the plan once it stops, pauses or is halted.
func (c *Core) Execute(ctx context.Context, planID string) (*actor.Future[*plan.ExecutionPlan], error) {
	reply := actor.NewFuture[*actor.Future[*plan.ExecutionPlan]]()
	return ask(ctx, c, reply, executeMsg{planID: planID, reply: reply})
}

// Event delivers an event to a step of an executing plan. For a step that
// is running it blocks until the step suspends and takes the event, or
// ends without it.
func (c *Core) Event(ctx context.Context, ev director.Event) error {
	reply := actor.NewFuture[struct{}]()
	_, err := ask(ctx, c, reply, eventMsg{event: ev, reply: reply})
	return err
}

// Halt stops scheduling a plan and pauses it.
func (c *Core) Halt(ctx context.Context, planID string) error {
	reply := actor.NewFuture[struct{}]()
	_, err := ask(ctx, c, reply, haltMsg{planID: planID, reply: reply})
	return err
}

// HaltAll halts every executing plan. Used on shutdown.
func (c *Core) HaltAll(ctx context.Context) error {
	reply := actor.NewFuture[struct{}]()
	_, err := ask(ctx, c, reply, haltMsg{all: true, reply: reply})
	return err
}

// Cancel cancels a plan.
func (c *Core) Cancel(ctx context.Context, planID string) error {
	reply := actor.NewFuture[struct{}]()
	_, err := ask(ctx, c, reply, cancelMsg{planID: planID, reply: reply})
	return err
}

// Plans lists the ids of executing plans.
func (c *Core) Plans(ctx context.Context) ([]string, error) {
	reply := actor.NewFuture[[]string]()
	return ask(ctx, c, reply, plansMsg{reply: reply})
}

// Run processes messages and executes work until ctx is done or a fatal
// error occurs, which is returned.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.fail = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.mailbox.Run(gctx, func(m message) { c.handle(gctx, m) })
	})
	g.Go(func() error { return c.pool.Run(gctx) })
	err := g.Wait()

	c.director.RejectEvents(ErrStopped)
	c.mailbox.Close()
	for {
		m, ok := c.mailbox.TryReceive()
		if !ok {
			break
		}
		m.reject(ErrStopped)
	}
	for id, f := range c.futures {
		f.Reject(ErrStopped)
		delete(c.futures, id)
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Core) handle(ctx context.Context, m message) {
	switch msg := m.(type) {
	case executeMsg:
		done, err := c.execute(ctx, msg.planID)
		if err != nil {
			c.escalate(err)
			msg.reply.Reject(err)
			return
		}
		msg.reply.Fulfill(done)
	case eventMsg:
		ev := msg.event
		ev.Reply = msg.reply
		items, err := c.director.HandleEvent(ctx, ev)
		c.submit(items)
		c.escalate(err)
	case haltMsg:
		var err error
		if msg.all {
			for _, id := range c.director.Plans() {
				err = errors.Join(err, c.director.Halt(ctx, id))
			}
		} else {
			err = c.director.Halt(ctx, msg.planID)
		}
		c.escalate(err)
		msg.reply.Resolve(struct{}{}, err)
	case cancelMsg:
		items, err := c.director.Cancel(ctx, msg.planID)
		c.submit(items)
		c.escalate(err)
		msg.reply.Resolve(struct{}{}, err)
	case plansMsg:
		msg.reply.Fulfill(c.director.Plans())
	case resultMsg:
		c.result(ctx, msg.res)
	}
}

func (c *Core) execute(ctx context.Context, planID string) (*actor.Future[*plan.ExecutionPlan], error) {
	ep, err := c.store.LoadPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	done := actor.NewFuture[*plan.ExecutionPlan]()
	if _, busy := c.futures[planID]; busy {
		return nil, fmt.Errorf("%w: %s", director.ErrAlreadyExecuting, planID)
	}
	c.futures[planID] = done

	items, err := c.director.StartExecution(ctx, ep)
	if err != nil {
		delete(c.futures, planID)
		return nil, err
	}
	c.submit(items)
	return done, nil
}

func (c *Core) result(ctx context.Context, res director.Result) {
	if res.Err != nil && plan.IsFatal(res.Err) {
		c.escalate(res.Err)
		return
	}
	items, err := c.director.WorkFinished(ctx, res)
	c.submit(items)
	switch {
	case err == nil:
	case errors.Is(err, director.ErrStaleWork):
		c.logger.Debug("ignoring stale completion", "plan_id", res.PlanID, "item", res.ItemID)
	case plan.IsFatal(err):
		c.escalate(err)
	default:
		c.logger.Warn("failed to process completion", "plan_id", res.PlanID, "error", err)
	}
}

func (c *Core) submit(items []director.WorkItem) {
	for _, item := range items {
		c.pool.Submit(item)
	}
}

// escalate stops the core on fatal errors and logs the rest.
func (c *Core) escalate(err error) {
	if err == nil {
		return
	}
	if plan.IsFatal(err) {
		c.logger.Error("fatal executor error", "error", err)
		if c.fail != nil {
			c.fail(err)
		}
		return
	}
	c.logger.Debug("executor request failed", "error", err)
}

func (c *Core) finished(ep *plan.ExecutionPlan) {
	if f, ok := c.futures[ep.ID]; ok {
		f.Fulfill(ep.Clone())
		delete(c.futures, ep.ID)
	}
}
