package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/conductor/internal/actor"
	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/store"
)

// ErrStopped is returned by requests made after a dispatcher stopped.
var ErrStopped = errors.New("dispatcher stopped")

// Sender moves an envelope to its receiver. Connectors implement it.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Allocations finds the executor world of a plan.
type Allocations interface {
	LoadAllocation(ctx context.Context, planID string) (store.Allocation, error)
}

// Worlds lists registered worlds.
type Worlds interface {
	FindWorlds(ctx context.Context, filter coordinator.WorldFilter) ([]coordinator.World, error)
}

// Tracked follows one published request. Accepted resolves when the
// executor takes it; Finished resolves with the terminal response or fails
// with a DispatchError.
type Tracked struct {
	RequestID int64
	Accepted  *actor.Future[struct{}]
	Finished  *actor.Future[Response]

	stop func() bool
}

func (t *Tracked) fail(err error) {
	t.Accepted.Reject(err)
	t.Finished.Reject(err)
}

// ClientConfig configures a ClientDispatcher.
type ClientConfig struct {
	WorldID     string
	Sender      Sender
	Allocations Allocations
	Worlds      Worlds
	Clock       clock.Clock
	// Timeout fails requests not finished in time. Zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

// ClientDispatcher publishes requests and matches responses to them. All
// tracking state is owned by its Run goroutine.
type ClientDispatcher struct {
	cfg     ClientConfig
	seq     *clock.Sequence
	mailbox *actor.Mailbox[clientMsg]
	logger  *slog.Logger
	tracked map[int64]*Tracked
}

type clientMsg any

type publishMsg struct {
	ctx   context.Context
	req   Request
	reply *actor.Future[*Tracked]
}

type responseMsg struct{ env Envelope }

type timeoutMsg struct{ requestID int64 }

type redispatchMsg struct {
	ctx           context.Context
	planID        string
	clientWorldID string
	requestID     int64
	reply         *actor.Future[struct{}]
}

// NewClientDispatcher creates a client dispatcher. Call Run to start it.
func NewClientDispatcher(cfg ClientConfig) *ClientDispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ClientDispatcher{
		cfg:     cfg,
		seq:     clock.NewSequenceAt(0),
		mailbox: actor.NewMailbox[clientMsg](),
		logger:  cfg.Logger.With("world_id", cfg.WorldID),
		tracked: make(map[int64]*Tracked),
	}
}

// Publish sends req and starts tracking it.
func (d *ClientDispatcher) Publish(ctx context.Context, req Request) (*Tracked, error) {
	reply := actor.NewFuture[*Tracked]()
	if !d.mailbox.Tell(publishMsg{ctx: ctx, req: req, reply: reply}) {
		return nil, ErrStopped
	}
	return reply.Wait(ctx)
}

// Redispatch resends an Execution on behalf of clientWorldID with its
// original request id. The response goes to the original client.
func (d *ClientDispatcher) Redispatch(ctx context.Context, planID, clientWorldID string, requestID int64) error {
	reply := actor.NewFuture[struct{}]()
	msg := redispatchMsg{ctx: ctx, planID: planID, clientWorldID: clientWorldID, requestID: requestID, reply: reply}
	if !d.mailbox.Tell(msg) {
		return ErrStopped
	}
	_, err := reply.Wait(ctx)
	return err
}

// HandleResponse feeds a response envelope received by the connector.
func (d *ClientDispatcher) HandleResponse(env Envelope) {
	d.mailbox.Tell(responseMsg{env: env})
}

// Pending returns the number of tracked requests, or 0 once stopped.
func (d *ClientDispatcher) Pending(ctx context.Context) int {
	reply := actor.NewFuture[int]()
	if !d.mailbox.Tell(pendingMsg{reply: reply}) {
		return 0
	}
	n, _ := reply.Wait(ctx)
	return n
}

type pendingMsg struct{ reply *actor.Future[int] }

// Run processes messages until ctx is done. Requests still tracked then
// fail with ErrStopped.
func (d *ClientDispatcher) Run(ctx context.Context) error {
	err := d.mailbox.Run(ctx, d.handle)
	d.mailbox.Close()
	for {
		m, ok := d.mailbox.TryReceive()
		if !ok {
			break
		}
		switch msg := m.(type) {
		case publishMsg:
			msg.reply.Reject(ErrStopped)
		case redispatchMsg:
			msg.reply.Reject(ErrStopped)
		case pendingMsg:
			msg.reply.Fulfill(len(d.tracked))
		}
	}
	for id, t := range d.tracked {
		t.fail(ErrStopped)
		delete(d.tracked, id)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *ClientDispatcher) handle(m clientMsg) {
	switch msg := m.(type) {
	case publishMsg:
		msg.reply.Fulfill(d.publish(msg.ctx, msg.req))
	case redispatchMsg:
		env := Envelope{
			RequestID:  msg.requestID,
			SenderID:   msg.clientWorldID,
			ReceiverID: AnyExecutor,
			Message:    Execution{PlanID: msg.planID},
		}
		msg.reply.Resolve(struct{}{}, d.cfg.Sender.Send(msg.ctx, env))
	case responseMsg:
		d.response(msg.env)
	case timeoutMsg:
		if t, ok := d.tracked[msg.requestID]; ok {
			delete(d.tracked, msg.requestID)
			d.logger.Warn("request timed out", "request_id", msg.requestID)
			t.fail(&DispatchError{RequestID: msg.requestID, Reason: ReasonTimeout})
		}
	case pendingMsg:
		msg.reply.Fulfill(len(d.tracked))
	}
}

func (d *ClientDispatcher) publish(ctx context.Context, req Request) *Tracked {
	t := &Tracked{
		RequestID: d.seq.Next(),
		Accepted:  actor.NewFuture[struct{}](),
		Finished:  actor.NewFuture[Response](),
	}
	log := d.logger.With("request_id", t.RequestID)

	receiver, err := d.receiver(ctx, req)
	if err != nil {
		log.Debug("request not dispatched", "error", err)
		var de *DispatchError
		if errors.As(err, &de) {
			de.RequestID = t.RequestID
		}
		t.fail(err)
		return t
	}

	d.tracked[t.RequestID] = t
	if d.cfg.Timeout > 0 {
		id := t.RequestID
		t.stop = d.cfg.Clock.AfterFunc(d.cfg.Timeout, func() { d.mailbox.Tell(timeoutMsg{requestID: id}) })
	}
	env := Envelope{RequestID: t.RequestID, SenderID: d.cfg.WorldID, ReceiverID: receiver, Message: req}
	if err := d.cfg.Sender.Send(ctx, env); err != nil {
		d.untrack(t)
		t.fail(&DispatchError{RequestID: t.RequestID, Reason: "send failed", Err: err})
		return t
	}
	log.Debug("request published", "receiver", receiver)
	return t
}

// receiver picks the destination world of req.
func (d *ClientDispatcher) receiver(ctx context.Context, req Request) (string, error) {
	switch r := req.(type) {
	case Ping:
		return r.ReceiverID, nil
	case Execution:
		a, err := d.cfg.Allocations.LoadAllocation(ctx, r.PlanID)
		if err == nil {
			return a.WorldID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("load allocation for %s: %w", r.PlanID, err)
		}
		executors, err := d.cfg.Worlds.FindWorlds(ctx, coordinator.WorldFilter{ExecutorsOnly: true})
		if err != nil {
			return "", fmt.Errorf("find executors: %w", err)
		}
		if len(executors) == 0 {
			return "", &DispatchError{Reason: ReasonNoExecutor}
		}
		return AnyExecutor, nil
	case Event:
		a, err := d.cfg.Allocations.LoadAllocation(ctx, r.PlanID)
		if errors.Is(err, store.ErrNotFound) {
			return "", &DispatchError{Reason: ReasonNoExecution}
		}
		if err != nil {
			return "", fmt.Errorf("load allocation for %s: %w", r.PlanID, err)
		}
		return a.WorldID, nil
	default:
		return "", fmt.Errorf("unsupported request %T", req)
	}
}

func (d *ClientDispatcher) response(env Envelope) {
	t, ok := d.tracked[env.RequestID]
	if !ok {
		d.logger.Debug("response for untracked request", "request_id", env.RequestID, "sender", env.SenderID)
		return
	}
	resp, ok := env.Message.(Response)
	if !ok {
		d.logger.Warn("unexpected message in response", "request_id", env.RequestID, "type", fmt.Sprintf("%T", env.Message))
		return
	}
	switch r := resp.(type) {
	case Accepted:
		t.Accepted.Fulfill(struct{}{})
	case Failed:
		d.untrack(t)
		t.fail(&DispatchError{RequestID: t.RequestID, Reason: r.Reason})
	default:
		if terminal(resp) {
			d.untrack(t)
			t.Accepted.Fulfill(struct{}{})
			t.Finished.Fulfill(resp)
		}
	}
}

func (d *ClientDispatcher) untrack(t *Tracked) {
	delete(d.tracked, t.RequestID)
	if t.stop != nil {
		t.stop()
	}
}
