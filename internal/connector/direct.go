package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/conductor/internal/actor"
	"github.com/roach88/conductor/internal/dispatch"
)

// ErrStopped is returned by a connector that is no longer running.
var ErrStopped = errors.New("connector stopped")

// Direct connects worlds living in the same process. A single goroutine
// owns the listener table and delivers envelopes in send order.
type Direct struct {
	mailbox *actor.Mailbox[directMsg]
	logger  *slog.Logger

	// Owned by the Run goroutine.
	endpoints []Endpoint
	next      int
}

type directMsg any

type listenMsg struct {
	ep    Endpoint
	reply *actor.Future[struct{}]
}

type unlistenMsg struct {
	worldID string
	reply   *actor.Future[struct{}]
}

type sendMsg struct {
	env   dispatch.Envelope
	reply *actor.Future[struct{}]
}

var _ Connector = (*Direct)(nil)

// NewDirect creates an in-process connector. Call Run to start it.
func NewDirect(logger *slog.Logger) *Direct {
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{mailbox: actor.NewMailbox[directMsg](), logger: logger}
}

// StartListening registers ep. Listening again replaces the endpoint.
func (d *Direct) StartListening(ctx context.Context, ep Endpoint) error {
	return d.ask(ctx, func(reply *actor.Future[struct{}]) directMsg { return listenMsg{ep: ep, reply: reply} })
}

// StopListening removes a world.
func (d *Direct) StopListening(ctx context.Context, worldID string) error {
	return d.ask(ctx, func(reply *actor.Future[struct{}]) directMsg { return unlistenMsg{worldID: worldID, reply: reply} })
}

// Send delivers env to its receiver. AnyExecutor picks listening executor
// worlds in round robin.
func (d *Direct) Send(ctx context.Context, env dispatch.Envelope) error {
	return d.ask(ctx, func(reply *actor.Future[struct{}]) directMsg { return sendMsg{env: env, reply: reply} })
}

func (d *Direct) ask(ctx context.Context, build func(*actor.Future[struct{}]) directMsg) error {
	reply := actor.NewFuture[struct{}]()
	if !d.mailbox.Tell(build(reply)) {
		return ErrStopped
	}
	_, err := reply.Wait(ctx)
	return err
}

// Run delivers envelopes until ctx is done.
func (d *Direct) Run(ctx context.Context) error {
	err := d.mailbox.Run(ctx, d.handle)
	d.mailbox.Close()
	for {
		m, ok := d.mailbox.TryReceive()
		if !ok {
			break
		}
		switch msg := m.(type) {
		case listenMsg:
			msg.reply.Reject(ErrStopped)
		case unlistenMsg:
			msg.reply.Reject(ErrStopped)
		case sendMsg:
			msg.reply.Reject(ErrStopped)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Direct) handle(m directMsg) {
	switch msg := m.(type) {
	case listenMsg:
		d.remove(msg.ep.WorldID)
		d.endpoints = append(d.endpoints, msg.ep)
		msg.reply.Fulfill(struct{}{})
	case unlistenMsg:
		d.remove(msg.worldID)
		msg.reply.Fulfill(struct{}{})
	case sendMsg:
		ep, err := d.resolve(msg.env.ReceiverID)
		if err != nil {
			msg.reply.Reject(err)
			return
		}
		env := msg.env
		env.ReceiverID = ep.WorldID
		Receive(ep, env, d.logger)
		msg.reply.Fulfill(struct{}{})
	}
}

func (d *Direct) resolve(receiverID string) (Endpoint, error) {
	if receiverID != dispatch.AnyExecutor {
		for _, ep := range d.endpoints {
			if ep.WorldID == receiverID {
				return ep, nil
			}
		}
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownReceiver, receiverID)
	}
	for range d.endpoints {
		ep := d.endpoints[d.next%len(d.endpoints)]
		d.next++
		if ep.Executor {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: no executor world is listening", ErrUnknownReceiver)
}

func (d *Direct) remove(worldID string) {
	for i, ep := range d.endpoints {
		if ep.WorldID == worldID {
			d.endpoints = append(d.endpoints[:i], d.endpoints[i+1:]...)
			return
		}
	}
}
