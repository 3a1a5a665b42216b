package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/dispatch"
)

// EnvelopeStore queues encoded envelopes per receiver.
type EnvelopeStore interface {
	PushEnvelope(ctx context.Context, receiverID string, data []byte) error
	PullEnvelopes(ctx context.Context, receiverID string) ([][]byte, error)
}

// PollingConfig configures a Polling connector.
type PollingConfig struct {
	Store    EnvelopeStore
	Worlds   dispatch.Worlds
	Interval time.Duration
	Logger   *slog.Logger
}

// Polling connects worlds through persistence: Send pushes an envelope for
// the receiver and every listening world pulls its own queue on an
// interval. Worlds in other processes sharing the database are reachable.
type Polling struct {
	cfg    PollingConfig
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]*listener
	next      int
}

type listener struct {
	ep     Endpoint
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Connector = (*Polling)(nil)

// NewPolling creates a polling connector.
func NewPolling(cfg PollingConfig) *Polling {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Polling{cfg: cfg, logger: cfg.Logger, listeners: make(map[string]*listener)}
}

// StartListening starts the poll loop of ep. The loop stops with ctx or
// StopListening.
func (p *Polling) StartListening(ctx context.Context, ep Endpoint) error {
	p.mu.Lock()
	if _, ok := p.listeners[ep.WorldID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("world %s is already listening", ep.WorldID)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &listener{ep: ep, wake: make(chan struct{}, 1), cancel: cancel, done: make(chan struct{})}
	p.listeners[ep.WorldID] = l
	p.mu.Unlock()

	go p.poll(ctx, l)
	return nil
}

// StopListening stops the poll loop of worldID and waits for it to exit.
func (p *Polling) StopListening(ctx context.Context, worldID string) error {
	p.mu.Lock()
	l, ok := p.listeners[worldID]
	delete(p.listeners, worldID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues env for its receiver. AnyExecutor picks a registered
// executor world in round robin.
func (p *Polling) Send(ctx context.Context, env dispatch.Envelope) error {
	if env.ReceiverID == dispatch.AnyExecutor {
		receiver, err := p.pickExecutor(ctx)
		if err != nil {
			return err
		}
		env.ReceiverID = receiver
	}
	data, err := dispatch.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := p.cfg.Store.PushEnvelope(ctx, env.ReceiverID, data); err != nil {
		return fmt.Errorf("send envelope %d to %s: %w", env.RequestID, env.ReceiverID, err)
	}

	// Receivers in this process are polled right away.
	p.mu.Lock()
	l, ok := p.listeners[env.ReceiverID]
	p.mu.Unlock()
	if ok {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *Polling) pickExecutor(ctx context.Context) (string, error) {
	worlds, err := p.cfg.Worlds.FindWorlds(ctx, coordinator.WorldFilter{ExecutorsOnly: true})
	if err != nil {
		return "", fmt.Errorf("find executors: %w", err)
	}
	if len(worlds) == 0 {
		return "", fmt.Errorf("%w: no executor world is registered", ErrUnknownReceiver)
	}
	p.mu.Lock()
	w := worlds[p.next%len(worlds)]
	p.next++
	p.mu.Unlock()
	return w.ID, nil
}

func (p *Polling) poll(ctx context.Context, l *listener) {
	defer close(l.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	log := p.logger.With("world_id", l.ep.WorldID)

	for {
		p.drain(ctx, l, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

func (p *Polling) drain(ctx context.Context, l *listener, log *slog.Logger) {
	batch, err := p.cfg.Store.PullEnvelopes(ctx, l.ep.WorldID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to pull envelopes", "error", err)
		}
		return
	}
	for _, data := range batch {
		env, err := dispatch.DecodeEnvelope(data)
		if err != nil {
			log.Warn("dropping undecodable envelope", "error", err)
			continue
		}
		Receive(l.ep, env, log)
	}
}
