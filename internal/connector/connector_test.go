package connector

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/coordinator"
	"github.com/roach88/conductor/internal/dispatch"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/value"
)

// inbox records envelopes delivered to an endpoint.
type inbox struct {
	mu        sync.Mutex
	requests  []dispatch.Envelope
	responses []dispatch.Envelope
}

func (b *inbox) HandleRequest(env dispatch.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, env)
}

func (b *inbox) HandleResponse(env dispatch.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = append(b.responses, env)
}

func (b *inbox) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests), len(b.responses)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func endpoint(id string, executor bool, b *inbox) Endpoint {
	ep := Endpoint{WorldID: id, Executor: executor, Responses: b}
	if executor {
		ep.Requests = b
	}
	return ep
}

func startDirect(t *testing.T) *Direct {
	t.Helper()
	d := NewDirect(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return d
}

func TestReceive_RoutesByKind(t *testing.T) {
	b := &inbox{}
	ep := endpoint("w1", true, b)
	Receive(ep, dispatch.Envelope{RequestID: 1, Message: dispatch.Execution{PlanID: "p"}}, discardLogger())
	Receive(ep, dispatch.Envelope{RequestID: 1, Message: dispatch.Done{}}, discardLogger())
	reqs, resps := b.counts()
	assert.Equal(t, 1, reqs)
	assert.Equal(t, 1, resps)

	// Client-only worlds drop requests.
	client := &inbox{}
	Receive(endpoint("c1", false, client), dispatch.Envelope{Message: dispatch.Ping{}}, discardLogger())
	reqs, _ = client.counts()
	assert.Equal(t, 0, reqs)
}

func TestDirect_RoundRobinOverExecutors(t *testing.T) {
	d := startDirect(t)
	ctx := context.Background()
	e1, e2, client := &inbox{}, &inbox{}, &inbox{}
	require.NoError(t, d.StartListening(ctx, endpoint("exec-1", true, e1)))
	require.NoError(t, d.StartListening(ctx, endpoint("client-1", false, client)))
	require.NoError(t, d.StartListening(ctx, endpoint("exec-2", true, e2)))

	for i := range 4 {
		require.NoError(t, d.Send(ctx, dispatch.Envelope{
			RequestID: int64(i + 1), SenderID: "client-1", ReceiverID: dispatch.AnyExecutor,
			Message: dispatch.Execution{PlanID: "p"},
		}))
	}
	n1, _ := e1.counts()
	n2, _ := e2.counts()
	assert.Equal(t, 2, n1)
	assert.Equal(t, 2, n2)
	assert.Equal(t, "exec-1", e1.requests[0].ReceiverID)
}

func TestDirect_NamedReceiverAndErrors(t *testing.T) {
	d := startDirect(t)
	ctx := context.Background()
	client := &inbox{}
	require.NoError(t, d.StartListening(ctx, endpoint("client-1", false, client)))

	err := d.Send(ctx, dispatch.Envelope{RequestID: 1, ReceiverID: dispatch.AnyExecutor, Message: dispatch.Execution{}})
	assert.ErrorIs(t, err, ErrUnknownReceiver)

	require.NoError(t, d.Send(ctx, dispatch.Envelope{RequestID: 1, ReceiverID: "client-1", Message: dispatch.Accepted{}}))
	_, resps := client.counts()
	assert.Equal(t, 1, resps)

	require.NoError(t, d.StopListening(ctx, "client-1"))
	err = d.Send(ctx, dispatch.Envelope{RequestID: 1, ReceiverID: "client-1", Message: dispatch.Done{}})
	assert.ErrorIs(t, err, ErrUnknownReceiver)
}

func TestDirect_EndToEndWithDispatchers(t *testing.T) {
	d := startDirect(t)
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	coord := coordinator.New(s, nil, nil)
	require.NoError(t, coord.Register(ctx, coordinator.World{ID: "exec-1", Executor: true}))

	client := dispatch.NewClientDispatcher(dispatch.ClientConfig{WorldID: "client-1", Sender: d, Allocations: s, Worlds: coord})
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go client.Run(cctx)

	exec := &pongOnly{sender: d}
	require.NoError(t, d.StartListening(ctx, Endpoint{WorldID: "client-1", Responses: client}))
	require.NoError(t, d.StartListening(ctx, Endpoint{WorldID: "exec-1", Executor: true, Requests: exec}))

	tr, err := client.Publish(ctx, dispatch.Ping{ReceiverID: "exec-1"})
	require.NoError(t, err)
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	resp, err := tr.Finished.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Pong{}, resp)
}

// pongOnly answers pings from the connector's delivery goroutine.
type pongOnly struct{ sender dispatch.Sender }

func (p *pongOnly) HandleRequest(env dispatch.Envelope) {
	go p.sender.Send(context.Background(), dispatch.Envelope{
		RequestID: env.RequestID, SenderID: env.ReceiverID, ReceiverID: env.SenderID, Message: dispatch.Pong{},
	})
}

func TestPolling_DeliversThroughStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	coord := coordinator.New(s, nil, nil)
	require.NoError(t, coord.Register(ctx, coordinator.World{ID: "exec-1", Executor: true}))
	require.NoError(t, coord.Register(ctx, coordinator.World{ID: "exec-2", Executor: true}))

	p := NewPolling(PollingConfig{Store: s, Worlds: coord, Interval: 10 * time.Millisecond})
	e1, e2 := &inbox{}, &inbox{}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, p.StartListening(lctx, endpoint("exec-1", true, e1)))
	require.NoError(t, p.StartListening(lctx, endpoint("exec-2", true, e2)))
	assert.Error(t, p.StartListening(lctx, endpoint("exec-1", true, e1)))

	for i := range 4 {
		require.NoError(t, p.Send(ctx, dispatch.Envelope{
			RequestID: int64(i + 1), SenderID: "client-1", ReceiverID: dispatch.AnyExecutor,
			Message: dispatch.Event{PlanID: "p", StepID: 2, Payload: value.Int(int64(i))},
		}))
	}
	require.Eventually(t, func() bool {
		n1, _ := e1.counts()
		n2, _ := e2.counts()
		return n1 == 2 && n2 == 2
	}, 5*time.Second, 10*time.Millisecond)

	e1.mu.Lock()
	first := e1.requests[0]
	e1.mu.Unlock()
	assert.Equal(t, "exec-1", first.ReceiverID)
	assert.Equal(t, value.Int(0), first.Message.(dispatch.Event).Payload)

	require.NoError(t, p.StopListening(ctx, "exec-1"))
	require.NoError(t, p.Send(ctx, dispatch.Envelope{RequestID: 9, ReceiverID: "exec-1", Message: dispatch.Ping{}}))
	got, err := s.PullEnvelopes(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPolling_NoExecutorRegistered(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := NewPolling(PollingConfig{Store: s, Worlds: coordinator.New(s, nil, nil)})
	err = p.Send(ctx, dispatch.Envelope{RequestID: 1, ReceiverID: dispatch.AnyExecutor, Message: dispatch.Execution{}})
	assert.ErrorIs(t, err, ErrUnknownReceiver)
}
