package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	m := NewMailbox[int]()
	for i := 1; i <= 3; i++ {
		require.True(t, m.Tell(i))
	}
	assert.Equal(t, 3, m.Len())

	for want := 1; want <= 3; want++ {
		got, ok := m.TryReceive()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := m.TryReceive()
	assert.False(t, ok)
}

func TestMailbox_CloseRejectsTellButKeepsQueued(t *testing.T) {
	m := NewMailbox[string]()
	m.Tell("a")
	m.Close()
	m.Close()

	assert.False(t, m.Tell("b"))
	got, ok := m.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "a", got)
}

func TestMailbox_RunProcessesConcurrentProducersSequentially(t *testing.T) {
	m := NewMailbox[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Tell(1)
			}
		}()
	}

	total := 0
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, func(v int) { total += v })
	}()

	wg.Wait()
	m.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 400, total)
}

func TestMailbox_RunStopsOnContextCancel(t *testing.T) {
	m := NewMailbox[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, func(int) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFuture_ResolvesOnce(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.IsResolved())

	assert.True(t, f.Fulfill(1))
	assert.False(t, f.Reject(errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, f.IsResolved())
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_Then(t *testing.T) {
	f := NewFuture[int]()
	got := make(chan int, 1)
	f.Then(func(v int, err error) { got <- v })

	f.Fulfill(7)
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(5 * time.Second):
		t.Fatal("Then callback not invoked")
	}
}
