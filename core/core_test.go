package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/najoast/treemx/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler remembers the messages it processed, in order.
type recordingHandler struct {
	mu       sync.Mutex
	received []protocol.Message
	inFlight int32
	overlap  int32
}

func (h *recordingHandler) HandleMessage(ctx context.Context, env *Envelope) error {
	if atomic.AddInt32(&h.inFlight, 1) > 1 {
		atomic.StoreInt32(&h.overlap, 1)
	}
	defer atomic.AddInt32(&h.inFlight, -1)

	h.mu.Lock()
	h.received = append(h.received, env.Message)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) messages() []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Message, len(h.received))
	copy(out, h.received)
	return out
}

func TestNewActor(t *testing.T) {
	opts := DefaultActorOptions()
	opts.Name = "process-1"

	actor := NewActor(1, &recordingHandler{}, opts)

	assert.Equal(t, protocol.ProcessID(1), actor.ID())

	stats := actor.Stats()
	assert.Equal(t, "process-1", stats.Name)
	assert.Equal(t, ActorStateIdle, stats.State)
}

func TestActorStartStop(t *testing.T) {
	actor := NewActor(2, &recordingHandler{}, DefaultActorOptions())

	require.NoError(t, actor.Start(context.Background()))
	assert.ErrorIs(t, actor.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, actor.Stop())
	assert.Equal(t, ActorStateStopped, actor.Stats().State)

	err := actor.Send(NewEnvelope(protocol.NoProcess, 2, protocol.Recovery{}))
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestActorProcessesInOrder(t *testing.T) {
	handler := &recordingHandler{}
	actor := NewActor(3, handler, DefaultActorOptions())
	require.NoError(t, actor.Start(context.Background()))
	defer actor.Stop()

	for i := 0; i < 50; i++ {
		require.NoError(t, actor.Send(NewEnvelope(protocol.ProcessID(i), 3, protocol.Request{From: protocol.ProcessID(i)})))
	}

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 50
	}, time.Second, 5*time.Millisecond)

	for i, msg := range handler.messages() {
		assert.Equal(t, protocol.Request{From: protocol.ProcessID(i)}, msg)
	}
	assert.Zero(t, atomic.LoadInt32(&handler.overlap), "handler ran concurrently")
	assert.Equal(t, uint64(50), actor.Stats().MessagesProcessed)
}

func TestActorMailboxFull(t *testing.T) {
	opts := DefaultActorOptions()
	opts.MailboxSize = 1
	actor := NewActor(4, &recordingHandler{}, opts)

	// Not started: nothing drains the mailbox.
	require.NoError(t, actor.Send(NewEnvelope(0, 4, protocol.Recovery{})))
	err := actor.Send(NewEnvelope(0, 4, protocol.Recovery{}))
	assert.ErrorIs(t, err, ErrMailboxFull)
	assert.ErrorIs(t, actor.Send(nil), ErrNilEnvelope)
}

func TestActorSendWaitBlocksUntilRoom(t *testing.T) {
	opts := DefaultActorOptions()
	opts.MailboxSize = 1
	handler := &recordingHandler{}
	actor := NewActor(4, handler, opts)

	require.NoError(t, actor.Send(NewEnvelope(0, 4, protocol.Request{From: 0})))

	done := make(chan error, 1)
	go func() {
		done <- actor.SendWait(context.Background(), NewEnvelope(0, 4, protocol.Privilege{From: 0}))
	}()
	select {
	case err := <-done:
		t.Fatalf("SendWait returned %v with a full mailbox", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, actor.Start(context.Background()))
	defer actor.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendWait still blocked after the mailbox drained")
	}

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.Message{protocol.Request{From: 0}, protocol.Privilege{From: 0}}, handler.messages())
}

func TestActorSendWaitGivesUp(t *testing.T) {
	opts := DefaultActorOptions()
	opts.MailboxSize = 1
	actor := NewActor(4, &recordingHandler{}, opts)
	require.NoError(t, actor.Send(NewEnvelope(0, 4, protocol.Recovery{})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := actor.SendWait(ctx, NewEnvelope(0, 4, protocol.Recovery{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- actor.SendWait(context.Background(), NewEnvelope(0, 4, protocol.Recovery{}))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, actor.Stop())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrActorStopped)
	case <-time.After(time.Second):
		t.Fatal("SendWait not released by Stop")
	}

	assert.ErrorIs(t, actor.SendWait(context.Background(), nil), ErrNilEnvelope)
}

func TestActorSchedule(t *testing.T) {
	handler := &recordingHandler{}
	actor := NewActor(5, handler, DefaultActorOptions())
	require.NoError(t, actor.Start(context.Background()))
	defer actor.Stop()

	actor.Schedule(20*time.Millisecond, NewEnvelope(5, 5, protocol.ExitCriticalSection{}))
	assert.Equal(t, 1, actor.Stats().PendingTimers)

	require.Eventually(t, func() bool {
		return len(handler.messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.ExitCriticalSection{}, handler.messages()[0])
	assert.Equal(t, 0, actor.Stats().PendingTimers)
}

func TestActorStopReleasesTimers(t *testing.T) {
	actor := NewActor(6, &recordingHandler{}, DefaultActorOptions())
	require.NoError(t, actor.Start(context.Background()))

	actor.Schedule(time.Hour, NewEnvelope(6, 6, protocol.Recovery{}))
	require.NoError(t, actor.Stop())
	assert.Equal(t, 0, actor.Stats().PendingTimers)
}

func TestActorDo(t *testing.T) {
	actor := NewActor(7, &recordingHandler{}, DefaultActorOptions())
	require.NoError(t, actor.Start(context.Background()))

	ran := false
	require.NoError(t, actor.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	require.NoError(t, actor.Stop())
	err := actor.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestActorStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	actor := NewActor(8, &recordingHandler{}, DefaultActorOptions())
	require.NoError(t, actor.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		return actor.Send(NewEnvelope(0, 8, protocol.Recovery{})) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRouter(t *testing.T) {
	router := NewRouter()

	handler := &recordingHandler{}
	actor1 := NewActor(10, handler, DefaultActorOptions())
	actor2 := NewActor(20, handler, DefaultActorOptions())

	require.NoError(t, router.Register(actor2))
	require.NoError(t, router.Register(actor1))
	assert.Error(t, router.Register(actor1))
	assert.Error(t, router.Register(nil))

	found, exists := router.Lookup(10)
	require.True(t, exists)
	assert.Equal(t, protocol.ProcessID(10), found.ID())

	assert.Equal(t, []protocol.ProcessID{10, 20}, router.List())

	require.NoError(t, actor1.Start(context.Background()))
	defer actor1.Stop()
	require.NoError(t, router.Route(NewEnvelope(20, 10, protocol.Privilege{From: 20})))
	require.Eventually(t, func() bool {
		return len(handler.messages()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, router.RouteWait(context.Background(), NewEnvelope(20, 10, protocol.Request{From: 20})))
	require.Eventually(t, func() bool {
		return len(handler.messages()) == 2
	}, time.Second, 5*time.Millisecond)

	err := router.Route(NewEnvelope(10, 30, protocol.Privilege{From: 10}))
	assert.ErrorIs(t, err, ErrUnknownProcess)
	err = router.RouteWait(context.Background(), NewEnvelope(10, 30, protocol.Privilege{From: 10}))
	assert.ErrorIs(t, err, ErrUnknownProcess)
	assert.ErrorIs(t, router.Route(nil), ErrNilEnvelope)

	require.NoError(t, router.Unregister(10))
	_, exists = router.Lookup(10)
	assert.False(t, exists)
	assert.ErrorIs(t, router.Unregister(10), ErrUnknownProcess)
}

func TestEnvelopeIDsAreOrdered(t *testing.T) {
	first := NewEnvelope(0, 1, protocol.Request{From: 0})
	second := NewEnvelope(0, 1, protocol.Request{From: 0})
	assert.NotEqual(t, first.ID, second.ID)
	assert.LessOrEqual(t, first.ID.Time(), second.ID.Time())
}
