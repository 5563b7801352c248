package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/treemx/protocol"
	"github.com/sirupsen/logrus"
)

// mailboxItem is either an envelope or a closure to run in the loop.
type mailboxItem struct {
	env  *Envelope
	fn   func()
	done chan struct{}
}

// actor implements the Actor interface.
type actor struct {
	id      protocol.ProcessID
	name    string
	handler MessageHandler
	log     *logrus.Entry

	// Channel for receiving messages
	mailbox chan mailboxItem

	// Context for controlling the Actor lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for graceful shutdown
	wg sync.WaitGroup

	// Atomic counters for statistics
	state             int32 // ActorState
	started           int32
	messagesProcessed uint64
	createdAt         time.Time
	lastMessageAt     int64 // Unix nanoseconds

	// Timers that have not fired yet, released on Stop
	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	// Actor options
	opts ActorOptions
}

// NewActor creates a new Actor instance.
func NewActor(id protocol.ProcessID, handler MessageHandler, opts ActorOptions) Actor {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultActorOptions().MailboxSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &actor{
		id:        id,
		name:      opts.Name,
		handler:   handler,
		log:       opts.Logger,
		mailbox:   make(chan mailboxItem, opts.MailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		timers:    make(map[*time.Timer]struct{}),
		opts:      opts,
	}

	// Set initial state
	atomic.StoreInt32(&a.state, int32(ActorStateIdle))

	return a
}

// ID returns the process this Actor hosts.
func (a *actor) ID() protocol.ProcessID {
	return a.id
}

// Start begins the Actor's message processing loop.
func (a *actor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.started, 0, 1) {
		return fmt.Errorf("actor %s: %w", a.id, ErrAlreadyStarted)
	}
	currentState := ActorState(atomic.LoadInt32(&a.state))
	if currentState != ActorStateIdle {
		return fmt.Errorf("actor %s cannot start from state %s", a.id, currentState)
	}

	// Tie the actor lifetime to the caller's context as well
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				a.cancel()
			case <-a.ctx.Done():
			}
		}()
	}

	a.wg.Add(1)
	go a.messageLoop()

	return nil
}

// Stop gracefully shuts down the Actor.
func (a *actor) Stop() error {
	// Set state to stopping
	if !atomic.CompareAndSwapInt32(&a.state, int32(ActorStateIdle), int32(ActorStateStopping)) &&
		!atomic.CompareAndSwapInt32(&a.state, int32(ActorStateRunning), int32(ActorStateStopping)) {
		return fmt.Errorf("actor %s cannot be stopped from state %s",
			a.id, ActorState(atomic.LoadInt32(&a.state)))
	}

	// Cancel context to signal shutdown
	a.cancel()

	// Release timers that will never be delivered
	a.timersMu.Lock()
	for t := range a.timers {
		t.Stop()
	}
	a.timers = make(map[*time.Timer]struct{})
	a.timersMu.Unlock()

	// Wait for message loop to finish
	a.wg.Wait()

	// Set final state
	atomic.StoreInt32(&a.state, int32(ActorStateStopped))

	return nil
}

// Send enqueues an envelope in this Actor's mailbox.
func (a *actor) Send(env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	return a.enqueue(mailboxItem{env: env})
}

// SendWait enqueues an envelope, waiting for room in a full mailbox.
func (a *actor) SendWait(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	err := a.enqueue(mailboxItem{env: env})
	if !errors.Is(err, ErrMailboxFull) {
		return err
	}

	a.log.Debugf("mailbox of %s full, waiting", a.id)
	select {
	case a.mailbox <- mailboxItem{env: env}:
		return nil
	case <-a.ctx.Done():
		return fmt.Errorf("actor %s is shutting down: %w", a.id, ErrActorStopped)
	case <-ctx.Done():
		return fmt.Errorf("actor %s: %w", a.id, ctx.Err())
	}
}

func (a *actor) enqueue(item mailboxItem) error {
	currentState := ActorState(atomic.LoadInt32(&a.state))
	if currentState == ActorStateStopped || currentState == ActorStateStopping {
		return fmt.Errorf("actor %s (state: %s): %w", a.id, currentState, ErrActorStopped)
	}

	select {
	case <-a.ctx.Done():
		return fmt.Errorf("actor %s is shutting down: %w", a.id, ErrActorStopped)
	default:
	}

	select {
	case a.mailbox <- item:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", a.id, ErrMailboxFull)
	}
}

// Schedule delivers env to this Actor's own mailbox after d.
func (a *actor) Schedule(d time.Duration, env *Envelope) {
	var t *time.Timer
	a.timersMu.Lock()
	t = time.AfterFunc(d, func() {
		a.timersMu.Lock()
		delete(a.timers, t)
		a.timersMu.Unlock()

		if err := a.SendWait(a.ctx, env); err != nil {
			a.log.WithError(err).Debugf("dropped timer delivery %s", protocol.Describe(env.Message))
		}
	})
	a.timers[t] = struct{}{}
	a.timersMu.Unlock()
}

// Do runs fn inside the message loop and waits for it to return.
func (a *actor) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := a.enqueue(mailboxItem{fn: fn, done: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		// fn may have run just before shutdown
		select {
		case <-done:
			return nil
		default:
			return fmt.Errorf("actor %s is shutting down: %w", a.id, ErrActorStopped)
		}
	}
}

// Stats returns current runtime statistics for this Actor.
func (a *actor) Stats() ActorStats {
	lastMsg := atomic.LoadInt64(&a.lastMessageAt)
	var lastMessageAt time.Time
	if lastMsg > 0 {
		lastMessageAt = time.Unix(0, lastMsg)
	}

	a.timersMu.Lock()
	pending := len(a.timers)
	a.timersMu.Unlock()

	return ActorStats{
		ID:                a.id,
		Name:              a.name,
		State:             ActorState(atomic.LoadInt32(&a.state)),
		MessagesProcessed: atomic.LoadUint64(&a.messagesProcessed),
		MailboxSize:       len(a.mailbox),
		PendingTimers:     pending,
		CreatedAt:         a.createdAt,
		LastMessageAt:     lastMessageAt,
	}
}

// messageLoop is the main processing loop for the Actor.
func (a *actor) messageLoop() {
	defer a.wg.Done()

	for {
		select {
		case item := <-a.mailbox:
			a.process(item)

		case <-a.ctx.Done():
			a.drainMailbox()
			return
		}
	}
}

func (a *actor) process(item mailboxItem) {
	if item.fn != nil {
		item.fn()
		close(item.done)
		return
	}
	if item.env != nil {
		a.processMessage(item.env)
	}
}

// processMessage handles a single message.
func (a *actor) processMessage(env *Envelope) {
	// Set state to running
	atomic.CompareAndSwapInt32(&a.state, int32(ActorStateIdle), int32(ActorStateRunning))
	defer atomic.CompareAndSwapInt32(&a.state, int32(ActorStateRunning), int32(ActorStateIdle))

	// Update statistics
	atomic.AddUint64(&a.messagesProcessed, 1)
	atomic.StoreInt64(&a.lastMessageAt, time.Now().UnixNano())

	if err := a.handler.HandleMessage(a.ctx, env); err != nil {
		a.log.WithError(err).WithField("envelope", env.ID.String()).
			Warnf("handler failed on %s", protocol.Describe(env.Message))
	}
}

// drainMailbox discards whatever is still queued at shutdown. Callers
// blocked in Do observe the cancelled context instead.
func (a *actor) drainMailbox() {
	for {
		select {
		case <-a.mailbox:
		default:
			return
		}
	}
}
