package core

import (
	"context"
	"time"

	"github.com/najoast/treemx/protocol"
)

// MessageHandler processes incoming messages for an Actor.
type MessageHandler interface {
	// HandleMessage processes a single message.
	// It is never called concurrently for the same Actor.
	HandleMessage(ctx context.Context, env *Envelope) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, env *Envelope) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Actor represents a computational unit that processes messages sequentially.
// Each Actor runs in its own goroutine and communicates through channels.
type Actor interface {
	// ID returns the process this Actor hosts.
	ID() protocol.ProcessID

	// Start begins the Actor's message processing loop.
	// It should be called only once per Actor instance.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the Actor.
	// It will finish processing the current message before stopping.
	Stop() error

	// Send enqueues an envelope in this Actor's mailbox.
	// It returns an error if the Actor is stopped or mailbox is full.
	Send(env *Envelope) error

	// SendWait is Send, except that a full mailbox makes it wait for room
	// until ctx is done or the Actor stops.
	SendWait(ctx context.Context, env *Envelope) error

	// Schedule delivers env to this Actor's own mailbox after d.
	// Scheduled deliveries cannot be cancelled by the handler.
	Schedule(d time.Duration, env *Envelope)

	// Do runs fn inside the message loop, between two messages, and waits
	// for it to return.
	Do(ctx context.Context, fn func()) error

	// Stats returns current runtime statistics for this Actor.
	Stats() ActorStats
}

// Router is the identity directory: it maps process ids to their actors.
type Router interface {
	// Register adds an Actor to the routing table.
	Register(actor Actor) error

	// Unregister removes an Actor from the routing table.
	Unregister(id protocol.ProcessID) error

	// Route delivers the envelope to its target Actor.
	Route(env *Envelope) error

	// RouteWait delivers the envelope with SendWait.
	RouteWait(ctx context.Context, env *Envelope) error

	// Lookup finds an Actor by its process id.
	Lookup(id protocol.ProcessID) (Actor, bool)

	// List returns all registered process ids in ascending order.
	List() []protocol.ProcessID
}
