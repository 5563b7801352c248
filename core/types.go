package core

import (
	"time"

	"github.com/najoast/treemx/protocol"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Envelope carries one protocol message between actors.
type Envelope struct {
	// ID is a unique, time-ordered identifier used to correlate traces
	ID ulid.ULID

	// From is the sending process (NoProcess for host and operator messages)
	From protocol.ProcessID

	// To is the receiving process
	To protocol.ProcessID

	// Message is the protocol payload
	Message protocol.Message

	// SentAt is when the envelope was created
	SentAt time.Time
}

// NewEnvelope stamps msg for delivery from one process to another.
func NewEnvelope(from, to protocol.ProcessID, msg protocol.Message) *Envelope {
	return &Envelope{
		ID:      ulid.Make(),
		From:    from,
		To:      to,
		Message: msg,
		SentAt:  time.Now(),
	}
}

// ActorState represents the current state of an Actor.
type ActorState uint8

const (
	// ActorStateIdle means the Actor is waiting for messages
	ActorStateIdle ActorState = iota

	// ActorStateRunning means the Actor is processing a message
	ActorStateRunning

	// ActorStateStopping means the Actor is shutting down
	ActorStateStopping

	// ActorStateStopped means the Actor has been stopped
	ActorStateStopped
)

// String returns the string representation of ActorState.
func (s ActorState) String() string {
	switch s {
	case ActorStateIdle:
		return "idle"
	case ActorStateRunning:
		return "running"
	case ActorStateStopping:
		return "stopping"
	case ActorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ActorOptions contains configuration options for creating an Actor.
type ActorOptions struct {
	// MailboxSize sets the size of the Actor's message queue
	MailboxSize int

	// Name is a human-readable name for the Actor
	Name string

	// Logger receives handler errors and dropped timer deliveries
	Logger *logrus.Entry
}

// DefaultActorOptions returns sensible default options.
func DefaultActorOptions() ActorOptions {
	return ActorOptions{
		MailboxSize: 1024,
		Name:        "",
		Logger:      logrus.NewEntry(logrus.StandardLogger()),
	}
}

// ActorStats contains runtime statistics for an Actor.
type ActorStats struct {
	// ID of the Actor
	ID protocol.ProcessID

	// Name of the Actor
	Name string

	// Current state
	State ActorState

	// Total messages processed
	MessagesProcessed uint64

	// Messages currently in mailbox
	MailboxSize int

	// Timers scheduled and not yet fired
	PendingTimers int

	// Time when Actor was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}
