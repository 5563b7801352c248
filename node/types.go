package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/najoast/treemx/protocol"
)

// Phase is the lifecycle stage of a process.
type Phase uint8

const (
	// PhaseUninitialized means Bootstrap has not been received yet
	PhaseUninitialized Phase = iota

	// PhaseActive means the process participates in the protocol
	PhaseActive

	// PhaseCrashed means volatile state is lost and messages are dropped
	PhaseCrashed

	// PhaseRecovering means Advise replies are being collected
	PhaseRecovering
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseActive:
		return "active"
	case PhaseCrashed:
		return "crashed"
	case PhaseRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON dumps.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "uninitialized":
		*p = PhaseUninitialized
	case "active":
		*p = PhaseActive
	case "crashed":
		*p = PhaseCrashed
	case "recovering":
		*p = PhaseRecovering
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// Timing holds the durations of the three local timers.
type Timing struct {
	// BootstrapDelay lets every process store its neighbors before the
	// starter floods Initialize
	BootstrapDelay time.Duration

	// CriticalSection is how long a process stays in the critical section
	CriticalSection time.Duration

	// CrashDuration is how long a crashed process stays down
	CrashDuration time.Duration
}

// DefaultTiming matches a ten-process deployment.
func DefaultTiming() Timing {
	return Timing{
		BootstrapDelay:  2 * time.Second,
		CriticalSection: 5 * time.Second,
		CrashDuration:   5 * time.Second,
	}
}

// State is a point-in-time copy of a process's protocol state.
type State struct {
	ID            protocol.ProcessID   `json:"id"`
	Phase         Phase                `json:"phase"`
	Neighbors     []protocol.ProcessID `json:"neighbors"`
	Holder        protocol.ProcessID   `json:"holder"`
	Queue         []protocol.ProcessID `json:"queue"`
	Using         bool                 `json:"using"`
	Asked         bool                 `json:"asked"`
	PendingAdvise []protocol.ProcessID `json:"pending_advise,omitempty"`
}

// String renders the state on one line.
func (s State) String() string {
	return fmt.Sprintf("process=%s phase=%s holder=%s queue=%v using=%t asked=%t",
		s.ID, s.Phase, s.Holder, s.Queue, s.Using, s.Asked)
}

// EventType classifies externally visible protocol transitions.
type EventType uint8

const (
	EventInitialized EventType = iota
	EventRequested
	EventEnterCS
	EventExitCS
	EventCrashed
	EventRecoveryStarted
	EventRecovered
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	switch t {
	case EventInitialized:
		return "initialized"
	case EventRequested:
		return "requested"
	case EventEnterCS:
		return "enter_cs"
	case EventExitCS:
		return "exit_cs"
	case EventCrashed:
		return "crashed"
	case EventRecoveryStarted:
		return "recovery_started"
	case EventRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Event reports a transition of one process.
type Event struct {
	Process protocol.ProcessID
	Type    EventType
	At      time.Time

	// WasUsing is set on EventCrashed when the crash interrupted a critical section
	WasUsing bool
}

// Observer receives events. It is called from the process's own loop and must not block.
type Observer func(Event)

// Outbox is how a process reaches the rest of the system.
type Outbox interface {
	// Send delivers msg to another process, fire-and-forget.
	Send(to protocol.ProcessID, msg protocol.Message)

	// After delivers msg back to this process once d has elapsed.
	After(d time.Duration, msg protocol.Message)
}
