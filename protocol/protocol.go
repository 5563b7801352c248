// Package protocol defines the messages exchanged by tree mutual exclusion processes.
//
// The set of messages is closed: every variant implements Message through an
// unexported marker method, so only this package can add new kinds and a type
// switch over the variants listed in Kinds covers the whole protocol.
package protocol

import (
	"fmt"
	"strconv"
)

// ProcessID identifies a process. IDs are dense, starting at zero.
type ProcessID int

// NoProcess is the holder value of a process that does not know where the
// privilege is (before Initialize, or after a crash).
const NoProcess ProcessID = -1

// String returns the string representation of ProcessID.
func (id ProcessID) String() string {
	if id == NoProcess {
		return "none"
	}
	return strconv.Itoa(int(id))
}

// Kind tags a message variant.
type Kind uint8

const (
	KindBootstrap Kind = iota
	KindInitialize
	KindRequest
	KindPrivilege
	KindRestart
	KindAdvise
	KindRecovery
	KindExitCriticalSection
	KindCommand
)

// Kinds lists every message kind in declaration order.
var Kinds = []Kind{
	KindBootstrap,
	KindInitialize,
	KindRequest,
	KindPrivilege,
	KindRestart,
	KindAdvise,
	KindRecovery,
	KindExitCriticalSection,
	KindCommand,
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBootstrap:
		return "bootstrap"
	case KindInitialize:
		return "initialize"
	case KindRequest:
		return "request"
	case KindPrivilege:
		return "privilege"
	case KindRestart:
		return "restart"
	case KindAdvise:
		return "advise"
	case KindRecovery:
		return "recovery"
	case KindExitCriticalSection:
		return "exit_cs"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Message is implemented by every protocol message.
type Message interface {
	// Kind returns the variant tag.
	Kind() Kind

	isMessage()
}

// Bootstrap hands a process its tree edges. Sent once by the host.
type Bootstrap struct {
	Neighbors []ProcessID
	Starter   bool
}

// Initialize orients holder pointers toward the initial privilege holder.
type Initialize struct {
	From ProcessID
}

// Request asks the receiver, the sender's current holder, for the privilege.
type Request struct {
	From ProcessID
}

// Privilege carries the token to the receiver.
type Privilege struct {
	From ProcessID
}

// Restart is broadcast by a recovering process to all its neighbors.
type Restart struct {
	From ProcessID
}

// Advise answers a Restart with the responder's view of its relationship
// to the recovering process X.
type Advise struct {
	From ProcessID

	// IsXHolder reports whether the responder's holder is X.
	IsXHolder bool

	// IsXInRequestQueue reports whether X is queued at the responder.
	IsXInRequestQueue bool

	// AskedY is the responder's own asked flag.
	AskedY bool
}

// Recovery fires when the crash duration has elapsed.
type Recovery struct{}

// ExitCriticalSection fires when the critical section duration has elapsed.
type ExitCriticalSection struct{}

// Command is injected by the operator.
type Command struct {
	Op CommandKind
}

func (Bootstrap) Kind() Kind           { return KindBootstrap }
func (Initialize) Kind() Kind          { return KindInitialize }
func (Request) Kind() Kind             { return KindRequest }
func (Privilege) Kind() Kind           { return KindPrivilege }
func (Restart) Kind() Kind             { return KindRestart }
func (Advise) Kind() Kind              { return KindAdvise }
func (Recovery) Kind() Kind            { return KindRecovery }
func (ExitCriticalSection) Kind() Kind { return KindExitCriticalSection }
func (Command) Kind() Kind             { return KindCommand }

func (Bootstrap) isMessage()           {}
func (Initialize) isMessage()          {}
func (Request) isMessage()             {}
func (Privilege) isMessage()           {}
func (Restart) isMessage()             {}
func (Advise) isMessage()              {}
func (Recovery) isMessage()            {}
func (ExitCriticalSection) isMessage() {}
func (Command) isMessage()             {}

// Sender returns the process that stamped msg, or NoProcess for messages
// that carry no sender (host, timer and operator messages).
func Sender(msg Message) ProcessID {
	switch m := msg.(type) {
	case Initialize:
		return m.From
	case Request:
		return m.From
	case Privilege:
		return m.From
	case Restart:
		return m.From
	case Advise:
		return m.From
	default:
		return NoProcess
	}
}

// Describe renders msg for logs.
func Describe(msg Message) string {
	switch m := msg.(type) {
	case Bootstrap:
		return fmt.Sprintf("bootstrap(neighbors=%v starter=%t)", m.Neighbors, m.Starter)
	case Advise:
		return fmt.Sprintf("advise(from=%s holder=%t queued=%t asked=%t)",
			m.From, m.IsXHolder, m.IsXInRequestQueue, m.AskedY)
	case Command:
		return fmt.Sprintf("command(%s)", m.Op)
	case nil:
		return "<nil>"
	}
	if from := Sender(msg); from != NoProcess {
		return fmt.Sprintf("%s(from=%s)", msg.Kind(), from)
	}
	return msg.Kind().String()
}
