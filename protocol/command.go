package protocol

import (
	"fmt"
	"strings"
)

// CommandKind is an operator instruction for a single process.
type CommandKind uint8

const (
	// CommandRequestCS asks the process to enter the critical section.
	CommandRequestCS CommandKind = iota

	// CommandCrash makes the process lose its volatile state.
	CommandCrash
)

// String returns the string representation of CommandKind.
func (k CommandKind) String() string {
	switch k {
	case CommandRequestCS:
		return "request"
	case CommandCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// ParseCommandKind accepts the long and the single-letter operator spellings.
func ParseCommandKind(s string) (CommandKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request", "r":
		return CommandRequestCS, nil
	case "crash", "c":
		return CommandCrash, nil
	default:
		return 0, fmt.Errorf("unknown command kind %q", s)
	}
}
