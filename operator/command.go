package operator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/najoast/treemx/protocol"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidProcess  = errors.New("invalid process id")
	ErrMissingArgument = errors.New("missing argument")
)

// Op is the verb of an operator line.
type Op uint8

const (
	OpRequest Op = iota
	OpCrash
	OpStatus
	OpWait
	OpQuit
)

func (op Op) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpCrash:
		return "crash"
	case OpStatus:
		return "status"
	case OpWait:
		return "wait"
	case OpQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Instruction is one parsed operator line.
type Instruction struct {
	Op      Op
	Process protocol.ProcessID
	Wait    time.Duration
}

func (in Instruction) String() string {
	switch in.Op {
	case OpRequest, OpCrash:
		return fmt.Sprintf("%s %s", in.Op, in.Process)
	case OpWait:
		return fmt.Sprintf("wait %s", in.Wait)
	default:
		return in.Op.String()
	}
}

// Command converts request and crash instructions to the protocol command.
func (in Instruction) Command() (protocol.CommandKind, bool) {
	switch in.Op {
	case OpRequest:
		return protocol.CommandRequestCS, true
	case OpCrash:
		return protocol.CommandCrash, true
	default:
		return 0, false
	}
}

// Parse reads one line for a cluster of n processes. Blank lines and
// lines starting with '#' yield ok == false and no error. A request or
// crash without an id returns ErrMissingArgument along with the verb.
func Parse(line string, n int) (in Instruction, ok bool, err error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Instruction{}, false, nil
	}

	verb, args := strings.ToLower(fields[0]), fields[1:]
	switch verb {
	case "status", "s":
		return Instruction{Op: OpStatus, Process: protocol.NoProcess}, true, nil
	case "quit", "q", "exit":
		return Instruction{Op: OpQuit, Process: protocol.NoProcess}, true, nil
	case "wait", "w":
		if len(args) == 0 {
			return Instruction{}, false, fmt.Errorf("%w: wait needs a duration", ErrMissingArgument)
		}
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return Instruction{}, false, fmt.Errorf("%w: wait needs a duration, got %q", ErrMissingArgument, args[0])
		}
		return Instruction{Op: OpWait, Process: protocol.NoProcess, Wait: d}, true, nil
	}

	kind, err := protocol.ParseCommandKind(verb)
	if err != nil {
		return Instruction{}, false, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	in = Instruction{Op: OpRequest}
	if kind == protocol.CommandCrash {
		in.Op = OpCrash
	}

	if len(args) == 0 {
		return in, false, fmt.Errorf("%w: %s needs a process id", ErrMissingArgument, in.Op)
	}
	in.Process, err = ParseProcess(args[0], n)
	if err != nil {
		return Instruction{}, false, err
	}
	return in, true, nil
}

// ParseProcess accepts ids in [0, n).
func ParseProcess(s string, n int) (protocol.ProcessID, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 || id >= n {
		return protocol.NoProcess, fmt.Errorf("%w: %q, expected 0..%d", ErrInvalidProcess, s, n-1)
	}
	return protocol.ProcessID(id), nil
}
