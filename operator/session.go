package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/najoast/treemx/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Target is the cluster as seen by the operator.
type Target interface {
	Size() int
	Submit(id protocol.ProcessID, kind protocol.CommandKind) error
	Dump(ctx context.Context, w io.Writer) error
}

const menu = `commands:
  r <id>      request the critical section
  c <id>      crash a process
  s           dump the state of every process
  wait <dur>  pause the script, e.g. wait 500ms
  q           quit`

// Session executes operator lines against a Target.
type Session struct {
	target Target
	out    io.Writer
	log    *logrus.Entry

	// interactive sessions print a prompt and ask for a missing id
	interactive bool

	// executed counts instructions that reached the target
	executed int
	rejected int
}

// Option configures a Session.
type Option func(*Session)

// WithOutput sets where prompts and status dumps go. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Session) { s.out = w }
}

// WithLogger sets the session logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Session) { s.log = entry }
}

// Interactive forces prompting on or off.
func Interactive(on bool) Option {
	return func(s *Session) { s.interactive = on }
}

// NewSession creates a session. Input from a terminal is interactive
// unless overridden by an option.
func NewSession(target Target, opts ...Option) *Session {
	s := &Session{
		target:      target,
		out:         os.Stdout,
		log:         logrus.WithField("component", "operator"),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns how many instructions were executed and rejected.
func (s *Session) Stats() (executed, rejected int) {
	return s.executed, s.rejected
}

// Run reads lines from r until EOF, quit or ctx is done. Bad lines are
// reported and skipped. It returns ErrQuit when the operator quit.
func (s *Session) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	if s.interactive {
		fmt.Fprintln(s.out, menu)
	}

	for {
		s.prompt("> ")

		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		in, ok, err := Parse(line, s.target.Size())
		if errors.Is(err, ErrMissingArgument) && s.interactive && (in.Op == OpRequest || in.Op == OpCrash) {
			in, ok, err = s.askProcess(ctx, in, lines)
		}
		if err != nil {
			s.reject(line, err)
			continue
		}
		if !ok {
			continue
		}

		if err := s.Exec(ctx, in); err != nil {
			if errors.Is(err, ErrQuit) {
				return err
			}
			s.reject(line, err)
		}
	}
}

// ErrQuit is returned by Exec and Run when the operator quits.
var ErrQuit = errors.New("operator quit")

// Exec performs one instruction.
func (s *Session) Exec(ctx context.Context, in Instruction) error {
	switch in.Op {
	case OpQuit:
		s.log.Info("quit requested")
		return ErrQuit

	case OpStatus:
		if err := s.target.Dump(ctx, s.out); err != nil {
			return fmt.Errorf("status: %w", err)
		}

	case OpWait:
		t := time.NewTimer(in.Wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		kind, ok := in.Command()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, in.Op)
		}
		if err := s.target.Submit(in.Process, kind); err != nil {
			return err
		}
		s.log.WithField("process", int(in.Process)).Infof("%s instruction issued", strings.ToUpper(in.Op.String()))
	}

	s.executed++
	return nil
}

// askProcess reads the id on the next line, as the console did when a
// command letter was typed alone.
func (s *Session) askProcess(ctx context.Context, in Instruction, lines <-chan string) (Instruction, bool, error) {
	for {
		s.prompt("process id: ")
		select {
		case <-ctx.Done():
			return in, false, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return in, false, fmt.Errorf("%w: %s needs a process id", ErrMissingArgument, in.Op)
			}
			id, err := ParseProcess(line, s.target.Size())
			if err != nil {
				fmt.Fprintln(s.out, err)
				continue
			}
			in.Process = id
			return in, true, nil
		}
	}
}

func (s *Session) prompt(p string) {
	if s.interactive {
		fmt.Fprint(s.out, p)
	}
}

func (s *Session) reject(line string, err error) {
	s.rejected++
	s.log.WithError(err).Warnf("skipping %q", strings.TrimSpace(line))
	if s.interactive {
		fmt.Fprintln(s.out, err)
	}
}
