package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow runs the script at path, then keeps executing lines appended to
// it until quit or ctx is done. A trailing line without a newline waits
// for its newline.
func (s *Session) Follow(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch script: %w", err)
	}
	defer w.Close()
	if err := w.Add(abs); err != nil {
		return fmt.Errorf("watch script: %w", err)
	}

	s.interactive = false
	rd := bufio.NewReader(f)
	var partial string

	drain := func() error {
		for {
			chunk, err := rd.ReadString('\n')
			if errors.Is(err, io.EOF) {
				partial += chunk
				return nil
			}
			if err != nil {
				return err
			}
			line := partial + chunk
			partial = ""
			if err := s.execLine(ctx, line); err != nil {
				return err
			}
		}
	}

	if err := drain(); err != nil {
		return err
	}
	s.log.Infof("following %s", abs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.log.Warnf("script %s went away, stopped following", abs)
				return nil
			}
			if event.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("script watcher error")
		}
	}
}

// execLine parses and executes one line, reporting bad input. Only quit
// and context errors are returned.
func (s *Session) execLine(ctx context.Context, line string) error {
	in, ok, err := Parse(line, s.target.Size())
	if err != nil {
		s.reject(line, err)
		return nil
	}
	if !ok {
		return nil
	}

	err = s.Exec(ctx, in)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQuit), ctx.Err() != nil:
		return err
	default:
		s.reject(line, err)
		return nil
	}
}
