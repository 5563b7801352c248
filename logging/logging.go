// Package logging builds the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/najoast/treemx/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// New creates a logger from cfg. The returned closer releases a log file
// and is a no-op for stdout and stderr.
func New(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level.String()))
	if err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
			ForceColors:     cfg.Color && isTerminal(out),
			DisableColors:   !cfg.Color,
		})
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("log format %q: %w", cfg.Format, config.ErrInvalidLogFormat)
	}

	return logger, closer, nil
}

// Entry returns the base entry carrying the configured static fields.
func Entry(logger *logrus.Logger, cfg config.LogConfig) *logrus.Entry {
	fields := logrus.Fields{}
	for k, v := range cfg.Fields {
		fields[k] = v
	}
	return logger.WithFields(fields)
}

// ForProcess narrows entry to one process.
func ForProcess(entry *logrus.Entry, id int) *logrus.Entry {
	return entry.WithField("process", id)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
