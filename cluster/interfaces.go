package cluster

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/najoast/treemx/node"
	"github.com/najoast/treemx/protocol"
	"github.com/najoast/treemx/topology"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("cluster already started")
	ErrNotStarted     = errors.New("cluster not started")
	ErrInvalidStarter = errors.New("starter is not a member of the tree")
	ErrNoTree         = errors.New("cluster needs a spanning tree")
)

// Host runs one process per tree member and carries messages between them.
type Host interface {
	// Start creates the processes and delivers Bootstrap to each of them.
	Start(ctx context.Context) error

	// Stop shuts every process down.
	Stop(ctx context.Context) error

	// RunID identifies this run in logs and dumps.
	RunID() string

	// Size returns the number of processes.
	Size() int

	// Tree returns the overlay the processes are connected by.
	Tree() *topology.Tree

	// Submit injects an operator command into a process's mailbox.
	Submit(id protocol.ProcessID, kind protocol.CommandKind) error

	// State returns the snapshot of a single process.
	State(ctx context.Context, id protocol.ProcessID) (node.State, error)

	// Snapshot returns the state of every process, ordered by id. Each state
	// is taken inside its own process loop; the set is not a consistent cut.
	Snapshot(ctx context.Context) ([]node.State, error)

	// UpdateTiming changes timer durations of every process.
	UpdateTiming(ctx context.Context, t node.Timing) error

	// Events returns the event stream. Events are dropped when nobody reads.
	Events() <-chan node.Event

	// AddEventListener registers a callback invoked for every event.
	AddEventListener(listener func(node.Event))

	// Health summarizes the cluster.
	Health(ctx context.Context) (Health, error)

	// Check snapshots every process and runs the invariants that hold on
	// per-process views. Mutual exclusion is tracked on events instead.
	Check(ctx context.Context) error

	// Dump writes the snapshot as JSON lines.
	Dump(ctx context.Context, w io.Writer) error
}

// Config describes a cluster.
type Config struct {
	Tree        *topology.Tree
	Starter     protocol.ProcessID
	Timing      node.Timing
	MailboxSize int
	Logger      *logrus.Entry
}

// DefaultConfig returns a ten-process cluster on the sample tree.
func DefaultConfig() *Config {
	tree, err := topology.Sample(10)
	if err != nil {
		panic(err)
	}
	return &Config{
		Tree:        tree,
		Starter:     0,
		Timing:      node.DefaultTiming(),
		MailboxSize: 1024,
		Logger:      logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Health is a summary over all processes.
type Health struct {
	RunID         string             `json:"run_id"`
	TotalNodes    int                `json:"total_nodes"`
	Uninitialized int                `json:"uninitialized"`
	Active        int                `json:"active"`
	Crashed       int                `json:"crashed"`
	Recovering    int                `json:"recovering"`
	InCS          protocol.ProcessID `json:"in_cs"`
	Occupancy     int64              `json:"occupancy"`
	Violations    uint64             `json:"violations"`
	Delivered     uint64             `json:"delivered"`
	Undelivered   uint64             `json:"undelivered"`
	LastUpdate    time.Time          `json:"last_update"`
	IsHealthy     bool               `json:"is_healthy"`
}
