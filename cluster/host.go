package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/najoast/treemx/core"
	"github.com/najoast/treemx/invariant"
	"github.com/najoast/treemx/node"
	"github.com/najoast/treemx/protocol"
	"github.com/najoast/treemx/topology"
	"github.com/sirupsen/logrus"
)

// host implements the Host interface
type host struct {
	config *Config
	runID  string
	log    *logrus.Entry

	router core.Router
	actors []core.Actor
	nodes  []*node.Node // touched only inside the owning actor's loop

	events      chan node.Event
	listeners   []func(node.Event)
	listenersMu sync.RWMutex

	// processes currently in the critical section, maintained from events
	occupancy  int64
	violations uint64

	delivered   uint64
	undelivered uint64

	ctx    context.Context
	cancel context.CancelFunc

	started int32 // atomic
}

// NewHost creates a cluster host. Nothing runs until Start.
func NewHost(config *Config) (Host, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Tree == nil {
		return nil, ErrNoTree
	}
	if !config.Tree.Contains(config.Starter) {
		return nil, fmt.Errorf("starter %s: %w", config.Starter, ErrInvalidStarter)
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	runID := uuid.NewString()
	return &host{
		config: config,
		runID:  runID,
		log:    config.Logger.WithField("run", runID),
		router: core.NewRouter(),
		events: make(chan node.Event, 256),
	}, nil
}

func (h *host) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return ErrAlreadyStarted
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	ids := h.config.Tree.IDs()
	h.actors = make([]core.Actor, len(ids))
	h.nodes = make([]*node.Node, len(ids))

	for i, id := range ids {
		out := &outbox{host: h, id: id}
		n := node.New(id, out,
			node.WithTiming(h.config.Timing),
			node.WithLogger(h.log),
			node.WithObserver(h.observe))

		actor := core.NewActor(id, n, core.ActorOptions{
			MailboxSize: h.config.MailboxSize,
			Name:        fmt.Sprintf("process-%s", id),
			Logger:      h.log.WithField("process", int(id)),
		})
		out.self = actor

		if err := h.router.Register(actor); err != nil {
			return fmt.Errorf("failed to register process %s: %w", id, err)
		}
		h.actors[i] = actor
		h.nodes[i] = n
	}

	for _, actor := range h.actors {
		if err := actor.Start(h.ctx); err != nil {
			return fmt.Errorf("failed to start process %s: %w", actor.ID(), err)
		}
	}

	for _, id := range ids {
		boot := protocol.Bootstrap{
			Neighbors: h.config.Tree.Neighbors(id),
			Starter:   id == h.config.Starter,
		}
		if err := h.router.Route(core.NewEnvelope(protocol.NoProcess, id, boot)); err != nil {
			return fmt.Errorf("failed to bootstrap process %s: %w", id, err)
		}
	}

	h.log.WithFields(logrus.Fields{
		"processes": len(ids),
		"starter":   int(h.config.Starter),
	}).Infof("cluster started, edges %v", h.config.Tree.Edges())
	return nil
}

func (h *host) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.started, 1, 2) {
		return nil
	}

	h.cancel()

	done := make(chan struct{})
	go func() {
		for _, actor := range h.actors {
			if err := actor.Stop(); err != nil {
				h.log.WithError(err).Debug("actor stop")
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("cluster stop: %w", ctx.Err())
	}

	close(h.events)
	h.log.Info("cluster stopped")
	return nil
}

func (h *host) RunID() string {
	return h.runID
}

func (h *host) Size() int {
	return h.config.Tree.Size()
}

func (h *host) Tree() *topology.Tree {
	return h.config.Tree
}

func (h *host) Submit(id protocol.ProcessID, kind protocol.CommandKind) error {
	if atomic.LoadInt32(&h.started) != 1 {
		return ErrNotStarted
	}
	env := core.NewEnvelope(protocol.NoProcess, id, protocol.Command{Op: kind})
	if err := h.router.Route(env); err != nil {
		return fmt.Errorf("submit %s to %s: %w", kind, id, err)
	}
	return nil
}

func (h *host) State(ctx context.Context, id protocol.ProcessID) (node.State, error) {
	if atomic.LoadInt32(&h.started) != 1 {
		return node.State{}, ErrNotStarted
	}
	if !h.config.Tree.Contains(id) {
		return node.State{}, fmt.Errorf("process %s: %w", id, core.ErrUnknownProcess)
	}

	var s node.State
	err := h.actors[id].Do(ctx, func() { s = h.nodes[id].State() })
	return s, err
}

func (h *host) Snapshot(ctx context.Context) ([]node.State, error) {
	if atomic.LoadInt32(&h.started) != 1 {
		return nil, ErrNotStarted
	}

	states := make([]node.State, len(h.actors))
	for i, actor := range h.actors {
		n := h.nodes[i]
		if err := actor.Do(ctx, func() { states[i] = n.State() }); err != nil {
			return nil, fmt.Errorf("snapshot of process %s: %w", actor.ID(), err)
		}
	}
	return states, nil
}

func (h *host) UpdateTiming(ctx context.Context, t node.Timing) error {
	if atomic.LoadInt32(&h.started) != 1 {
		return ErrNotStarted
	}

	for i, actor := range h.actors {
		n := h.nodes[i]
		if err := actor.Do(ctx, func() { n.SetTiming(t) }); err != nil {
			return fmt.Errorf("update timing of process %s: %w", actor.ID(), err)
		}
	}
	h.log.WithFields(logrus.Fields{
		"bootstrap_delay":  t.BootstrapDelay,
		"critical_section": t.CriticalSection,
		"crash_duration":   t.CrashDuration,
	}).Info("timing updated")
	return nil
}

func (h *host) Events() <-chan node.Event {
	return h.events
}

func (h *host) AddEventListener(listener func(node.Event)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()

	h.listeners = append(h.listeners, listener)
}

func (h *host) Health(ctx context.Context) (Health, error) {
	states, err := h.Snapshot(ctx)
	if err != nil {
		return Health{}, err
	}

	health := Health{
		RunID:       h.runID,
		TotalNodes:  len(states),
		InCS:        protocol.NoProcess,
		Occupancy:   atomic.LoadInt64(&h.occupancy),
		Violations:  atomic.LoadUint64(&h.violations),
		Delivered:   atomic.LoadUint64(&h.delivered),
		Undelivered: atomic.LoadUint64(&h.undelivered),
		LastUpdate:  time.Now(),
	}
	for _, s := range states {
		switch s.Phase {
		case node.PhaseUninitialized:
			health.Uninitialized++
		case node.PhaseActive:
			health.Active++
		case node.PhaseCrashed:
			health.Crashed++
		case node.PhaseRecovering:
			health.Recovering++
		}
		if s.Using {
			health.InCS = s.ID
		}
	}
	health.IsHealthy = health.Violations == 0 && health.Occupancy <= 1 &&
		invariant.Run(invariant.PerProcess, states...) == nil
	return health, nil
}

// dumpRecord is one line of a status dump.
type dumpRecord struct {
	Run   string     `json:"run"`
	At    time.Time  `json:"at"`
	State node.State `json:"state"`
}

func (h *host) Dump(ctx context.Context, w io.Writer) error {
	states, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	now := time.Now()
	for _, s := range states {
		if err := enc.Encode(dumpRecord{Run: h.runID, At: now, State: s}); err != nil {
			return fmt.Errorf("dump process %s: %w", s.ID, err)
		}
	}
	return nil
}

// observe runs on the loop of the process that emitted e.
func (h *host) observe(e node.Event) {
	switch e.Type {
	case node.EventEnterCS:
		if inside := atomic.AddInt64(&h.occupancy, 1); inside > 1 {
			atomic.AddUint64(&h.violations, 1)
			h.log.WithField("process", int(e.Process)).
				Errorf("mutual exclusion violated: %d processes in the critical section", inside)
		}
	case node.EventExitCS:
		atomic.AddInt64(&h.occupancy, -1)
	case node.EventCrashed:
		if e.WasUsing {
			atomic.AddInt64(&h.occupancy, -1)
		}
	}

	h.publishEvent(e)
}

func (h *host) publishEvent(e node.Event) {
	select {
	case h.events <- e:
	default:
		// Channel full, drop event
	}

	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()

	for _, listener := range h.listeners {
		listener(e)
	}
}
