package node

import (
	"context"
	"time"

	"github.com/najoast/treemx/core"
	"github.com/najoast/treemx/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Node is the protocol state of one process. It is not safe for concurrent
// use: the owning actor calls Handle from a single goroutine.
type Node struct {
	id       protocol.ProcessID
	out      Outbox
	log      *logrus.Entry
	observer Observer
	timing   Timing

	neighbors []protocol.ProcessID
	holder    protocol.ProcessID
	queue     []protocol.ProcessID
	using     bool
	asked     bool
	phase     Phase

	pendingAdvise map[protocol.ProcessID]protocol.Advise

	// privilege arrived while recovering
	privilegeDuringRecovery bool

	// oriented is set once the Initialize flood has passed through this
	// process. It survives crashes.
	oriented bool
	starter  bool

	// orientedBy is the Initialize sender accepted while recovering. It
	// takes precedence over the reconstructed holder.
	orientedBy protocol.ProcessID
}

// Option configures a Node.
type Option func(*Node)

// WithTiming sets the timer durations.
func WithTiming(t Timing) Option {
	return func(n *Node) { n.timing = t }
}

// WithLogger sets the base logger. A process field is added to it.
func WithLogger(entry *logrus.Entry) Option {
	return func(n *Node) {
		if entry != nil {
			n.log = entry
		}
	}
}

// WithObserver registers a callback for protocol events.
func WithObserver(o Observer) Option {
	return func(n *Node) { n.observer = o }
}

// New creates an uninitialized process.
func New(id protocol.ProcessID, out Outbox, opts ...Option) *Node {
	n := &Node{
		id:     id,
		out:    out,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		timing: DefaultTiming(),
		holder:     protocol.NoProcess,
		phase:      PhaseUninitialized,
		orientedBy: protocol.NoProcess,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.WithField("process", int(id))
	return n
}

// ID returns the process identity.
func (n *Node) ID() protocol.ProcessID {
	return n.id
}

// Phase returns the current lifecycle phase.
func (n *Node) Phase() Phase {
	return n.phase
}

// SetTiming replaces the timer durations. Timers already running keep their
// original duration.
func (n *Node) SetTiming(t Timing) {
	n.timing = t
}

// State returns a copy of the protocol state.
func (n *Node) State() State {
	s := State{
		ID:        n.id,
		Phase:     n.phase,
		Neighbors: slices.Clone(n.neighbors),
		Holder:    n.holder,
		Queue:     slices.Clone(n.queue),
		Using:     n.using,
		Asked:     n.asked,
	}
	if len(n.pendingAdvise) > 0 {
		for _, nb := range n.neighbors {
			if _, ok := n.pendingAdvise[nb]; ok {
				s.PendingAdvise = append(s.PendingAdvise, nb)
			}
		}
	}
	return s
}

// HandleMessage lets a Node serve as a core actor's handler.
func (n *Node) HandleMessage(ctx context.Context, env *core.Envelope) error {
	if n.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		n.log.WithField("envelope", env.ID.String()).Debugf("recv %s", protocol.Describe(env.Message))
	}
	n.Handle(env.Message)
	return nil
}

// Handle applies one message to the state machine.
func (n *Node) Handle(msg protocol.Message) {
	if n.phase == PhaseCrashed {
		if _, ok := msg.(protocol.Recovery); !ok {
			n.log.Debugf("crashed, dropped %s", protocol.Describe(msg))
			return
		}
	}
	if n.phase == PhaseUninitialized {
		if _, ok := msg.(protocol.Bootstrap); !ok {
			n.log.Warnf("%s before bootstrap, ignored", protocol.Describe(msg))
			return
		}
	}

	switch m := msg.(type) {
	case protocol.Bootstrap:
		n.onBootstrap(m)
	case protocol.Initialize:
		n.onInitialize(m)
	case protocol.Request:
		n.onRequest(m)
	case protocol.Privilege:
		n.onPrivilege(m)
	case protocol.Restart:
		n.onRestart(m)
	case protocol.Advise:
		n.onAdvise(m)
	case protocol.Recovery:
		n.onRecovery()
	case protocol.ExitCriticalSection:
		n.onExitCriticalSection()
	case protocol.Command:
		n.onCommand(m)
	default:
		n.log.Warnf("unhandled message %s", protocol.Describe(msg))
	}
}

func (n *Node) onBootstrap(m protocol.Bootstrap) {
	if n.phase != PhaseUninitialized {
		n.log.Warn("duplicate bootstrap ignored")
		return
	}
	n.neighbors = slices.Clone(m.Neighbors)
	n.starter = m.Starter
	n.phase = PhaseActive
	n.log.Debugf("bootstrapped with neighbors %v starter=%t", n.neighbors, m.Starter)

	if !m.Starter {
		return
	}
	if len(n.neighbors) == 0 {
		n.onInitialize(protocol.Initialize{From: n.id})
		return
	}
	n.out.After(n.timing.BootstrapDelay, protocol.Initialize{From: n.id})
}

func (n *Node) onInitialize(m protocol.Initialize) {
	if n.oriented {
		n.log.Debugf("already oriented, %s ignored", protocol.Describe(m))
		return
	}
	if m.From != n.id && !n.isNeighbor(m.From) {
		n.log.Warnf("initialize from non-neighbor %s ignored", m.From)
		return
	}

	// A holder picked by an earlier reconstruction is only a guess.
	if n.holder != m.From {
		n.asked = false
	}
	n.holder = m.From
	n.oriented = true
	for _, nb := range n.neighbors {
		if nb != m.From {
			n.send(nb, protocol.Initialize{From: n.id})
		}
	}
	n.log.Infof("initialized, holder=%s", n.holder)
	n.emit(Event{Type: EventInitialized})

	if n.phase == PhaseRecovering {
		n.orientedBy = m.From
		return
	}
	n.assignPrivilege()
	n.makeRequest()
}

func (n *Node) onRequest(m protocol.Request) {
	if !n.isNeighbor(m.From) {
		n.log.Warnf("request from non-neighbor %s ignored", m.From)
		return
	}
	n.queue = append(n.queue, m.From)
	if n.phase != PhaseActive {
		n.log.Debugf("recovering, request from %s kept for replay", m.From)
		return
	}
	n.assignPrivilege()
	n.makeRequest()
}

func (n *Node) onPrivilege(m protocol.Privilege) {
	n.holder = n.id
	if n.phase == PhaseRecovering {
		n.log.Infof("privilege from %s arrived while recovering", m.From)
		n.privilegeDuringRecovery = true
		return
	}
	n.assignPrivilege()
	n.makeRequest()
}

func (n *Node) onRestart(m protocol.Restart) {
	advice := protocol.Advise{
		From:              n.id,
		IsXHolder:         n.holder == m.From,
		IsXInRequestQueue: slices.Contains(n.queue, m.From),
		AskedY:            n.asked,
	}
	n.send(m.From, advice)
}

func (n *Node) onAdvise(m protocol.Advise) {
	if n.phase != PhaseRecovering {
		n.log.Warnf("%s outside recovery ignored", protocol.Describe(m))
		return
	}
	if !n.isNeighbor(m.From) {
		n.log.Warnf("advise from non-neighbor %s ignored", m.From)
		return
	}
	if _, dup := n.pendingAdvise[m.From]; dup {
		n.log.Warnf("duplicate advise from %s replaces the earlier one", m.From)
	}
	n.pendingAdvise[m.From] = m

	if len(n.pendingAdvise) == len(n.neighbors) {
		n.finishRecovery()
	}
}

func (n *Node) onRecovery() {
	if n.phase != PhaseCrashed {
		n.log.Debug("stale recovery timer ignored")
		return
	}
	n.phase = PhaseRecovering
	n.pendingAdvise = make(map[protocol.ProcessID]protocol.Advise, len(n.neighbors))
	n.log.Info("recovering")
	n.emit(Event{Type: EventRecoveryStarted})

	for _, nb := range n.neighbors {
		n.send(nb, protocol.Restart{From: n.id})
	}
	if len(n.neighbors) == 0 {
		n.finishRecovery()
	}
}

func (n *Node) finishRecovery() {
	r := Reconstruct(n.id, n.neighbors, n.pendingAdvise)
	for _, anomaly := range r.Anomalies {
		n.log.Warn(anomaly)
	}

	early := n.queue
	if len(early) > 0 {
		n.log.Warnf("request queue not empty at reconstruction: %v", early)
	}

	n.holder = r.Holder
	n.asked = r.Asked
	n.queue = r.Queue
	n.using = false
	for _, p := range early {
		if !slices.Contains(n.queue, p) {
			n.queue = append(n.queue, p)
		}
	}
	if n.orientedBy != protocol.NoProcess {
		n.holder = n.orientedBy
		n.asked = n.pendingAdvise[n.orientedBy].IsXInRequestQueue
		n.orientedBy = protocol.NoProcess
	}
	if n.privilegeDuringRecovery {
		n.holder = n.id
		n.asked = false
		n.privilegeDuringRecovery = false
	}
	n.pendingAdvise = nil
	n.phase = PhaseActive

	n.log.Infof("recovered, holder=%s queue=%v asked=%t", n.holder, n.queue, n.asked)
	n.emit(Event{Type: EventRecovered})

	// The starter's own Initialize was dropped while it was crashed, so the
	// flood never started and no process holds the privilege.
	if n.starter && !n.oriented {
		n.log.Warn("initialize lost in crash, orienting from here")
		n.onInitialize(protocol.Initialize{From: n.id})
		return
	}

	n.assignPrivilege()
	n.makeRequest()
}

func (n *Node) onExitCriticalSection() {
	wasUsing := n.using
	n.using = false
	if wasUsing {
		n.log.Info("exit critical section")
		n.emit(Event{Type: EventExitCS})
	}
	if n.phase != PhaseActive {
		return
	}
	n.assignPrivilege()
	n.makeRequest()
}

func (n *Node) onCommand(m protocol.Command) {
	if n.phase != PhaseActive {
		n.log.Warnf("%s rejected in phase %s", protocol.Describe(m), n.phase)
		return
	}

	switch m.Op {
	case protocol.CommandRequestCS:
		n.queue = append(n.queue, n.id)
		n.log.Info("requesting critical section")
		n.emit(Event{Type: EventRequested})
		n.assignPrivilege()
		n.makeRequest()
	case protocol.CommandCrash:
		n.crash()
	default:
		n.log.Warnf("unknown command %s", m.Op)
	}
}

func (n *Node) crash() {
	wasUsing := n.using

	n.phase = PhaseCrashed
	n.queue = nil
	n.holder = protocol.NoProcess
	n.using = false
	n.asked = false
	n.pendingAdvise = nil
	n.privilegeDuringRecovery = false
	n.orientedBy = protocol.NoProcess

	n.log.Info("crashed")
	n.emit(Event{Type: EventCrashed, WasUsing: wasUsing})
	n.out.After(n.timing.CrashDuration, protocol.Recovery{})
}

func (n *Node) assignPrivilege() {
	if n.holder != n.id || n.using || len(n.queue) == 0 {
		return
	}

	next := n.queue[0]
	n.queue = n.queue[1:]
	n.holder = next
	n.asked = false

	if next == n.id {
		n.using = true
		n.log.Info("enter critical section")
		n.emit(Event{Type: EventEnterCS})
		n.out.After(n.timing.CriticalSection, protocol.ExitCriticalSection{})
		return
	}
	n.send(next, protocol.Privilege{From: n.id})
}

func (n *Node) makeRequest() {
	if n.holder == n.id || len(n.queue) == 0 || n.asked {
		return
	}
	if n.holder == protocol.NoProcess {
		n.log.Warnf("holder unknown, request for %v waits for orientation", n.queue)
		return
	}
	n.send(n.holder, protocol.Request{From: n.id})
	n.asked = true
}

func (n *Node) send(to protocol.ProcessID, msg protocol.Message) {
	n.log.Debugf("send %s to %s", protocol.Describe(msg), to)
	n.out.Send(to, msg)
}

func (n *Node) emit(e Event) {
	if n.observer == nil {
		return
	}
	e.Process = n.id
	e.At = time.Now()
	n.observer(e)
}

func (n *Node) isNeighbor(id protocol.ProcessID) bool {
	return slices.Contains(n.neighbors, id)
}
