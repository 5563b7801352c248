package node

import (
	"math/rand"
	"testing"
	"time"

	"github.com/najoast/treemx/protocol"
	"github.com/najoast/treemx/topology"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

// packet is a message in flight between two processes.
type packet struct {
	from, to protocol.ProcessID
	msg      protocol.Message
}

// pendingTimer is a self-addressed delivery due at a virtual instant.
type pendingTimer struct {
	owner protocol.ProcessID
	at    time.Duration
	seq   int
	msg   protocol.Message
}

// network drives a set of nodes deterministically: links are FIFO, timers
// fire in deadline order on a virtual clock.
type network struct {
	t      *testing.T
	nodes  map[protocol.ProcessID]*Node
	hook   *test.Hook
	now    time.Duration
	seq    int
	flight []packet
	timers []pendingTimer

	inCS     int
	maxInCS  int
	entries  []protocol.ProcessID
	messages int
}

type simOutbox struct {
	net *network
	id  protocol.ProcessID
}

func (o simOutbox) Send(to protocol.ProcessID, msg protocol.Message) {
	o.net.messages++
	o.net.flight = append(o.net.flight, packet{from: o.id, to: to, msg: msg})
}

func (o simOutbox) After(d time.Duration, msg protocol.Message) {
	o.net.seq++
	o.net.timers = append(o.net.timers, pendingTimer{owner: o.id, at: o.net.now + d, seq: o.net.seq, msg: msg})
}

func testTiming() Timing {
	return Timing{
		BootstrapDelay:  100 * time.Millisecond,
		CriticalSection: 50 * time.Millisecond,
		CrashDuration:   200 * time.Millisecond,
	}
}

// newNetwork creates and bootstraps one node per tree member.
func newNetwork(t *testing.T, tree *topology.Tree, starter protocol.ProcessID) *network {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	net := &network{
		t:     t,
		nodes: make(map[protocol.ProcessID]*Node, tree.Size()),
		hook:  hook,
	}
	for _, id := range tree.IDs() {
		net.nodes[id] = New(id, simOutbox{net: net, id: id},
			WithTiming(testTiming()),
			WithLogger(logrus.NewEntry(logger)),
			WithObserver(net.observe))
	}
	for _, id := range tree.IDs() {
		net.nodes[id].Handle(protocol.Bootstrap{Neighbors: tree.Neighbors(id), Starter: id == starter})
	}
	return net
}

func (net *network) observe(e Event) {
	switch e.Type {
	case EventEnterCS:
		net.inCS++
		net.maxInCS = max(net.maxInCS, net.inCS)
		net.entries = append(net.entries, e.Process)
	case EventExitCS:
		net.inCS--
	case EventCrashed:
		if e.WasUsing {
			net.inCS--
		}
	}
}

// deliver hands the oldest packet on the given link to its target.
func (net *network) deliver(i int) {
	p := net.flight[i]
	net.flight = append(net.flight[:i], net.flight[i+1:]...)
	net.nodes[p.to].Handle(p.msg)
}

// deliverAll drains in-flight packets in send order.
func (net *network) deliverAll() {
	for steps := 0; len(net.flight) > 0; steps++ {
		require.Less(net.t, steps, 100000, "message storm")
		net.deliver(0)
	}
}

// deliverRandom picks a random link and delivers its oldest packet.
func (net *network) deliverRandom(rng *rand.Rand) {
	p := net.flight[rng.Intn(len(net.flight))]
	for i, q := range net.flight {
		if q.from == p.from && q.to == p.to {
			net.deliver(i)
			return
		}
	}
}

// fireNext advances the clock to the earliest timer and fires it.
func (net *network) fireNext() bool {
	if len(net.timers) == 0 {
		return false
	}
	slices.SortFunc(net.timers, func(a, b pendingTimer) int {
		if a.at != b.at {
			return int(a.at - b.at)
		}
		return a.seq - b.seq
	})
	tm := net.timers[0]
	net.timers = net.timers[1:]
	net.now = tm.at
	net.nodes[tm.owner].Handle(tm.msg)
	return true
}

// fire fires the earliest pending timer owned by id carrying kind.
func (net *network) fire(id protocol.ProcessID, kind protocol.Kind) {
	for i, tm := range net.timers {
		if tm.owner == id && tm.msg.Kind() == kind {
			net.timers = append(net.timers[:i], net.timers[i+1:]...)
			net.now = max(net.now, tm.at)
			net.nodes[id].Handle(tm.msg)
			return
		}
	}
	net.t.Fatalf("no %s timer pending at %s", kind, id)
}

// settle runs until no packet and no timer is left.
func (net *network) settle() {
	for steps := 0; ; steps++ {
		require.Less(net.t, steps, 100000, "did not settle")
		if len(net.flight) > 0 {
			net.deliverAll()
			continue
		}
		if !net.fireNext() {
			return
		}
	}
}

// settleRandom is settle with a random interleaving of links and timers.
func (net *network) settleRandom(rng *rand.Rand) {
	for steps := 0; ; steps++ {
		require.Less(net.t, steps, 100000, "did not settle")
		switch {
		case len(net.flight) > 0 && (len(net.timers) == 0 || rng.Intn(4) > 0):
			net.deliverRandom(rng)
		case !net.fireNext():
			return
		}
	}
}

func (net *network) command(id protocol.ProcessID, kind protocol.CommandKind) {
	net.nodes[id].Handle(protocol.Command{Op: kind})
}

func (net *network) state(id protocol.ProcessID) State {
	return net.nodes[id].State()
}

// holders returns the processes that believe they hold the privilege.
func (net *network) holders() []protocol.ProcessID {
	var out []protocol.ProcessID
	for id, n := range net.nodes {
		if n.State().Holder == id {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// requireQuiescent checks the invariants that hold with nothing in flight.
func (net *network) requireQuiescent() {
	net.t.Helper()
	require.Empty(net.t, net.flight)
	require.Len(net.t, net.holders(), 1, "exactly one process holds the privilege")

	root := net.holders()[0]
	for id := range net.nodes {
		seen := map[protocol.ProcessID]bool{}
		cur := id
		for cur != root {
			require.False(net.t, seen[cur], "holder cycle through %s", cur)
			seen[cur] = true
			s := net.state(cur)
			require.Equal(net.t, PhaseActive, s.Phase)
			require.Empty(net.t, s.PendingAdvise)
			cur = s.Holder
		}
	}
}

func (net *network) warnings() []string {
	var out []string
	for _, e := range net.hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}
