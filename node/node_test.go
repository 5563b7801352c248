package node

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/najoast/treemx/core"
	"github.com/najoast/treemx/protocol"
	"github.com/najoast/treemx/topology"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	to  protocol.ProcessID
	msg protocol.Message
}

type delayedMessage struct {
	d   time.Duration
	msg protocol.Message
}

// recordingOutbox keeps everything a single node emits.
type recordingOutbox struct {
	sent  []sentMessage
	after []delayedMessage
}

func (o *recordingOutbox) Send(to protocol.ProcessID, msg protocol.Message) {
	o.sent = append(o.sent, sentMessage{to: to, msg: msg})
}

func (o *recordingOutbox) After(d time.Duration, msg protocol.Message) {
	o.after = append(o.after, delayedMessage{d: d, msg: msg})
}

func (o *recordingOutbox) reset() {
	o.sent = nil
	o.after = nil
}

func newTestNode(id protocol.ProcessID) (*Node, *recordingOutbox, *test.Hook) {
	logger, hook := test.NewNullLogger()
	out := &recordingOutbox{}
	return New(id, out, WithTiming(testTiming()), WithLogger(logrus.NewEntry(logger))), out, hook
}

func lineABC(t *testing.T) *network {
	tree, err := topology.Line(3)
	require.NoError(t, err)
	net := newNetwork(t, tree, 1)
	net.fire(1, protocol.KindInitialize)
	net.deliverAll()
	return net
}

const (
	procA protocol.ProcessID = 0
	procB protocol.ProcessID = 1
	procC protocol.ProcessID = 2
)

func TestNewNodeIsUninitialized(t *testing.T) {
	n, _, _ := newTestNode(3)

	s := n.State()
	assert.Equal(t, protocol.ProcessID(3), s.ID)
	assert.Equal(t, PhaseUninitialized, s.Phase)
	assert.Equal(t, protocol.NoProcess, s.Holder)
	assert.Empty(t, s.Queue)
	assert.False(t, s.Using)
	assert.False(t, s.Asked)
}

func TestBootstrapStarterSchedulesInitialize(t *testing.T) {
	n, out, _ := newTestNode(0)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{1, 2}, Starter: true})

	assert.Equal(t, PhaseActive, n.Phase())
	assert.Equal(t, []protocol.ProcessID{1, 2}, n.State().Neighbors)
	assert.Equal(t, protocol.NoProcess, n.State().Holder)
	assert.Empty(t, out.sent)
	require.Len(t, out.after, 1)
	assert.Equal(t, testTiming().BootstrapDelay, out.after[0].d)
	assert.Equal(t, protocol.Initialize{From: 0}, out.after[0].msg)

	out.reset()
	n.Handle(protocol.Initialize{From: 0})
	assert.Equal(t, protocol.ProcessID(0), n.State().Holder)
	assert.Equal(t, []sentMessage{
		{to: 1, msg: protocol.Initialize{From: 0}},
		{to: 2, msg: protocol.Initialize{From: 0}},
	}, out.sent)
}

func TestInitializeForwardsAwayFromSender(t *testing.T) {
	n, out, _ := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 4, 9}})
	n.Handle(protocol.Initialize{From: 0})

	assert.Equal(t, protocol.ProcessID(0), n.State().Holder)
	assert.Equal(t, []sentMessage{
		{to: 4, msg: protocol.Initialize{From: 1}},
		{to: 9, msg: protocol.Initialize{From: 1}},
	}, out.sent)

	// A second flood does not re-orient.
	out.reset()
	n.Handle(protocol.Initialize{From: 4})
	assert.Equal(t, protocol.ProcessID(0), n.State().Holder)
	assert.Empty(t, out.sent)
}

func TestCrashBeforeOrientationStillForwardsFlood(t *testing.T) {
	tree, err := topology.Line(3)
	require.NoError(t, err)
	net := newNetwork(t, tree, procA)

	// B crashes and recovers before A's Initialize leaves.
	net.command(procB, protocol.CommandCrash)
	net.fire(procB, protocol.KindRecovery)
	net.deliverAll()
	require.Equal(t, PhaseActive, net.state(procB).Phase)
	require.Equal(t, procA, net.state(procB).Holder)

	net.fire(procA, protocol.KindInitialize)
	net.deliverAll()
	assert.Equal(t, procB, net.state(procC).Holder, "flood reaches past the recovered process")

	net.command(procC, protocol.CommandRequestCS)
	net.settle()
	assert.Equal(t, []protocol.ProcessID{procC}, net.entries)
	net.requireQuiescent()
}

func TestInitializeDuringRecoveryOverridesReconstruction(t *testing.T) {
	n, out, _ := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 2}})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})
	n.Handle(protocol.Recovery{})
	out.reset()

	n.Handle(protocol.Initialize{From: 2})
	assert.Equal(t, PhaseRecovering, n.Phase())
	assert.Equal(t, []sentMessage{{to: 0, msg: protocol.Initialize{From: 1}}}, out.sent)

	// Neither neighbor points to 1, so reconstruction alone would pick 0.
	n.Handle(protocol.Advise{From: 0})
	n.Handle(protocol.Advise{From: 2})
	s := n.State()
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Equal(t, protocol.ProcessID(2), s.Holder)
	assert.False(t, s.Asked)

	out.reset()
	n.Handle(protocol.Initialize{From: 0})
	assert.Equal(t, protocol.ProcessID(2), n.State().Holder)
	assert.Empty(t, out.sent)
}

func TestStarterCrashBeforeInitializeReorients(t *testing.T) {
	tree, err := topology.Line(3)
	require.NoError(t, err)
	net := newNetwork(t, tree, procA)

	net.command(procA, protocol.CommandCrash)
	net.fire(procA, protocol.KindInitialize)
	assert.Empty(t, net.flight, "initialize dropped while crashed")

	net.fire(procA, protocol.KindRecovery)
	net.deliverAll()
	assert.Equal(t, procA, net.state(procA).Holder)
	assert.Equal(t, procA, net.state(procB).Holder)
	assert.Equal(t, procB, net.state(procC).Holder)
	assert.Contains(t, net.warnings(), "initialize lost in crash, orienting from here")

	net.command(procC, protocol.CommandRequestCS)
	net.settle()
	assert.Equal(t, []protocol.ProcessID{procC}, net.entries)
	net.requireQuiescent()
}

func TestHandleMessageSkipsTraceBelowDebug(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	n := New(0, &recordingOutbox{}, WithTiming(testTiming()), WithLogger(logrus.NewEntry(logger)))

	env := core.NewEnvelope(protocol.NoProcess, 0, protocol.Bootstrap{Neighbors: []protocol.ProcessID{1}})
	require.NoError(t, n.HandleMessage(context.Background(), env))
	assert.Equal(t, PhaseActive, n.Phase())
	assert.Empty(t, hook.AllEntries())

	logger.SetLevel(logrus.DebugLevel)
	env = core.NewEnvelope(1, 0, protocol.Request{From: 1})
	require.NoError(t, n.HandleMessage(context.Background(), env))
	require.NotEmpty(t, hook.AllEntries())
	first := hook.AllEntries()[0]
	assert.Equal(t, "recv request(from=1)", first.Message)
	assert.Equal(t, env.ID.String(), first.Data["envelope"])
}

func TestMessagesBeforeBootstrapAreIgnored(t *testing.T) {
	n, out, hook := newTestNode(2)

	n.Handle(protocol.Request{From: 1})
	n.Handle(protocol.Command{Op: protocol.CommandRequestCS})
	n.Handle(protocol.Initialize{From: 1})

	assert.Equal(t, PhaseUninitialized, n.Phase())
	assert.Empty(t, n.State().Queue)
	assert.Empty(t, out.sent)
	assert.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDuplicateBootstrapIsIgnored(t *testing.T) {
	n, out, hook := newTestNode(0)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{1}, Starter: true})
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{2, 3}, Starter: true})

	assert.Equal(t, []protocol.ProcessID{1}, n.State().Neighbors)
	assert.Len(t, out.after, 1)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "duplicate bootstrap ignored", hook.LastEntry().Message)
}

func TestSingleProcessIsGrantedImmediately(t *testing.T) {
	n, out, _ := newTestNode(0)
	n.Handle(protocol.Bootstrap{Starter: true})

	assert.Equal(t, protocol.ProcessID(0), n.State().Holder, "holder from creation")
	assert.Empty(t, out.after)

	n.Handle(protocol.Command{Op: protocol.CommandRequestCS})
	assert.True(t, n.State().Using)
	assert.Empty(t, out.sent, "zero messages")
	require.Len(t, out.after, 1)
	assert.Equal(t, delayedMessage{d: testTiming().CriticalSection, msg: protocol.ExitCriticalSection{}}, out.after[0])

	n.Handle(protocol.ExitCriticalSection{})
	s := n.State()
	assert.False(t, s.Using)
	assert.Equal(t, protocol.ProcessID(0), s.Holder)
}

func TestSingleProcessCrashRecovery(t *testing.T) {
	n, out, _ := newTestNode(0)
	n.Handle(protocol.Bootstrap{Starter: true})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})

	assert.Equal(t, PhaseCrashed, n.Phase())
	require.Len(t, out.after, 1)
	assert.Equal(t, delayedMessage{d: testTiming().CrashDuration, msg: protocol.Recovery{}}, out.after[0])

	n.Handle(protocol.Recovery{})
	assert.Equal(t, PhaseActive, n.Phase())
	assert.Equal(t, protocol.ProcessID(0), n.State().Holder)
	assert.Empty(t, out.sent)
}

func TestScenarioA(t *testing.T) {
	net := lineABC(t)
	assert.Equal(t, procB, net.state(procA).Holder)
	assert.Equal(t, procB, net.state(procB).Holder)
	assert.Equal(t, procB, net.state(procC).Holder)

	net.command(procA, protocol.CommandRequestCS)
	require.Len(t, net.flight, 1)
	assert.Equal(t, packet{from: procA, to: procB, msg: protocol.Request{From: procA}}, net.flight[0])
	assert.True(t, net.state(procA).Asked)

	net.deliver(0)
	b := net.state(procB)
	assert.Equal(t, procA, b.Holder)
	assert.Empty(t, b.Queue)
	require.Len(t, net.flight, 1)
	assert.Equal(t, packet{from: procB, to: procA, msg: protocol.Privilege{From: procB}}, net.flight[0])

	net.deliver(0)
	a := net.state(procA)
	assert.Equal(t, procA, a.Holder)
	assert.True(t, a.Using)
	assert.False(t, a.Asked)
	assert.Equal(t, []protocol.ProcessID{procA}, net.entries)

	net.settle()
	net.requireQuiescent()
	assert.Equal(t, []protocol.ProcessID{procA}, net.holders())
}

func TestScenarioB(t *testing.T) {
	net := lineABC(t)

	net.command(procC, protocol.CommandRequestCS)
	assert.True(t, net.state(procC).Asked)

	// C goes down before its request leaves.
	net.flight = nil
	net.command(procC, protocol.CommandCrash)
	c := net.state(procC)
	assert.Equal(t, PhaseCrashed, c.Phase)
	assert.Equal(t, protocol.NoProcess, c.Holder)
	assert.Empty(t, c.Queue)

	net.fire(procC, protocol.KindRecovery)
	assert.Equal(t, PhaseRecovering, net.state(procC).Phase)
	require.Len(t, net.flight, 1)
	assert.Equal(t, packet{from: procC, to: procB, msg: protocol.Restart{From: procC}}, net.flight[0])

	net.deliver(0)
	require.Len(t, net.flight, 1)
	assert.Equal(t, protocol.Advise{From: procB, IsXHolder: false, IsXInRequestQueue: false, AskedY: false}, net.flight[0].msg)

	net.deliver(0)
	c = net.state(procC)
	assert.Equal(t, PhaseActive, c.Phase)
	assert.Equal(t, procB, c.Holder)
	assert.Empty(t, c.Queue)
	assert.False(t, c.Asked)
	assert.Empty(t, c.PendingAdvise)
	assert.Empty(t, net.entries, "lost request is not granted")

	net.requireQuiescent()

	// Reissued request goes through.
	net.command(procC, protocol.CommandRequestCS)
	net.deliverAll()
	assert.Equal(t, []protocol.ProcessID{procC}, net.entries)
}

func TestCrashedProcessDropsMessages(t *testing.T) {
	net := lineABC(t)
	net.command(procA, protocol.CommandCrash)

	net.command(procA, protocol.CommandRequestCS)
	net.nodes[procA].Handle(protocol.Request{From: procB})
	net.nodes[procA].Handle(protocol.Privilege{From: procB})
	net.nodes[procA].Handle(protocol.ExitCriticalSection{})

	a := net.state(procA)
	assert.Equal(t, PhaseCrashed, a.Phase)
	assert.Equal(t, protocol.NoProcess, a.Holder)
	assert.Empty(t, a.Queue)
	assert.Empty(t, net.flight)
}

func TestCrashWhileHoldingRecoversPrivilege(t *testing.T) {
	net := lineABC(t)

	net.command(procB, protocol.CommandRequestCS)
	assert.True(t, net.state(procB).Using)

	net.command(procB, protocol.CommandCrash)
	assert.Equal(t, 0, net.inCS)

	net.settle()
	net.requireQuiescent()
	assert.Equal(t, []protocol.ProcessID{procB}, net.holders())
}

func TestRestartIsAnsweredWithoutMutation(t *testing.T) {
	n, out, _ := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 2}})
	n.Handle(protocol.Initialize{From: 0})
	n.Handle(protocol.Request{From: 2})
	before := n.State()
	out.reset()

	n.Handle(protocol.Restart{From: 2})
	assert.Equal(t, before, n.State())
	assert.Equal(t, []sentMessage{{to: 2, msg: protocol.Advise{
		From: 1, IsXHolder: false, IsXInRequestQueue: true, AskedY: true,
	}}}, out.sent)

	out.reset()
	n.Handle(protocol.Restart{From: 0})
	assert.Equal(t, protocol.Advise{From: 1, IsXHolder: true, IsXInRequestQueue: false, AskedY: true}, out.sent[0].msg)
}

func TestAdviseOutsideRecoveryIsIgnored(t *testing.T) {
	n, _, hook := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0}})
	n.Handle(protocol.Advise{From: 0})

	assert.Equal(t, PhaseActive, n.Phase())
	assert.Empty(t, n.State().PendingAdvise)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestRecoveryCollectsAllNeighbors(t *testing.T) {
	n, out, hook := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 4, 9}})
	n.Handle(protocol.Initialize{From: 0})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})
	n.Handle(protocol.Recovery{})
	out.reset()

	n.Handle(protocol.Advise{From: 4, IsXHolder: true, AskedY: true})
	n.Handle(protocol.Advise{From: 7, IsXHolder: false})
	assert.Equal(t, PhaseRecovering, n.Phase())
	assert.Equal(t, []protocol.ProcessID{4}, n.State().PendingAdvise)
	assert.Equal(t, "advise from non-neighbor 7 ignored", hook.LastEntry().Message)

	n.Handle(protocol.Advise{From: 0, IsXHolder: false, IsXInRequestQueue: false})
	assert.Equal(t, PhaseRecovering, n.Phase())

	n.Handle(protocol.Advise{From: 9, IsXHolder: true, AskedY: false})
	s := n.State()
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Equal(t, protocol.ProcessID(0), s.Holder)
	assert.Empty(t, s.PendingAdvise)

	// Child 4 is queued again and a fresh request goes to the parent.
	assert.Equal(t, []protocol.ProcessID{4}, s.Queue)
	assert.True(t, s.Asked)
	assert.Equal(t, []sentMessage{{to: 0, msg: protocol.Request{From: 1}}}, out.sent)
}

func TestRequestDuringRecoveryIsReplayed(t *testing.T) {
	n, out, hook := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 2}})
	n.Handle(protocol.Initialize{From: 0})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})
	n.Handle(protocol.Recovery{})
	out.reset()

	n.Handle(protocol.Request{From: 2})
	assert.Equal(t, []protocol.ProcessID{2}, n.State().Queue)
	assert.Empty(t, out.sent, "no protocol action while recovering")

	n.Handle(protocol.Advise{From: 0, IsXHolder: false})
	n.Handle(protocol.Advise{From: 2, IsXHolder: true, AskedY: true})

	s := n.State()
	assert.Equal(t, []protocol.ProcessID{2}, s.Queue, "sender already known from advice")
	assert.Equal(t, []sentMessage{{to: 0, msg: protocol.Request{From: 1}}}, out.sent)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "request queue not empty at reconstruction: [2]" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestPrivilegeDuringRecoveryIsHonoured(t *testing.T) {
	n, out, _ := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 2}})
	n.Handle(protocol.Initialize{From: 0})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})
	n.Handle(protocol.Recovery{})
	out.reset()

	n.Handle(protocol.Privilege{From: 0})
	n.Handle(protocol.Request{From: 0})
	assert.Equal(t, PhaseRecovering, n.Phase())

	n.Handle(protocol.Advise{From: 0, IsXHolder: false, IsXInRequestQueue: true})
	n.Handle(protocol.Advise{From: 2, IsXHolder: true})

	s := n.State()
	assert.Equal(t, protocol.ProcessID(0), s.Holder, "privilege passed back to the waiting parent")
	assert.False(t, s.Asked)
	assert.Empty(t, s.Queue)
	assert.Equal(t, []sentMessage{{to: 0, msg: protocol.Privilege{From: 1}}}, out.sent)
}

func TestCommandsRejectedWhileRecovering(t *testing.T) {
	n, _, hook := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0}})
	n.Handle(protocol.Initialize{From: 0})
	n.Handle(protocol.Command{Op: protocol.CommandCrash})
	n.Handle(protocol.Recovery{})

	n.Handle(protocol.Command{Op: protocol.CommandRequestCS})
	assert.Empty(t, n.State().Queue)
	assert.Equal(t, "command(request) rejected in phase recovering", hook.LastEntry().Message)
}

func TestRequestBeforeOrientationWaits(t *testing.T) {
	n, out, _ := newTestNode(2)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{1}})

	n.Handle(protocol.Command{Op: protocol.CommandRequestCS})
	assert.Empty(t, out.sent)
	assert.False(t, n.State().Asked)

	n.Handle(protocol.Initialize{From: 1})
	assert.Equal(t, []sentMessage{{to: 1, msg: protocol.Request{From: 2}}}, out.sent)
	assert.True(t, n.State().Asked)
}

func TestAskedSuppressesDuplicateRequests(t *testing.T) {
	n, out, _ := newTestNode(1)
	n.Handle(protocol.Bootstrap{Neighbors: []protocol.ProcessID{0, 2, 3}})
	n.Handle(protocol.Initialize{From: 0})
	out.reset()

	n.Handle(protocol.Request{From: 2})
	n.Handle(protocol.Request{From: 3})
	n.Handle(protocol.Command{Op: protocol.CommandRequestCS})

	assert.Equal(t, []protocol.ProcessID{2, 3, 1}, n.State().Queue)
	assert.Equal(t, []sentMessage{{to: 0, msg: protocol.Request{From: 1}}}, out.sent)
}

func TestFIFOGrantOrder(t *testing.T) {
	tree, err := topology.Star(4, 0)
	require.NoError(t, err)
	net := newNetwork(t, tree, 0)
	net.fire(0, protocol.KindInitialize)
	net.deliverAll()

	net.command(0, protocol.CommandRequestCS)
	net.command(3, protocol.CommandRequestCS)
	net.command(1, protocol.CommandRequestCS)
	net.command(2, protocol.CommandRequestCS)
	net.settle()

	assert.Equal(t, []protocol.ProcessID{0, 3, 1, 2}, net.entries)
	assert.Equal(t, 1, net.maxInCS)
	net.requireQuiescent()
}

func TestStaleExitAfterRecovery(t *testing.T) {
	net := lineABC(t)
	net.command(procB, protocol.CommandRequestCS)
	net.command(procB, protocol.CommandCrash)
	net.fire(procB, protocol.KindRecovery)
	net.deliverAll()
	require.Equal(t, PhaseActive, net.state(procB).Phase)

	// The critical-section timer from before the crash still fires.
	net.fire(procB, protocol.KindExitCriticalSection)
	net.requireQuiescent()
	assert.False(t, net.state(procB).Using)
}

func TestRandomSchedulesKeepMutualExclusion(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		tree, err := topology.Sample(10)
		require.NoError(t, err)

		net := newNetwork(t, tree, 0)
		net.settleRandom(rng)
		net.requireQuiescent()

		want := map[protocol.ProcessID]int{}
		for round := 0; round < 5; round++ {
			for i := 0; i < 6; i++ {
				id := protocol.ProcessID(rng.Intn(10))
				net.command(id, protocol.CommandRequestCS)
				want[id]++
				for j := rng.Intn(4); j > 0 && len(net.flight) > 0; j-- {
					net.deliverRandom(rng)
				}
			}
			net.settleRandom(rng)
			require.Equal(t, 1, net.maxInCS, "seed %d", seed)
			net.requireQuiescent()
		}

		got := map[protocol.ProcessID]int{}
		for _, id := range net.entries {
			got[id]++
		}
		assert.Equal(t, want, got, "every request granted, seed %d", seed)
	}
}

func TestCrashAndRecoverInQuiescentStates(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		tree, err := topology.KAry(12, 2)
		require.NoError(t, err)

		net := newNetwork(t, tree, 5)
		net.settle()

		for round := 0; round < 4; round++ {
			victim := protocol.ProcessID(rng.Intn(12))
			net.command(victim, protocol.CommandCrash)
			net.settleRandom(rng)
			net.requireQuiescent()

			entries := len(net.entries)
			requester := protocol.ProcessID(rng.Intn(12))
			net.command(requester, protocol.CommandRequestCS)
			net.settleRandom(rng)
			require.Len(t, net.entries, entries+1, "seed %d", seed)
			assert.Equal(t, requester, net.entries[len(net.entries)-1])
			net.requireQuiescent()
		}
		assert.Empty(t, net.warnings(), "seed %d", seed)
		assert.LessOrEqual(t, net.maxInCS, 1)
	}
}
