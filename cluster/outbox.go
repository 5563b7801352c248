package cluster

import (
	"sync/atomic"
	"time"

	"github.com/najoast/treemx/core"
	"github.com/najoast/treemx/protocol"
)

// outbox connects one process to the router and to its own timers.
type outbox struct {
	host *host
	id   protocol.ProcessID
	self core.Actor
}

// Send waits while the target's mailbox is full. Protocol messages are
// never retransmitted.
func (o *outbox) Send(to protocol.ProcessID, msg protocol.Message) {
	env := core.NewEnvelope(o.id, to, msg)
	if err := o.host.router.RouteWait(o.host.ctx, env); err != nil {
		atomic.AddUint64(&o.host.undelivered, 1)
		o.host.log.WithError(err).WithField("process", int(o.id)).
			Warnf("could not deliver %s", protocol.Describe(msg))
		return
	}
	atomic.AddUint64(&o.host.delivered, 1)
}

func (o *outbox) After(d time.Duration, msg protocol.Message) {
	o.self.Schedule(d, core.NewEnvelope(o.id, o.id, msg))
}
