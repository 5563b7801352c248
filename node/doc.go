// Package node implements the per-process state machine of Raymond's
// tree-based mutual exclusion algorithm, extended with crash recovery.
//
// A process knows only its tree neighbors and which of them lies in the
// direction of the privilege (its holder). Requests travel toward the
// holder, the privilege travels back along the same edges. A crashed
// process loses all of this and rebuilds it from one Advise reply per
// neighbor, see Reconstruct.
//
// Node has no goroutines of its own. It is driven by Handle, and talks to
// the outside world through an Outbox, so tests can step it message by
// message.
package node
