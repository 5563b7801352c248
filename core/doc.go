// Package core implements the actor runtime that hosts protocol processes.
//
// Every process is an Actor with its own mailbox and goroutine. Messages and
// fired timers are handled strictly one at a time, to completion, which is the
// only synchronization the protocol state machine relies on. The Router is the
// identity directory: it resolves a ProcessID to the actor that owns it.
package core
