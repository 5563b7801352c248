package core

import "errors"

// Delivery errors
var (
	ErrActorStopped   = errors.New("actor is not running")
	ErrMailboxFull    = errors.New("mailbox is full")
	ErrUnknownProcess = errors.New("unknown process")
	ErrNilEnvelope    = errors.New("nil envelope")
	ErrAlreadyStarted = errors.New("actor already started")
)
