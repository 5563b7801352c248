package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/najoast/treemx/protocol"
	"golang.org/x/exp/slices"
)

// router implements the Router interface.
type router struct {
	// Map of process id to Actor instance
	actors sync.Map // map[protocol.ProcessID]Actor
}

// NewRouter creates an empty directory. It is built once at startup and
// handed to whoever needs to resolve process ids.
func NewRouter() Router {
	return &router{}
}

// Register adds an Actor to the routing table.
func (r *router) Register(actor Actor) error {
	if actor == nil {
		return fmt.Errorf("cannot register nil actor")
	}

	id := actor.ID()
	if _, exists := r.actors.LoadOrStore(id, actor); exists {
		return fmt.Errorf("process %s already registered", id)
	}

	return nil
}

// Unregister removes an Actor from the routing table.
func (r *router) Unregister(id protocol.ProcessID) error {
	if _, exists := r.actors.LoadAndDelete(id); !exists {
		return fmt.Errorf("process %s: %w", id, ErrUnknownProcess)
	}

	return nil
}

// Route delivers the envelope to its target Actor.
func (r *router) Route(env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	actor, exists := r.actors.Load(env.To)
	if !exists {
		return fmt.Errorf("target process %s: %w", env.To, ErrUnknownProcess)
	}

	return actor.(Actor).Send(env)
}

// RouteWait delivers the envelope, waiting while the target's mailbox is full.
func (r *router) RouteWait(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	actor, exists := r.actors.Load(env.To)
	if !exists {
		return fmt.Errorf("target process %s: %w", env.To, ErrUnknownProcess)
	}

	return actor.(Actor).SendWait(ctx, env)
}

// Lookup finds an Actor by its process id.
func (r *router) Lookup(id protocol.ProcessID) (Actor, bool) {
	if actor, exists := r.actors.Load(id); exists {
		return actor.(Actor), true
	}
	return nil, false
}

// List returns all registered process ids in ascending order.
func (r *router) List() []protocol.ProcessID {
	var ids []protocol.ProcessID

	r.actors.Range(func(key, value interface{}) bool {
		ids = append(ids, key.(protocol.ProcessID))
		return true
	})

	slices.Sort(ids)
	return ids
}
