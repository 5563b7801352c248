package cluster

import (
	"context"

	"github.com/najoast/treemx/invariant"
)

func (h *host) Check(ctx context.Context) error {
	states, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}
	return invariant.Run(invariant.PerProcess, states...)
}
