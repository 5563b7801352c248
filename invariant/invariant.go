// Package invariant checks global properties over a set of process snapshots.
//
// MutualExclusion holds at every instant but needs a consistent cut of all
// processes. AtRest checks describe a quiescent system (no message in
// flight, no process recovering) and are bundled by Quiescent.
package invariant

import (
	"errors"
	"fmt"

	"github.com/najoast/treemx/node"
	"github.com/najoast/treemx/protocol"
	"golang.org/x/exp/slices"
)

// Check inspects snapshots and returns an error describing a violation.
type Check func(states ...node.State) error

// MutualExclusion verifies that at most one process is in the critical section.
func MutualExclusion(states ...node.State) error {
	var using []protocol.ProcessID
	for _, s := range states {
		if s.Using {
			using = append(using, s.ID)
		}
	}
	if len(using) > 1 {
		return fmt.Errorf("mutual exclusion: processes %v are in the critical section together", using)
	}
	return nil
}

// SingleHolder verifies that exactly one process points its holder at itself.
func SingleHolder(states ...node.State) error {
	var roots []protocol.ProcessID
	for _, s := range states {
		if s.Holder == s.ID {
			roots = append(roots, s.ID)
		}
	}
	switch len(roots) {
	case 1:
		return nil
	case 0:
		return errors.New("single holder: no process holds the privilege")
	default:
		return fmt.Errorf("single holder: processes %v all hold the privilege", roots)
	}
}

// AcyclicHolders verifies that following holder pointers from any process
// ends at a process pointing to itself.
func AcyclicHolders(states ...node.State) error {
	holder := make(map[protocol.ProcessID]protocol.ProcessID, len(states))
	for _, s := range states {
		holder[s.ID] = s.Holder
	}

	for _, s := range states {
		seen := make(map[protocol.ProcessID]bool)
		cur := s.ID
		for {
			next, ok := holder[cur]
			if !ok || next == protocol.NoProcess {
				return fmt.Errorf("acyclic holders: path from %s ends at %s with no holder", s.ID, cur)
			}
			if next == cur {
				break
			}
			if seen[cur] {
				return fmt.Errorf("acyclic holders: path from %s loops through %s", s.ID, cur)
			}
			seen[cur] = true
			cur = next
		}
	}
	return nil
}

// HolderIsNeighbor verifies that every holder pointer follows a tree edge.
func HolderIsNeighbor(states ...node.State) error {
	for _, s := range states {
		if s.Holder == s.ID || s.Holder == protocol.NoProcess {
			continue
		}
		if !slices.Contains(s.Neighbors, s.Holder) {
			return fmt.Errorf("holder is neighbor: process %s points to non-neighbor %s", s.ID, s.Holder)
		}
	}
	return nil
}

// AdviseOnlyWhileRecovering verifies that no process outside recovery keeps advice.
func AdviseOnlyWhileRecovering(states ...node.State) error {
	for _, s := range states {
		if s.Phase != node.PhaseRecovering && len(s.PendingAdvise) > 0 {
			return fmt.Errorf("advise only while recovering: process %s is %s with advice from %v",
				s.ID, s.Phase, s.PendingAdvise)
		}
	}
	return nil
}

// AllActive verifies that every process is Active.
func AllActive(states ...node.State) error {
	for _, s := range states {
		if s.Phase != node.PhaseActive {
			return fmt.Errorf("all active: process %s is %s", s.ID, s.Phase)
		}
	}
	return nil
}

// PerProcess lists checks that look at each process in isolation. They are
// valid on snapshots taken one process at a time.
var PerProcess = []Check{
	HolderIsNeighbor,
	AdviseOnlyWhileRecovering,
}

// Always lists the checks that must hold at any instant.
var Always = append([]Check{MutualExclusion}, PerProcess...)

// AtRest lists the checks that hold once the system has quiesced.
var AtRest = []Check{
	AllActive,
	SingleHolder,
	AcyclicHolders,
}

// Run applies checks to states and joins every violation.
func Run(checks []Check, states ...node.State) error {
	var errs []error
	for _, check := range checks {
		if err := check(states...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instant runs the checks valid at any instant.
func Instant(states ...node.State) error {
	return Run(Always, states...)
}

// Quiescent runs every check. Only meaningful with no message in flight.
func Quiescent(states ...node.State) error {
	return errors.Join(Run(Always, states...), Run(AtRest, states...))
}
