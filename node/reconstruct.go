package node

import (
	"fmt"

	"github.com/najoast/treemx/protocol"
	"golang.org/x/exp/slices"
)

// Reconstruction is the protocol state a recovering process derives from
// its neighbors' advice.
type Reconstruction struct {
	Holder protocol.ProcessID
	Asked  bool
	Queue  []protocol.ProcessID

	// Anomalies lists inconsistencies found in the advice set.
	Anomalies []string
}

// Reconstruct rebuilds holder, asked and queue for self.
//
// A neighbor that does not point to self lies on the path to the privilege,
// so it becomes the holder. Neighbors that do point to self and have an
// outstanding request are queued in neighbor order. When more than one
// neighbor claims not to point to self, the first one in neighbor order wins
// and the rest are reported as anomalies. Neighbors with no advice entry are
// skipped. The result depends only on the arguments.
func Reconstruct(self protocol.ProcessID, neighbors []protocol.ProcessID, advice map[protocol.ProcessID]protocol.Advise) Reconstruction {
	r := Reconstruction{Holder: self}

	for _, nb := range neighbors {
		a, ok := advice[nb]
		if !ok {
			r.Anomalies = append(r.Anomalies, fmt.Sprintf("no advice from neighbor %s", nb))
			continue
		}

		if !a.IsXHolder {
			if r.Holder != self {
				r.Anomalies = append(r.Anomalies, fmt.Sprintf(
					"neighbor %s also does not point to %s, keeping holder %s", nb, self, r.Holder))
				continue
			}
			r.Holder = nb
			r.Asked = a.IsXInRequestQueue
			continue
		}

		if a.AskedY {
			r.Queue = append(r.Queue, nb)
		}
	}

	var strangers []protocol.ProcessID
	for id := range advice {
		if !slices.Contains(neighbors, id) {
			strangers = append(strangers, id)
		}
	}
	slices.Sort(strangers)
	for _, id := range strangers {
		r.Anomalies = append(r.Anomalies, fmt.Sprintf("advice from non-neighbor %s", id))
	}

	return r
}
