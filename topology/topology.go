// Package topology builds the static spanning tree that carries all protocol traffic.
package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/najoast/treemx/protocol"
	"golang.org/x/exp/slices"
)

// Errors returned by tree construction and validation.
var (
	ErrEmptyTree     = errors.New("tree has no processes")
	ErrOutOfRange    = errors.New("process id out of range")
	ErrSelfLoop      = errors.New("edge connects a process to itself")
	ErrDuplicateEdge = errors.New("duplicate edge")
	ErrCycle         = errors.New("edges contain a cycle")
	ErrDisconnected  = errors.New("tree is not connected")
	ErrUnknownShape  = errors.New("unknown topology shape")
	ErrInvalidFanout = errors.New("fanout must be at least 1")
	ErrInvalidCenter = errors.New("star center out of range")
)

// Edge is an undirected tree edge.
type Edge [2]protocol.ProcessID

// Tree is an adjacency structure over processes 0..N-1. It is read-only once built.
type Tree struct {
	adj [][]protocol.ProcessID
}

// Size returns the number of processes.
func (t *Tree) Size() int {
	return len(t.adj)
}

// Neighbors returns a copy of the ordered neighbor list of id.
func (t *Tree) Neighbors(id protocol.ProcessID) []protocol.ProcessID {
	if !t.Contains(id) {
		return nil
	}
	out := make([]protocol.ProcessID, len(t.adj[id]))
	copy(out, t.adj[id])
	return out
}

// Contains reports whether id names a process of the tree.
func (t *Tree) Contains(id protocol.ProcessID) bool {
	return id >= 0 && int(id) < len(t.adj)
}

// IDs returns all process ids in ascending order.
func (t *Tree) IDs() []protocol.ProcessID {
	ids := make([]protocol.ProcessID, len(t.adj))
	for i := range ids {
		ids[i] = protocol.ProcessID(i)
	}
	return ids
}

// Edges returns each edge once, smaller endpoint first, sorted.
func (t *Tree) Edges() []Edge {
	var edges []Edge
	for u, ns := range t.adj {
		for _, v := range ns {
			if protocol.ProcessID(u) < v {
				edges = append(edges, Edge{protocol.ProcessID(u), v})
			}
		}
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if a[0] != b[0] {
			return int(a[0]) - int(b[0])
		}
		return int(a[1]) - int(b[1])
	})
	return edges
}

// String renders one adjacency list per line.
func (t *Tree) String() string {
	var b strings.Builder
	for u, ns := range t.adj {
		fmt.Fprintf(&b, "%d: %v\n", u, ns)
	}
	return b.String()
}

// FromEdges builds and validates a tree over n processes.
func FromEdges(n int, edges []Edge) (*Tree, error) {
	if n <= 0 {
		return nil, ErrEmptyTree
	}
	if len(edges) != n-1 {
		// A tree over n vertices has exactly n-1 edges; report the precise
		// defect below when possible.
		if err := checkEdges(n, edges); err != nil {
			return nil, err
		}
		if len(edges) > n-1 {
			return nil, ErrCycle
		}
		return nil, ErrDisconnected
	}
	if err := checkEdges(n, edges); err != nil {
		return nil, err
	}

	t := &Tree{adj: make([][]protocol.ProcessID, n)}
	for _, e := range edges {
		t.adj[e[0]] = append(t.adj[e[0]], e[1])
		t.adj[e[1]] = append(t.adj[e[1]], e[0])
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func checkEdges(n int, edges []Edge) error {
	seen := make(map[Edge]struct{}, len(edges))
	uf := newUnionFind(n)
	for _, e := range edges {
		u, v := e[0], e[1]
		if u < 0 || int(u) >= n || v < 0 || int(v) >= n {
			return fmt.Errorf("%w: edge %d-%d with %d processes", ErrOutOfRange, u, v, n)
		}
		if u == v {
			return fmt.Errorf("%w: %d", ErrSelfLoop, u)
		}
		key := Edge{min(u, v), max(u, v)}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %d-%d", ErrDuplicateEdge, key[0], key[1])
		}
		seen[key] = struct{}{}
		if !uf.union(int(u), int(v)) {
			return fmt.Errorf("%w: closing edge %d-%d", ErrCycle, u, v)
		}
	}
	return nil
}

// Validate checks that the adjacency structure is symmetric, connected and acyclic.
func (t *Tree) Validate() error {
	n := len(t.adj)
	if n == 0 {
		return ErrEmptyTree
	}
	var edges []Edge
	for u, ns := range t.adj {
		for _, v := range ns {
			if !t.Contains(v) {
				return fmt.Errorf("%w: neighbor %d of %d", ErrOutOfRange, v, u)
			}
			if !slices.Contains(t.adj[v], protocol.ProcessID(u)) {
				return fmt.Errorf("edge %d-%d is not symmetric", u, v)
			}
			if protocol.ProcessID(u) < v {
				edges = append(edges, Edge{protocol.ProcessID(u), v})
			}
		}
	}
	if err := checkEdges(n, edges); err != nil {
		return err
	}
	if len(edges) != n-1 {
		return ErrDisconnected
	}
	return nil
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union merges the sets of a and b and reports false if they were already joined.
func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	u.parent[ra] = rb
	return true
}
