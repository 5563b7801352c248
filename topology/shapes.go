package topology

import (
	"fmt"
	"strings"

	"github.com/najoast/treemx/protocol"
)

// Shape names accepted by Build.
const (
	ShapeLine   = "line"
	ShapeStar   = "star"
	ShapeKAry   = "kary"
	ShapeSample = "sample"
	ShapeEdges  = "edges"
)

// Line connects process i to i+1.
func Line(n int) (*Tree, error) {
	if n <= 0 {
		return nil, ErrEmptyTree
	}
	edges := make([]Edge, 0, n-1)
	for i := 1; i < n; i++ {
		edges = append(edges, Edge{protocol.ProcessID(i - 1), protocol.ProcessID(i)})
	}
	return FromEdges(n, edges)
}

// Star connects every process to center.
func Star(n int, center protocol.ProcessID) (*Tree, error) {
	if n <= 0 {
		return nil, ErrEmptyTree
	}
	if center < 0 || int(center) >= n {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCenter, center)
	}
	edges := make([]Edge, 0, n-1)
	for i := 0; i < n; i++ {
		if protocol.ProcessID(i) != center {
			edges = append(edges, Edge{center, protocol.ProcessID(i)})
		}
	}
	return FromEdges(n, edges)
}

// KAry builds a balanced tree where process i is the parent of k*i+1 .. k*i+k.
func KAry(n, k int) (*Tree, error) {
	if n <= 0 {
		return nil, ErrEmptyTree
	}
	if k < 1 {
		return nil, ErrInvalidFanout
	}
	edges := make([]Edge, 0, n-1)
	for i := 1; i < n; i++ {
		parent := (i - 1) / k
		edges = append(edges, Edge{protocol.ProcessID(parent), protocol.ProcessID(i)})
	}
	return FromEdges(n, edges)
}

// sampleEdges is the ten-process tree used by the reference deployment.
var sampleEdges = []Edge{
	{0, 1}, {0, 2}, {0, 3},
	{1, 4}, {1, 9},
	{2, 5}, {2, 6},
	{3, 7}, {3, 8},
}

// Sample returns the reference ten-process tree, or a ternary tree for other sizes.
func Sample(n int) (*Tree, error) {
	if n == 10 {
		return FromEdges(n, sampleEdges)
	}
	return KAry(n, 3)
}

// Build dispatches on a shape name. fanout is the branching factor for
// "kary" and the center for "star"; edges is used by "edges".
func Build(shape string, n, fanout int, edges []Edge) (*Tree, error) {
	switch strings.ToLower(strings.TrimSpace(shape)) {
	case ShapeLine:
		return Line(n)
	case ShapeStar:
		return Star(n, protocol.ProcessID(fanout))
	case ShapeKAry, "":
		if fanout == 0 {
			fanout = 2
		}
		return KAry(n, fanout)
	case ShapeSample:
		return Sample(n)
	case ShapeEdges:
		return FromEdges(n, edges)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownShape, shape)
	}
}
