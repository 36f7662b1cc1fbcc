// Package spatial provides the nearest-neighbor index over concept
// coordinates: a balanced k-d tree built from point-in-time snapshots of the
// terrain. The tree is never updated in place — it is rebuilt on a schedule
// and swapped in atomically, so queries may serve slightly stale neighbors
// between rebuilds.
package spatial

import (
	"container/heap"
	"math"
	"sort"
)

// Point is one concept coordinate in a snapshot.
type Point struct {
	Key string
	X   int
	Y   int
}

// Neighbor is a query result: a key and its euclidean distance from the
// query point.
type Neighbor struct {
	Key      string
	Distance float64
}

// Tree is a balanced 2-d tree built by median split on alternating axes.
// Construction is O(n log n); queries are O(log n) average, O(n) worst case
// for degenerate distributions. A Tree is immutable after Build and safe for
// concurrent queries.
type Tree struct {
	root *treeNode
	size int
}

type treeNode struct {
	pt          Point
	left, right *treeNode
}

// Build constructs a tree from a snapshot of points. The input slice is
// copied; the caller may reuse it.
func Build(points []Point) *Tree {
	pts := make([]Point, len(points))
	copy(pts, points)
	return &Tree{
		root: build(pts, 0),
		size: len(pts),
	}
}

func build(pts []Point, depth int) *treeNode {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 2
	sort.Slice(pts, func(i, j int) bool {
		if axis == 0 {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	m := len(pts) / 2
	return &treeNode{
		pt:    pts[m],
		left:  build(pts[:m], depth+1),
		right: build(pts[m+1:], depth+1),
	}
}

// Len returns the number of indexed points.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

func dist(pt Point, x, y float64) float64 {
	dx := float64(pt.X) - x
	dy := float64(pt.Y) - y
	return math.Sqrt(dx*dx + dy*dy)
}

// QueryRadius returns all points within r of (x, y), ordered nearest first.
func (t *Tree) QueryRadius(x, y, r float64) []Neighbor {
	if t == nil || t.root == nil || r < 0 {
		return nil
	}
	var out []Neighbor
	queryRadius(t.root, x, y, r, 0, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

func queryRadius(n *treeNode, x, y, r float64, depth int, out *[]Neighbor) {
	if n == nil {
		return
	}
	if d := dist(n.pt, x, y); d <= r {
		*out = append(*out, Neighbor{Key: n.pt.Key, Distance: d})
	}

	var delta float64
	if depth%2 == 0 {
		delta = x - float64(n.pt.X)
	} else {
		delta = y - float64(n.pt.Y)
	}

	near, far := n.left, n.right
	if delta > 0 {
		near, far = far, near
	}
	queryRadius(near, x, y, r, depth+1, out)
	if math.Abs(delta) <= r {
		queryRadius(far, x, y, r, depth+1, out)
	}
}

// QueryKNN returns the k nearest points to (x, y), ordered nearest first.
func (t *Tree) QueryKNN(x, y float64, k int) []Neighbor {
	if t == nil || t.root == nil || k <= 0 {
		return nil
	}
	h := &neighborHeap{}
	queryKNN(t.root, x, y, k, 0, h)

	out := make([]Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Neighbor)
	}
	return out
}

func queryKNN(n *treeNode, x, y float64, k, depth int, h *neighborHeap) {
	if n == nil {
		return
	}
	d := dist(n.pt, x, y)
	if h.Len() < k {
		heap.Push(h, Neighbor{Key: n.pt.Key, Distance: d})
	} else if d < (*h)[0].Distance {
		heap.Pop(h)
		heap.Push(h, Neighbor{Key: n.pt.Key, Distance: d})
	}

	var delta float64
	if depth%2 == 0 {
		delta = x - float64(n.pt.X)
	} else {
		delta = y - float64(n.pt.Y)
	}

	near, far := n.left, n.right
	if delta > 0 {
		near, far = far, near
	}
	queryKNN(near, x, y, k, depth+1, h)
	// The far side can only help while the heap is short or the splitting
	// plane is closer than the current worst neighbor.
	if h.Len() < k || math.Abs(delta) < (*h)[0].Distance {
		queryKNN(far, x, y, k, depth+1, h)
	}
}

// neighborHeap is a max-heap by distance: the worst candidate sits on top
// and gets evicted first.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int            { return len(h) }
func (h neighborHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h neighborHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(v interface{}) { *h = append(*h, v.(Neighbor)) }
func (h *neighborHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
