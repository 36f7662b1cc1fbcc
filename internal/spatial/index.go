package spatial

import "sync/atomic"

// Index publishes tree generations. Rebuilds construct a fresh tree off a
// read-only snapshot and swap it in atomically; in-flight queries keep using
// the generation they started with. The index is derived, disposable state —
// never authoritative.
type Index struct {
	current atomic.Pointer[Tree]
	rebuilt atomic.Int64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{}
}

// Rebuild constructs the next generation from a snapshot and publishes it.
// Returns the number of indexed points.
func (ix *Index) Rebuild(points []Point) int {
	t := Build(points)
	ix.current.Store(t)
	ix.rebuilt.Add(1)
	return t.Len()
}

// QueryRadius queries the current generation. An index that has never been
// rebuilt returns no neighbors.
func (ix *Index) QueryRadius(x, y, r float64) []Neighbor {
	return ix.current.Load().QueryRadius(x, y, r)
}

// QueryKNN queries the current generation.
func (ix *Index) QueryKNN(x, y float64, k int) []Neighbor {
	return ix.current.Load().QueryKNN(x, y, k)
}

// Len returns the point count of the current generation.
func (ix *Index) Len() int {
	return ix.current.Load().Len()
}

// Generations returns how many rebuilds have been published.
func (ix *Index) Generations() int64 {
	return ix.rebuilt.Load()
}
