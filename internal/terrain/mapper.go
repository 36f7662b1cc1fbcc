package terrain

import "hash/fnv"

// Mapper deterministically assigns grid coordinates to concept keys.
//
// The same key always maps to the same cell, across calls and across process
// restarts. Two different keys may land on the same cell; both are accepted
// there and share the cell's elevation (the associative gravity well — a
// design decision, not a collision error).
type Mapper struct {
	size int
}

// NewMapper creates a mapper for a size×size grid.
func NewMapper(size int) *Mapper {
	return &Mapper{size: size}
}

// Place computes the coordinate for a key: FNV-1a over the key, low 32 bits
// folded into x, high 32 bits into y. Pure function, never blocks.
func (m *Mapper) Place(key string) (x, y int) {
	h := fnv.New64a()
	h.Write([]byte(key))
	sum := h.Sum64()
	x = int(uint32(sum) % uint32(m.size))
	y = int(uint32(sum>>32) % uint32(m.size))
	return x, y
}
