// Package hyper implements sign-based random projection (SimHash) from dense
// float embeddings to fixed-width binary hypervectors. Similarity between two
// hypervectors is the normalized Hamming distance, which is orders of
// magnitude cheaper than a dot product over the source embeddings.
package hyper

import (
	"fmt"
	"math/bits"
	"math/rand"
)

// BitVector is a fixed-width binary hypervector packed into uint64 words.
type BitVector []uint64

// Encoder projects embeddings onto a fixed random hyperplane set and keeps
// only the signs. The projection matrix is derived from a seed, so the same
// seed always yields the same projections — the seed is what gets persisted,
// not the matrix.
//
// Encoder has no mutable state after construction and is safe for
// unsynchronized concurrent use.
type Encoder struct {
	inputDim int
	bits     int
	seed     int64

	// projection is row-major: bits rows of inputDim gaussian components.
	projection []float64
}

// NewEncoder builds the projection matrix for the given dimensions and seed.
func NewEncoder(inputDim, hashBits int, seed int64) (*Encoder, error) {
	if inputDim <= 0 {
		return nil, fmt.Errorf("input dim must be positive, got %d", inputDim)
	}
	if hashBits <= 0 || hashBits%64 != 0 {
		return nil, fmt.Errorf("hash bits must be a positive multiple of 64, got %d", hashBits)
	}

	rng := rand.New(rand.NewSource(seed))
	proj := make([]float64, hashBits*inputDim)
	for i := range proj {
		proj[i] = rng.NormFloat64()
	}

	return &Encoder{
		inputDim:   inputDim,
		bits:       hashBits,
		seed:       seed,
		projection: proj,
	}, nil
}

// Bits returns the hypervector width.
func (e *Encoder) Bits() int { return e.bits }

// InputDim returns the expected embedding dimensionality.
func (e *Encoder) InputDim() int { return e.inputDim }

// Seed returns the projection seed, persisted in snapshots so projections
// stay stable across restarts.
func (e *Encoder) Seed() int64 { return e.seed }

// Encode converts an embedding into a hypervector: one bit per hyperplane,
// set when the projected component is positive.
func (e *Encoder) Encode(embedding []float64) (BitVector, error) {
	if len(embedding) != e.inputDim {
		return nil, fmt.Errorf("embedding dim %d, want %d", len(embedding), e.inputDim)
	}

	vec := make(BitVector, e.bits/64)
	for b := 0; b < e.bits; b++ {
		row := e.projection[b*e.inputDim : (b+1)*e.inputDim]
		var dot float64
		for i, v := range embedding {
			dot += row[i] * v
		}
		if dot > 0 {
			vec[b/64] |= 1 << (b % 64)
		}
	}
	return vec, nil
}

// Distance returns the normalized Hamming distance between two hypervectors:
// 0.0 identical, 0.5 orthogonal (unrelated), 1.0 opposite. Mismatched or nil
// vectors are maximally distant.
func Distance(a, b BitVector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1.0
	}
	diff := 0
	for i := range a {
		diff += bits.OnesCount64(a[i] ^ b[i])
	}
	return float64(diff) / float64(len(a)*64)
}

// Similarity is 1 − Distance.
func Similarity(a, b BitVector) float64 {
	return 1.0 - Distance(a, b)
}

// Clone returns an independent copy of the vector.
func (v BitVector) Clone() BitVector {
	if v == nil {
		return nil
	}
	out := make(BitVector, len(v))
	copy(out, v)
	return out
}
