// Package ebee implements the embedding-based eviction engine: a cache
// eviction policy that replaces recency heuristics with a learned,
// low-dimensional embedding of each item's access context, scored against a
// process-wide rolling average of recently touched embeddings.
package ebee

import (
	"math"
	"math/rand/v2"
)

// Dim is the embedding dimension, fixed at compile time.
const Dim = 16

// Embedding is a unit-normalized vector summarizing an item's access
// context. The zero value is the zero vector, which is never a valid
// tracked embedding (see normalized).
type Embedding [Dim]float32

// randomEmbedding returns a fresh random vector in [-1,1]^Dim, unit
// normalized. Used to initialize an entry the first time an item is seen.
func randomEmbedding(rng *rand.Rand) Embedding {
	var e Embedding
	for i := range e {
		e[i] = float32(rng.Float64()*2 - 1)
	}
	return e.normalized(rng)
}

// normalized returns e scaled to unit length. If e's norm is zero or too
// small to safely divide by, a fresh random vector is returned instead.
func (e Embedding) normalized(rng *rand.Rand) Embedding {
	var sumSq float64
	for _, v := range e {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		return randomEmbedding(rng)
	}
	inv := float32(1 / norm)
	var out Embedding
	for i, v := range e {
		out[i] = v * inv
	}
	return out
}

// add returns the component-wise sum of e and other.
func (e Embedding) add(other Embedding) Embedding {
	var out Embedding
	for i := range e {
		out[i] = e[i] + other[i]
	}
	return out
}

// scale returns e with every component multiplied by s.
func (e Embedding) scale(s float32) Embedding {
	var out Embedding
	for i := range e {
		out[i] = e[i] * s
	}
	return out
}

// sub returns the component-wise difference e - other.
func (e Embedding) sub(other Embedding) Embedding {
	var out Embedding
	for i := range e {
		out[i] = e[i] - other[i]
	}
	return out
}

// dot returns the dot product of e and other.
func (e Embedding) dot(other Embedding) float32 {
	var sum float32
	for i := range e {
		sum += e[i] * other[i]
	}
	return sum
}

// cosineSimilarity scores e against other by their dot product. Stored
// embeddings are unit vectors, but the rolling average passed as other is a
// mean of unit vectors and is generally shorter than unit length, so the
// result is the cosine scaled by other's norm. Within one eviction every
// candidate is scored against the same average, so the ranking matches a
// true cosine ranking whenever that average is non-zero.
func (e Embedding) cosineSimilarity(other Embedding) float32 {
	return e.dot(other)
}
