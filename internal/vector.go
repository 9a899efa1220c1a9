package internal

import (
	"fmt"
	"math"
)

// normFloor is the smallest pre-normalization norm accepted for an FFA vector.
const normFloor = 1e-8

// NormTolerance bounds how far a stored embedding may drift from unit norm.
const NormTolerance = 1e-4

// Embedding is an L2-normalized instance vector. Never mutated after creation.
type Embedding struct {
	Vector []float32
	Model  string
}

func NewEmbedding(vec []float32, model string) Embedding {
	return Embedding{Vector: vec, Model: model}
}

func (e Embedding) Dimension() int { return len(e.Vector) }

func (e Embedding) Norm() float64 {
	var sum float64
	for _, v := range e.Vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Similarity is the cosine similarity of two unit vectors, i.e. their dot
// product.
func Similarity(a, b Embedding) (float64, error) {
	if len(a.Vector) != len(b.Vector) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a.Vector), len(b.Vector))
	}
	var dot float64
	for i := range a.Vector {
		dot += float64(a.Vector[i]) * float64(b.Vector[i])
	}
	return dot, nil
}

// l2Normalize scales sum to unit length. It reports ErrDegenerateEmbedding
// when the norm is below normFloor.
func l2Normalize(sum []float64) ([]float32, error) {
	var sq float64
	for _, v := range sum {
		sq += v * v
	}

	norm := math.Sqrt(sq)
	if norm < normFloor {
		return nil, ErrDegenerateEmbedding
	}

	result := make([]float32, len(sum))
	for i, v := range sum {
		result[i] = float32(v / norm)
	}

	return result, nil
}
