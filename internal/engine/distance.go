package engine

import (
	"github.com/coder/hnsw"

	"github.com/23skdu/annbench/internal/schema"
)

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// DistanceFunc returns the graph distance for d. Ranking by it matches ranking by the true metric.
func DistanceFunc(d schema.Distance) hnsw.DistanceFunc {
	switch d {
	case schema.DistanceCosine:
		return hnsw.CosineDistance
	default:
		return SquaredL2
	}
}
