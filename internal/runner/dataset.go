package runner

import (
	"math/rand"
	"sort"

	"github.com/23skdu/annbench/internal/engine"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

// Dataset is a train/test split with exact nearest neighbours of every test vector.
type Dataset struct {
	Metric string
	Train  [][]float32
	Test   [][]float32
	// Neighbors[q] holds the train indices nearest to Test[q], nearest first.
	Neighbors [][]int
}

// K is the neighbour count the ground truth was computed for.
func (d *Dataset) K() int {
	if len(d.Neighbors) == 0 {
		return 0
	}
	return len(d.Neighbors[0])
}

// Generate draws n train and queries test vectors of dimension dim from a standard normal
// distribution and computes the k exact neighbours of each test vector under metric.
func Generate(metric string, n, queries, dim, k int, seed int64) (*Dataset, error) {
	distance, err := schema.ResolveMetric(metric)
	if err != nil {
		return nil, err
	}
	if n <= 0 || queries <= 0 || dim <= 0 || k <= 0 {
		return nil, anerrors.NewValidationError("generate", "n, queries, dim and k must be positive").
			WithContext("n", n).
			WithContext("queries", queries).
			WithContext("dim", dim).
			WithContext("k", k)
	}

	rng := rand.New(rand.NewSource(seed))
	draw := func(count int) [][]float32 {
		out := make([][]float32, count)
		for i := range out {
			v := make([]float32, dim)
			for j := range v {
				v[j] = float32(rng.NormFloat64())
			}
			out[i] = v
		}
		return out
	}
	train := draw(n)
	test := draw(queries)

	return &Dataset{
		Metric:    metric,
		Train:     train,
		Test:      test,
		Neighbors: GroundTruth(train, test, k, engine.DistanceFunc(distance)),
	}, nil
}

// GroundTruth ranks train by brute force for every test vector and keeps the first k.
// Ties break on the lower index.
func GroundTruth(train, test [][]float32, k int, dist func(a, b []float32) float32) [][]int {
	if k > len(train) {
		k = len(train)
	}
	type scored struct {
		idx  int
		dist float32
	}
	out := make([][]int, len(test))
	all := make([]scored, len(train))
	for q, tv := range test {
		for i, v := range train {
			all[i] = scored{idx: i, dist: dist(tv, v)}
		}
		sort.Slice(all, func(a, b int) bool {
			if all[a].dist != all[b].dist {
				return all[a].dist < all[b].dist
			}
			return all[a].idx < all[b].idx
		})
		nn := make([]int, k)
		for i := range nn {
			nn[i] = all[i].idx
		}
		out[q] = nn
	}
	return out
}

// Recall is the fraction of want found in got, counting each of the first k of want once.
func Recall(got, want []int, k int) float64 {
	if k > len(want) {
		k = len(want)
	}
	if k == 0 {
		return 1
	}
	truth := make(map[int]struct{}, k)
	for _, i := range want[:k] {
		truth[i] = struct{}{}
	}
	hits := 0
	for _, i := range got {
		if _, ok := truth[i]; ok {
			hits++
			delete(truth, i)
		}
	}
	return float64(hits) / float64(k)
}
