package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/annbench/ann"
	"github.com/23skdu/annbench/internal/definitions"
	"github.com/23skdu/annbench/internal/engine"
	"github.com/23skdu/annbench/internal/logging"
)

// exact answers queries by brute force.
type exact struct {
	train  [][]float32
	ef     int
	closed bool
}

func (e *exact) Name() string { return "exact" }

func (e *exact) Fit(_ context.Context, vectors [][]float32) error {
	e.train = vectors
	return nil
}

func (e *exact) SetQueryArguments(_ context.Context, ef int) error {
	e.ef = ef
	return nil
}

func (e *exact) Query(_ context.Context, v []float32, n int) ([]int, error) {
	return GroundTruth(e.train, [][]float32{v}, n, engine.SquaredL2)[0], nil
}

func (e *exact) Describe() (string, error) { return "Exact()", nil }

func (e *exact) Close() error {
	e.closed = true
	return nil
}

func TestGenerate(t *testing.T) {
	a, err := Generate("euclidean", 50, 5, 4, 3, 7)
	require.NoError(t, err)
	b, err := Generate("euclidean", 50, 5, 4, 3, 7)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a.Train, 50)
	assert.Len(t, a.Test, 5)
	assert.Equal(t, 3, a.K())
	for _, nn := range a.Neighbors {
		assert.Len(t, nn, 3)
	}

	_, err = Generate("hamming", 50, 5, 4, 3, 7)
	assert.Error(t, err)
	_, err = Generate("euclidean", 0, 5, 4, 3, 7)
	assert.Error(t, err)
}

func TestGroundTruth(t *testing.T) {
	train := [][]float32{{0, 0}, {5, 5}, {1, 0}, {1, 0}, {-3, 0}}
	test := [][]float32{{0.9, 0}}

	got := GroundTruth(train, test, 3, engine.SquaredL2)
	assert.Equal(t, [][]int{{2, 3, 0}}, got)

	got = GroundTruth(train, test, 10, engine.SquaredL2)
	assert.Len(t, got[0], len(train))
}

func TestRecall(t *testing.T) {
	assert.Equal(t, 1.0, Recall([]int{1, 2, 3}, []int{3, 2, 1}, 3))
	assert.InDelta(t, 2.0/3.0, Recall([]int{1, 2, 9}, []int{1, 2, 3}, 3), 1e-9)
	assert.Equal(t, 0.5, Recall([]int{1, 1}, []int{1, 2}, 2))
	assert.Equal(t, 1.0, Recall(nil, nil, 5))
}

func TestLatencyStats(t *testing.T) {
	ds := make([]time.Duration, 100)
	for i := range ds {
		ds[i] = time.Duration(100-i) * time.Millisecond
	}
	mean, p50, p99 := latencyStats(ds)
	assert.Equal(t, 50500*time.Microsecond, mean)
	assert.Equal(t, 50*time.Millisecond, p50)
	assert.Equal(t, 99*time.Millisecond, p99)

	mean, p50, p99 = latencyStats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, p50)
	assert.Zero(t, p99)
}

func TestRunWithExactAlgorithm(t *testing.T) {
	ds, err := Generate("euclidean", 100, 10, 4, 5, 1)
	require.NoError(t, err)

	var built []*exact
	r := New(logging.DiscardLogger())
	r.Build = func(_ context.Context, metric string, run definitions.Run) (ann.Algorithm, error) {
		assert.Equal(t, "euclidean", metric)
		e := &exact{}
		built = append(built, e)
		return e, nil
	}

	runs := []definitions.Run{
		{Definition: "exact", Group: "g", Constructor: "Exact", Args: []int{1}, QueryArgs: [][]int{{8}, {16}}},
		{Definition: "exact", Group: "g", Constructor: "Exact", Args: []int{2}},
	}
	results, err := r.Run(context.Background(), ds, runs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []int{8, 16, 64}, []int{results[0].EF, results[1].EF, results[2].EF})
	for _, res := range results {
		assert.Equal(t, 1.0, res.Recall)
		assert.Equal(t, 10, res.Queries)
		assert.Equal(t, "Exact()", res.Label)
		assert.Positive(t, res.QPS)
		assert.LessOrEqual(t, res.P50Latency, res.P99Latency)
	}

	require.Len(t, built, 2)
	for _, e := range built {
		assert.True(t, e.closed)
	}
}

func TestRunRejectsWideQueryArgs(t *testing.T) {
	ds, err := Generate("euclidean", 10, 2, 2, 1, 1)
	require.NoError(t, err)

	r := New(nil)
	_, err = r.Run(context.Background(), ds, []definitions.Run{
		{Definition: "x", Constructor: ann.ConstructorName, Args: []int{8}, QueryArgs: [][]int{{1, 2}}},
	})
	assert.Error(t, err)
}

func TestRunPropagatesBuildErrors(t *testing.T) {
	ds, err := Generate("euclidean", 10, 2, 2, 1, 1)
	require.NoError(t, err)

	r := New(nil)
	_, err = r.Run(context.Background(), ds, []definitions.Run{{Definition: "x", Constructor: "Missing", Args: []int{1}}})
	assert.Error(t, err)

	boom := errors.New("boom")
	r.Build = func(context.Context, string, definitions.Run) (ann.Algorithm, error) { return nil, boom }
	_, err = r.Run(context.Background(), ds, []definitions.Run{{Definition: "x", Args: []int{1}}})
	assert.ErrorIs(t, err, boom)
}

func TestRunLongbow(t *testing.T) {
	ds, err := Generate("angular", 300, 20, 8, 10, 3)
	require.NoError(t, err)

	r := New(logging.DiscardLogger())
	results, err := r.Run(context.Background(), ds, []definitions.Run{
		{Definition: "longbow", Group: "M-16", Constructor: ann.ConstructorName, Args: []int{16, 64}, QueryArgs: [][]int{{10}, {300}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	narrow, wide := results[0], results[1]
	assert.Equal(t, "Longbow(ef=10, maxConnections=16, efConstruction=64)", narrow.Label)
	assert.Equal(t, "Longbow(ef=300, maxConnections=16, efConstruction=64)", wide.Label)
	// ef at the dataset size visits the whole graph.
	assert.GreaterOrEqual(t, wide.Recall, 0.95)
	assert.GreaterOrEqual(t, wide.Recall, narrow.Recall)
	assert.Positive(t, narrow.BuildTime)
}
