package ann

import (
	"context"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/annbench/internal/embedded"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

func seeded() Option {
	opts := embedded.DefaultOptions()
	opts.Seed = 42
	return WithEmbeddedOptions(opts)
}

func newAdapter(t *testing.T, metric string, m int, opts ...Option) *Adapter {
	t.Helper()
	a, err := New(context.Background(), metric, m, append([]Option{seeded()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func TestMetricResolution(t *testing.T) {
	tests := []struct {
		metric string
		want   schema.Distance
	}{
		{"angular", schema.DistanceCosine},
		{"euclidean", schema.DistanceL2Squared},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			a := newAdapter(t, tt.metric, 16)
			assert.Equal(t, tt.want, a.Distance())
		})
	}

	for _, bad := range []string{"hamming", "jaccard", "", "dot"} {
		t.Run("reject "+bad, func(t *testing.T) {
			_, err := New(context.Background(), bad, 16)
			assert.ErrorIs(t, err, anerrors.ErrUnsupportedMetric)
		})
	}
}

func TestNewValidatesTuning(t *testing.T) {
	_, err := New(context.Background(), "euclidean", 0)
	assert.Error(t, err)
	_, err = New(context.Background(), "euclidean", 16, WithEFConstruction(0))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	a := newAdapter(t, "euclidean", 16)
	assert.Equal(t, DefaultEFConstruction, a.efConstruction)
	assert.Equal(t, "longbow", a.Name())
	assert.Equal(t, "Longbow(ef=unset, maxConnections=16, efConstruction=500)", a.String())
}

func TestScenarioEuclidean(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 64, WithEFConstruction(128))
	vectors := randomVectors(1000, 128, 1)

	require.NoError(t, a.Fit(ctx, vectors))
	require.NoError(t, a.SetQueryArguments(ctx, 50))

	got, err := a.Query(ctx, vectors[0], 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, 0, got[0])

	seen := make(map[int]bool)
	for _, i := range got {
		assert.False(t, seen[i], "duplicate index %d", i)
		assert.True(t, i >= 0 && i < len(vectors))
		seen[i] = true
	}

	label, err := a.Describe()
	require.NoError(t, err)
	assert.Equal(t, "Longbow(ef=50, maxConnections=64, efConstruction=128)", label)
	assert.Equal(t, label, a.String())
}

func TestRoundTripAngular(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "angular", 16, WithEFConstruction(64))
	vectors := randomVectors(200, 16, 2)

	require.NoError(t, a.Fit(ctx, vectors))
	require.NoError(t, a.SetQueryArguments(ctx, len(vectors)))

	for _, k := range []int{0, 57, 199} {
		got, err := a.Query(ctx, vectors[k], 1)
		require.NoError(t, err)
		assert.Equal(t, []int{k}, got)
	}
}

func TestQueryMoreThanIndexed(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 8, WithEFConstruction(16))
	vectors := randomVectors(5, 4, 3)

	require.NoError(t, a.Fit(ctx, vectors))
	require.NoError(t, a.SetQueryArguments(ctx, 10))

	got, err := a.Query(ctx, vectors[2], 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), len(vectors))
	require.NotEmpty(t, got)
	assert.Equal(t, 2, got[0])
}

func TestFitEmptyDataset(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 8)

	require.NoError(t, a.Fit(ctx, nil))
	require.NoError(t, a.SetQueryArguments(ctx, 10))
	got, err := a.Query(ctx, []float32{1, 2}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 8)

	_, err := a.Query(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, anerrors.ErrPreconditionViolation)

	_, err = a.Describe()
	assert.ErrorIs(t, err, anerrors.ErrPreconditionViolation)

	assert.ErrorIs(t, a.SetQueryArguments(ctx, 10), anerrors.ErrCollectionNotFound)

	vectors := randomVectors(10, 4, 4)
	require.NoError(t, a.Fit(ctx, vectors))

	_, err = a.Query(ctx, vectors[0], 1)
	assert.ErrorIs(t, err, anerrors.ErrPreconditionViolation)

	assert.ErrorIs(t, a.Fit(ctx, vectors), anerrors.ErrPreconditionViolation)
	assert.Error(t, a.SetQueryArguments(ctx, 0))

	require.NoError(t, a.SetQueryArguments(ctx, 10))
	_, err = a.Query(ctx, vectors[0], 0)
	assert.Error(t, err)

	_, err = a.Query(ctx, []float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, anerrors.ErrDimensionMismatch)
}

func TestSetQueryArgumentsUpdatesDescription(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 12, WithEFConstruction(40))
	require.NoError(t, a.Fit(ctx, randomVectors(20, 4, 5)))

	for _, ef := range []int{10, 80, 3} {
		require.NoError(t, a.SetQueryArguments(ctx, ef))
		label, err := a.Describe()
		require.NoError(t, err)
		assert.Contains(t, label, "ef="+strconv.Itoa(ef)+",")
		assert.Contains(t, label, "maxConnections=12")
		assert.Contains(t, label, "efConstruction=40")

		class, err := a.client.Schema().Get(ctx, ClassName)
		require.NoError(t, err)
		assert.Equal(t, ef, class.VectorIndexConfig.EF)
	}
}

func TestFitStoresEveryVector(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 8)
	require.NoError(t, a.Fit(ctx, randomVectors(BatchSize*2+17, 3, 6)))

	n, err := a.client.Count(ctx, ClassName)
	require.NoError(t, err)
	assert.Equal(t, BatchSize*2+17, n)
}

func TestFitDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, "euclidean", 8)
	vectors := randomVectors(5, 4, 7)
	vectors[3] = []float32{1, 2}

	err := a.Fit(ctx, vectors)
	assert.ErrorIs(t, err, anerrors.ErrDimensionMismatch)
}

func TestObjectIDDeterminism(t *testing.T) {
	assert.Equal(t, "a729d9ca-54d8-59ac-b119-5378c253a03d", ObjectID(0).String())
	assert.Equal(t, "7706d3fe-2947-5a3c-a9dc-d0a50628094f", ObjectID(1).String())
	for i := 0; i < 100; i++ {
		assert.Equal(t, ObjectID(i), ObjectID(i))
		assert.NotEqual(t, ObjectID(i), ObjectID(i+1))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), "euclidean", 8, seeded())
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestRegistry(t *testing.T) {
	ctor, ok := Lookup(ConstructorName)
	require.True(t, ok)
	assert.Contains(t, Constructors(), ConstructorName)

	alg, err := ctor(context.Background(), "euclidean", []int{8, 32})
	require.NoError(t, err)
	defer func() { _ = alg.Close() }()
	assert.Equal(t, "Longbow(ef=unset, maxConnections=8, efConstruction=32)", alg.(*Adapter).String())

	_, err = ctor(context.Background(), "euclidean", nil)
	assert.Error(t, err)

	_, ok = Lookup("Missing")
	assert.False(t, ok)

	assert.Panics(t, func() { Register(ConstructorName, ctor) })
}
