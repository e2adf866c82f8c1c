package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

func testClass(distance schema.Distance) schema.Class {
	return schema.Class{
		Class: "Vector",
		Properties: []schema.Property{
			{Name: "i", DataType: []schema.DataType{schema.DataTypeInt}},
			{Name: "label", DataType: []schema.DataType{schema.DataTypeText}},
		},
		VectorIndexConfig: schema.VectorIndexConfig{
			Distance:       distance,
			EF:             schema.DynamicEF,
			EFConstruction: 128,
			MaxConnections: 16,
		},
	}
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

func fill(t *testing.T, db *Database, vecs [][]float32) []uuid.UUID {
	t.Helper()
	objs := make([]Object, len(vecs))
	ids := make([]uuid.UUID, len(vecs))
	for i, v := range vecs {
		ids[i] = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("obj-%d", i)))
		objs[i] = Object{ID: ids[i], Properties: map[string]any{"i": i}, Vector: v}
	}
	errs, err := db.BatchPut(context.Background(), "Vector", objs)
	require.NoError(t, err)
	require.Nil(t, errs)
	return ids
}

func TestCreateAndGetClass(t *testing.T) {
	db := New(WithSeed(1))
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))

	got, err := db.GetClass("Vector")
	require.NoError(t, err)
	assert.Equal(t, testClass(schema.DistanceL2Squared), got)

	err = db.CreateClass(testClass(schema.DistanceCosine))
	assert.ErrorIs(t, err, anerrors.ErrCollectionExists)

	_, err = db.GetClass("Missing")
	assert.ErrorIs(t, err, anerrors.ErrCollectionNotFound)
}

func TestCreateClassDefaultsEF(t *testing.T) {
	db := New()
	c := testClass(schema.DistanceL2Squared)
	c.VectorIndexConfig.EF = 0
	require.NoError(t, db.CreateClass(c))

	got, err := db.GetClass("Vector")
	require.NoError(t, err)
	assert.Equal(t, schema.DynamicEF, got.VectorIndexConfig.EF)
}

func TestCreateClassRejectsInvalid(t *testing.T) {
	db := New()
	c := testClass(schema.DistanceL2Squared)
	c.VectorIndexConfig.MaxConnections = 0
	assert.Error(t, db.CreateClass(c))
	assert.Empty(t, db.ListClasses())
}

func TestUpdateClassConfig(t *testing.T) {
	db := New()
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))

	c, err := db.GetClass("Vector")
	require.NoError(t, err)
	c.VectorIndexConfig.EF = 64
	require.NoError(t, db.UpdateClassConfig("Vector", c))

	got, err := db.GetClass("Vector")
	require.NoError(t, err)
	assert.Equal(t, 64, got.VectorIndexConfig.EF)

	c.VectorIndexConfig.MaxConnections = 32
	assert.ErrorIs(t, db.UpdateClassConfig("Vector", c), anerrors.ErrImmutableConfig)

	assert.ErrorIs(t, db.UpdateClassConfig("Missing", c), anerrors.ErrCollectionNotFound)
}

func TestListClasses(t *testing.T) {
	db := New()
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		c := testClass(schema.DistanceCosine)
		c.Class = name
		require.NoError(t, db.CreateClass(c))
	}
	names := make([]string, 0, 3)
	for _, c := range db.ListClasses() {
		names = append(names, c.Class)
	}
	assert.Equal(t, []string{"Alpha", "Mid", "Zeta"}, names)
}

func TestBatchPutValidation(t *testing.T) {
	db := New()
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))

	ok := uuid.New()
	objs := []Object{
		{ID: ok, Properties: map[string]any{"i": 0}, Vector: []float32{1, 2, 3}},
		{ID: uuid.New(), Properties: map[string]any{"i": 1}, Vector: []float32{1, 2}},
		{ID: uuid.Nil, Properties: map[string]any{"i": 2}, Vector: []float32{1, 2, 3}},
		{ID: uuid.New(), Properties: map[string]any{"unknown": 3}, Vector: []float32{1, 2, 3}},
		{ID: uuid.New(), Properties: map[string]any{"i": "three"}, Vector: []float32{1, 2, 3}},
		{ID: uuid.New(), Properties: map[string]any{"i": 4.5}, Vector: []float32{1, 2, 3}},
		{ID: uuid.New(), Properties: map[string]any{"i": 5}, Vector: nil},
	}
	errs, err := db.BatchPut(context.Background(), "Vector", objs)
	require.NoError(t, err)
	require.Len(t, errs, len(objs))

	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], anerrors.ErrDimensionMismatch)
	for _, e := range errs[2:] {
		assert.ErrorIs(t, e, anerrors.ErrInvalidObject)
	}

	n, err := db.Count("Vector")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.BatchPut(context.Background(), "Missing", objs)
	assert.ErrorIs(t, err, anerrors.ErrCollectionNotFound)
}

func TestBatchPutReplacesExistingID(t *testing.T) {
	db := New()
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))

	errs, err := db.BatchPut(context.Background(), "Vector", []Object{
		{ID: uuid.New(), Properties: map[string]any{"i": 1}, Vector: []float32{-5, -5}},
		{ID: uuid.New(), Properties: map[string]any{"i": 2}, Vector: []float32{-9, -9}},
	})
	require.NoError(t, err)
	require.Nil(t, errs)

	id := uuid.New()
	for _, v := range [][]float32{{0, 0}, {10, 10}} {
		errs, err := db.BatchPut(context.Background(), "Vector", []Object{
			{ID: id, Properties: map[string]any{"i": 7}, Vector: v},
		})
		require.NoError(t, err)
		require.Nil(t, errs)
	}

	n, err := db.Count("Vector")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := db.NearVector(context.Background(), "Vector", []float32{10, 10}, 5, []string{"i"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, float32(0), hits[0].Distance)
	assert.Equal(t, int64(7), hits[0].Properties["i"])
}

func TestBatchPutReinsertSameIDs(t *testing.T) {
	db := New(WithSeed(5))
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))
	ctx := context.Background()

	batch := func(offset float32) []Object {
		objs := make([]Object, 10)
		for i := range objs {
			objs[i] = Object{
				ID:         uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("obj-%d", i))),
				Properties: map[string]any{"i": i},
				Vector:     []float32{float32(i) + offset},
			}
		}
		return objs
	}

	for _, offset := range []float32{0, 0, 100, 100, 0} {
		errs, err := db.BatchPut(ctx, "Vector", batch(offset))
		require.NoError(t, err)
		require.Nil(t, errs)

		n, err := db.Count("Vector")
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	}

	hits, err := db.NearVector(ctx, "Vector", []float32{3}, 3, []string{"i"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, int64(3), hits[0].Properties["i"])
	assert.Equal(t, float32(0), hits[0].Distance)
	seen := make(map[uuid.UUID]bool)
	for _, h := range hits {
		assert.False(t, seen[h.ID], "duplicate hit %s", h.ID)
		seen[h.ID] = true
	}

	dir := t.TempDir()
	require.NoError(t, db.Save(dir))
	restored := New()
	require.NoError(t, restored.Load(dir))
	n, err := restored.Count("Vector")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	errs, err := restored.BatchPut(ctx, "Vector", batch(50))
	require.NoError(t, err)
	require.Nil(t, errs)
	n, err = restored.Count("Vector")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestNearVectorEFChangesRecall(t *testing.T) {
	class := testClass(schema.DistanceL2Squared)
	class.VectorIndexConfig.MaxConnections = 8
	class.VectorIndexConfig.EFConstruction = 16
	class.VectorIndexConfig.EF = 1

	db := New(WithSeed(3))
	require.NoError(t, db.CreateClass(class))
	vecs := randomVectors(400, 16, 21)
	ids := fill(t, db, vecs)
	queries := randomVectors(30, 16, 22)

	const k = 10
	recallAt := func(ef int) float64 {
		next, err := db.GetClass("Vector")
		require.NoError(t, err)
		next.VectorIndexConfig.EF = ef
		require.NoError(t, db.UpdateClassConfig("Vector", next))

		var found int
		for _, q := range queries {
			order := make([]int, len(vecs))
			for i := range order {
				order[i] = i
			}
			sort.Slice(order, func(a, b int) bool {
				return SquaredL2(q, vecs[order[a]]) < SquaredL2(q, vecs[order[b]])
			})
			truth := make(map[uuid.UUID]bool, k)
			for _, i := range order[:k] {
				truth[ids[i]] = true
			}

			hits, err := db.NearVector(context.Background(), "Vector", q, k, nil)
			require.NoError(t, err)
			for _, h := range hits {
				if truth[h.ID] {
					found++
				}
			}
		}
		return float64(found) / float64(k*len(queries))
	}

	narrow := recallAt(1)
	wide := recallAt(len(vecs))
	assert.GreaterOrEqual(t, wide, 0.95)
	assert.Greater(t, wide, narrow)
}

func TestNearVectorSelfMatch(t *testing.T) {
	for _, d := range []schema.Distance{schema.DistanceL2Squared, schema.DistanceCosine} {
		t.Run(string(d), func(t *testing.T) {
			db := New(WithSeed(42))
			require.NoError(t, db.CreateClass(testClass(d)))
			vecs := randomVectors(300, 16, 7)
			ids := fill(t, db, vecs)

			for _, k := range []int{0, 17, 299} {
				hits, err := db.NearVector(context.Background(), "Vector", vecs[k], 5, []string{"i"})
				require.NoError(t, err)
				require.Len(t, hits, 5)
				assert.Equal(t, ids[k], hits[0].ID)
				assert.Equal(t, int64(k), hits[0].Properties["i"])
				for j := 1; j < len(hits); j++ {
					assert.LessOrEqual(t, hits[j-1].Distance, hits[j].Distance)
				}
			}
		})
	}
}

func TestNearVectorLimitAboveCount(t *testing.T) {
	db := New()
	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))
	vecs := randomVectors(7, 4, 3)
	fill(t, db, vecs)

	hits, err := db.NearVector(context.Background(), "Vector", vecs[0], 50, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 7)
	assert.NotEmpty(t, hits)
}

func TestNearVectorErrors(t *testing.T) {
	db := New()
	ctx := context.Background()

	_, err := db.NearVector(ctx, "Vector", []float32{1}, 1, nil)
	assert.ErrorIs(t, err, anerrors.ErrCollectionNotFound)

	require.NoError(t, db.CreateClass(testClass(schema.DistanceL2Squared)))

	hits, err := db.NearVector(ctx, "Vector", []float32{1, 2}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	fill(t, db, randomVectors(3, 2, 1))

	_, err = db.NearVector(ctx, "Vector", []float32{1, 2, 3}, 3, nil)
	assert.ErrorIs(t, err, anerrors.ErrDimensionMismatch)

	_, err = db.NearVector(ctx, "Vector", []float32{1, 2}, 0, nil)
	assert.Error(t, err)

	_, err = db.NearVector(ctx, "Vector", []float32{1, 2}, 1, []string{"nope"})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = db.NearVector(cancelled, "Vector", []float32{1, 2}, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchWidth(t *testing.T) {
	c := &collection{class: testClass(schema.DistanceL2Squared)}
	assert.Equal(t, 128, c.searchWidth(10))

	c.class.VectorIndexConfig.EF = 16
	assert.Equal(t, 16, c.searchWidth(10))
	assert.Equal(t, 100, c.searchWidth(100))
}

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 2}, []float32{1, 2}))
	assert.Equal(t, float32(25), SquaredL2([]float32{0, 0}, []float32{3, 4}))
}
