package inspect

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/annbench/internal/engine"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/schema"
)

func writeSnapshot(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()

	db := engine.New(engine.WithSeed(1))
	require.NoError(t, db.CreateClass(schema.Class{
		Class:      "Vector",
		Properties: []schema.Property{{Name: "i", DataType: []schema.DataType{schema.DataTypeInt}}},
		VectorIndexConfig: schema.VectorIndexConfig{
			Distance:       schema.DistanceL2Squared,
			EF:             schema.DynamicEF,
			EFConstruction: 32,
			MaxConnections: 8,
		},
	}))

	objs := make([]engine.Object, n)
	for i := range objs {
		objs[i] = engine.Object{
			ID:         uuid.New(),
			Properties: map[string]any{"i": i},
			Vector:     []float32{float32(i), 1},
		}
	}
	errs, err := db.BatchPut(context.Background(), "Vector", objs)
	require.NoError(t, err)
	for _, e := range errs {
		require.NoError(t, e)
	}
	require.NoError(t, db.Save(dir))
	return dir
}

func TestQueryCount(t *testing.T) {
	dir := writeSnapshot(t, 7)

	res, err := New(dir).Query(context.Background(), "Vector", "SELECT count(*) AS n FROM Vector")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Equal(t, [][]string{{"7"}}, res.Rows)
}

func TestQueryColumns(t *testing.T) {
	dir := writeSnapshot(t, 3)

	res, err := New(dir).Query(context.Background(), "Vector", "SELECT id, properties FROM Vector")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "properties"}, res.Columns)
	require.Len(t, res.Rows, 3)
	for _, row := range res.Rows {
		_, err := uuid.Parse(row[0])
		assert.NoError(t, err)
		assert.Contains(t, row[1], `"i"`)
	}
}

func TestQueryRowsOutliveReader(t *testing.T) {
	dir := writeSnapshot(t, 50)
	in := New(dir)
	q := "SELECT id, properties FROM Vector ORDER BY id"

	first, err := in.Query(context.Background(), "Vector", q)
	require.NoError(t, err)
	want := make([][]string, len(first.Rows))
	for i, row := range first.Rows {
		want[i] = []string{string([]byte(row[0])), string([]byte(row[1]))}
	}

	for range 3 {
		again, err := in.Query(context.Background(), "Vector", q)
		require.NoError(t, err)
		assert.Equal(t, want, again.Rows)
	}
	assert.Equal(t, want, first.Rows)

	ids := make(map[string]bool)
	for _, row := range first.Rows {
		ids[row[0]] = true
	}
	assert.Len(t, ids, 50)
}

func TestQueryErrors(t *testing.T) {
	dir := writeSnapshot(t, 1)
	in := New(dir)
	ctx := context.Background()

	_, err := in.Query(ctx, "Missing", "SELECT 1")
	assert.ErrorIs(t, err, anerrors.ErrCollectionNotFound)

	_, err = in.Query(ctx, "vector; DROP", "SELECT 1")
	assert.Error(t, err)

	_, err = in.Query(ctx, "Vector", "SELECT nope FROM Vector")
	assert.Error(t, err)
}
