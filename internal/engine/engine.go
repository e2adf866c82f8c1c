// Package engine is the embedded vector database: named collections of objects, each
// collection indexed by its own HNSW graph.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
	"go.uber.org/zap"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/metrics"
	"github.com/23skdu/annbench/internal/schema"
)

type options struct {
	logger *zap.Logger
	seed   *int64
}

// Option configures a Database.
type Option func(*options)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSeed makes graph level assignment deterministic.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = &seed
	}
}

// Database holds every collection of one embedded instance.
type Database struct {
	mu          sync.RWMutex
	collections map[string]*collection
	logger      *zap.Logger
	seed        *int64
}

// New creates an empty database.
func New(opts ...Option) *Database {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Database{
		collections: make(map[string]*collection),
		logger:      o.logger,
		seed:        o.seed,
	}
}

type collection struct {
	mu      sync.Mutex
	class   schema.Class
	graph   *hnsw.Graph[uint64]
	dist    hnsw.DistanceFunc
	keys    map[uuid.UUID]uint64
	objects map[uint64]*Object
	nextKey uint64
	dims    int
	// dead counts graph nodes whose object was replaced. They stay in the graph and are
	// skipped by searches.
	dead int
}

func (db *Database) newCollection(class schema.Class) *collection {
	g := hnsw.NewGraph[uint64]()
	g.M = class.VectorIndexConfig.MaxConnections
	g.Distance = DistanceFunc(class.VectorIndexConfig.Distance)
	g.EfSearch = class.VectorIndexConfig.EFConstruction
	if db.seed != nil {
		g.Rng = rand.New(rand.NewSource(*db.seed))
	}
	return &collection{
		class:   class,
		graph:   g,
		dist:    g.Distance,
		keys:    make(map[uuid.UUID]uint64),
		objects: make(map[uint64]*Object),
	}
}

func (db *Database) get(op, name string) (*collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	if !ok {
		return nil, anerrors.CollectionNotFound(op, name)
	}
	return c, nil
}

// CreateClass registers a new collection.
func (db *Database) CreateClass(class schema.Class) error {
	if class.VectorIndexConfig.EF == 0 {
		class.VectorIndexConfig.EF = schema.DynamicEF
	}
	if err := class.Validate(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.collections[class.Class]; exists {
		return anerrors.CollectionExists("create_class", class.Class)
	}
	db.collections[class.Class] = db.newCollection(class.Clone())
	metrics.CollectionObjects.WithLabelValues(class.Class).Set(0)

	db.logger.Info("Class created",
		zap.String("class", class.Class),
		zap.String("distance", string(class.VectorIndexConfig.Distance)),
		zap.Int("max_connections", class.VectorIndexConfig.MaxConnections),
		zap.Int("ef_construction", class.VectorIndexConfig.EFConstruction))
	return nil
}

// GetClass returns a copy of the collection's descriptor.
func (db *Database) GetClass(name string) (schema.Class, error) {
	c, err := db.get("get_class", name)
	if err != nil {
		return schema.Class{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.class.Clone(), nil
}

// ListClasses returns every descriptor, sorted by name.
func (db *Database) ListClasses() []schema.Class {
	db.mu.RLock()
	cols := make([]*collection, 0, len(db.collections))
	for _, c := range db.collections {
		cols = append(cols, c)
	}
	db.mu.RUnlock()

	out := make([]schema.Class, 0, len(cols))
	for _, c := range cols {
		c.mu.Lock()
		out = append(out, c.class.Clone())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// UpdateClassConfig replaces the descriptor. Only the query-time ef may differ.
func (db *Database) UpdateClassConfig(name string, next schema.Class) error {
	c, err := db.get("update_config", name)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.class.CheckUpdate(&next); err != nil {
		return err
	}
	prev := c.class.VectorIndexConfig.EF
	c.class = next.Clone()

	db.logger.Debug("Class config updated",
		zap.String("class", name),
		zap.Int("ef_before", prev),
		zap.Int("ef", next.VectorIndexConfig.EF))
	return nil
}

// Count returns the number of objects stored in a collection.
func (db *Database) Count(name string) (int, error) {
	c, err := db.get("count", name)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects), nil
}

// BatchPut stores objects in a collection. The returned slice is nil when every object
// was accepted; otherwise it has one entry per input object, nil for accepted ones.
// Objects with an existing ID replace the stored object.
func (db *Database) BatchPut(ctx context.Context, name string, objs []Object) ([]error, error) {
	c, err := db.get("batch_put", name)
	if err != nil {
		return nil, err
	}
	metrics.BatchSize.Observe(float64(len(objs)))

	c.mu.Lock()
	defer c.mu.Unlock()

	// Insertion searches with the build-time width; queries restore their own.
	c.graph.EfSearch = c.class.VectorIndexConfig.EFConstruction

	var errs []error
	failed := 0
	for i := range objs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.put(&objs[i]); err != nil {
			if errs == nil {
				errs = make([]error, len(objs))
			}
			errs[i] = err
			failed++
		}
	}

	metrics.ObjectsInsertedTotal.WithLabelValues(name, "ok").Add(float64(len(objs) - failed))
	if failed > 0 {
		metrics.ObjectsInsertedTotal.WithLabelValues(name, "error").Add(float64(failed))
	}
	metrics.CollectionObjects.WithLabelValues(name).Set(float64(len(c.objects)))
	return errs, nil
}

func (c *collection) put(obj *Object) error {
	if obj.ID == uuid.Nil {
		return anerrors.InvalidObject("put", "object id is required")
	}
	if len(obj.Vector) == 0 {
		return anerrors.InvalidObject("put", fmt.Sprintf("object %s has no vector", obj.ID))
	}
	if c.dims != 0 && len(obj.Vector) != c.dims {
		return anerrors.DimensionMismatch("put", c.class.Class, c.dims, len(obj.Vector))
	}
	props, err := normalizeProperties(&c.class, obj.Properties)
	if err != nil {
		return err
	}

	vec := make([]float32, len(obj.Vector))
	copy(vec, obj.Vector)

	if old, exists := c.keys[obj.ID]; exists {
		prev := c.objects[old]
		if slices.Equal(prev.Vector, vec) {
			c.objects[old] = &Object{ID: obj.ID, Properties: props, Vector: prev.Vector}
			return nil
		}
		delete(c.objects, old)
		c.dead++
	}
	key := c.nextKey
	c.nextKey++
	c.keys[obj.ID] = key
	c.graph.Add(hnsw.MakeNode(key, vec))
	c.objects[key] = &Object{ID: obj.ID, Properties: props, Vector: vec}
	c.dims = len(vec)
	return nil
}

// NearVector returns up to limit objects closest to vector, nearest first, carrying the
// requested properties.
func (db *Database) NearVector(ctx context.Context, name string, vector []float32, limit int, props []string) ([]Hit, error) {
	c, err := db.get("near_vector", name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, anerrors.NewValidationError("near_vector", "limit must be positive")
	}
	if len(vector) == 0 {
		return nil, anerrors.NewValidationError("near_vector", "query vector is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range props {
		if _, ok := c.class.Property(p); !ok {
			return nil, anerrors.NewValidationError("near_vector",
				fmt.Sprintf("property %q is not declared on class %q", p, name))
		}
	}
	if len(c.objects) == 0 {
		return []Hit{}, nil
	}
	if len(vector) != c.dims {
		return nil, anerrors.DimensionMismatch("near_vector", name, c.dims, len(vector))
	}

	width := c.searchWidth(limit)
	c.graph.EfSearch = width
	nodes := c.graph.Search(vector, min(width+c.dead, c.graph.Len()))

	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		obj, ok := c.objects[n.Key]
		if !ok {
			continue
		}
		hit := Hit{
			ID:         obj.ID,
			Properties: make(map[string]any, len(props)),
			Distance:   c.dist(vector, obj.Vector),
		}
		for _, p := range props {
			if v, ok := obj.Properties[p]; ok {
				hit.Properties[p] = v
			}
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	metrics.SearchLatencySeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.SearchResultsCount.Observe(float64(len(hits)))
	return hits, nil
}

// searchWidth is the result and candidate list size for one query: the configured ef, or
// efConstruction when ef is dynamic, never below the requested limit.
func (c *collection) searchWidth(limit int) int {
	ef := c.class.VectorIndexConfig.EF
	if ef <= 0 {
		ef = c.class.VectorIndexConfig.EFConstruction
	}
	return max(ef, limit)
}

// objectsByKey returns stored objects in insertion-key order.
func (c *collection) objectsByKey() []*Object {
	keys := make([]uint64, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*Object, len(keys))
	for i, k := range keys {
		out[i] = c.objects[k]
	}
	return out
}
