package ann

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/23skdu/annbench/client"
	"github.com/23skdu/annbench/internal/embedded"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/metrics"
	"github.com/23skdu/annbench/internal/schema"
)

const (
	// ClassName is the collection every adapter indexes into.
	ClassName = "Vector"
	// IndexProperty holds each object's position in the fitted dataset.
	IndexProperty = "i"

	DefaultEFConstruction = 500
	BatchSize             = 100

	// ConstructorName is the registry name used by definition files.
	ConstructorName = "Longbow"
)

func init() {
	Register(ConstructorName, func(ctx context.Context, metric string, args []int) (Algorithm, error) {
		return NewFromArgs(ctx, metric, args)
	})
}

// NewFromArgs builds an adapter from definition arguments: maxConnections and an optional
// efConstruction. Options given here are applied before the one derived from args.
func NewFromArgs(ctx context.Context, metric string, args []int, opts ...Option) (*Adapter, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, anerrors.NewValidationError("construct",
			fmt.Sprintf("%s takes maxConnections and an optional efConstruction, got %d args", ConstructorName, len(args)))
	}
	if len(args) == 2 {
		opts = append(opts, WithEFConstruction(args[1]))
	}
	return New(ctx, metric, args[0], opts...)
}

type state int

const (
	stateConfigured state = iota
	stateIndexed
	stateQueryable
)

type options struct {
	efConstruction int
	client         *client.Client
	embedded       embedded.Options
	logger         *zap.Logger
}

// Option configures an Adapter.
type Option func(*options)

// WithEFConstruction sets the build-time search width.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithClient attaches to an existing client. The adapter does not close it.
func WithClient(c *client.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithEmbeddedOptions configures the instance the adapter starts when no client is given.
func WithEmbeddedOptions(opts embedded.Options) Option {
	return func(o *options) {
		o.embedded = opts
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Adapter drives the embedded vector database through its client library. It is meant
// for sequential use by one harness and does no locking.
type Adapter struct {
	client     *client.Client
	ownsClient bool
	logger     *zap.Logger

	metric         string
	distance       schema.Distance
	maxConnections int
	efConstruction int
	// ef is 0 until SetQueryArguments succeeds.
	ef    int
	state state
}

var _ Algorithm = (*Adapter)(nil)

// New resolves metric, validates the build parameters and opens a client handle. Unless
// WithClient is given, the handle owns a freshly started embedded instance that Close
// releases.
func New(ctx context.Context, metric string, maxConnections int, opts ...Option) (*Adapter, error) {
	o := options{
		efConstruction: DefaultEFConstruction,
		embedded:       embedded.DefaultOptions(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	distance, err := schema.ResolveMetric(metric)
	if err != nil {
		return nil, err
	}
	if maxConnections <= 0 {
		return nil, anerrors.NewValidationError("construct", "maxConnections must be positive").
			WithContext("max_connections", maxConnections)
	}
	if o.efConstruction <= 0 {
		return nil, anerrors.NewValidationError("construct", "efConstruction must be positive").
			WithContext("ef_construction", o.efConstruction)
	}

	a := &Adapter{
		client:         o.client,
		logger:         o.logger,
		metric:         metric,
		distance:       distance,
		maxConnections: maxConnections,
		efConstruction: o.efConstruction,
	}
	if a.client == nil {
		emb := o.embedded
		c, err := client.New(ctx, client.Config{Embedded: &emb, Logger: o.logger})
		if err != nil {
			return nil, fmt.Errorf("construct: open client: %w", err)
		}
		a.client = c
		a.ownsClient = true
	}

	a.logger.Info("Adapter configured",
		zap.String("metric", metric),
		zap.String("distance", string(distance)),
		zap.Int("max_connections", maxConnections),
		zap.Int("ef_construction", a.efConstruction))
	return a, nil
}

// Name implements Algorithm.
func (a *Adapter) Name() string {
	return "longbow"
}

// Distance returns the database-side metric the adapter indexes with.
func (a *Adapter) Distance() schema.Distance {
	return a.distance
}

// ObjectID is the identifier of the object stored for dataset position i.
func ObjectID(i int) uuid.UUID {
	return client.GenerateUUID5(fmt.Sprintf("{'%s': %d}", IndexProperty, i), ClassName)
}

func (a *Adapter) class() schema.Class {
	return schema.Class{
		Class:      ClassName,
		Properties: []schema.Property{{Name: IndexProperty, DataType: []schema.DataType{schema.DataTypeInt}}},
		VectorIndexConfig: schema.VectorIndexConfig{
			Distance:       a.distance,
			EF:             schema.DynamicEF,
			EFConstruction: a.efConstruction,
			MaxConnections: a.maxConnections,
		},
	}
}

// Fit creates the collection and inserts every vector under its position index. It may
// be called once; a failed insertion leaves whatever was stored in place.
func (a *Adapter) Fit(ctx context.Context, vectors [][]float32) (err error) {
	defer func() {
		metrics.AdapterOperationsTotal.WithLabelValues("fit", metrics.StatusLabel(err)).Inc()
	}()
	if a.state != stateConfigured {
		return anerrors.PreconditionViolation("fit", "index already built")
	}

	start := time.Now()
	if _, err := a.client.Schema().Create(ctx, a.class()); err != nil {
		return fmt.Errorf("fit: create class: %w", err)
	}
	a.state = stateIndexed

	b := a.client.Batch(ClassName)
	b.BatchSize = BatchSize
	for i, v := range vectors {
		obj := client.Object{
			ID:         ObjectID(i),
			Properties: map[string]any{IndexProperty: i},
			Vector:     v,
		}
		if err := b.Add(ctx, obj); err != nil {
			return fmt.Errorf("fit: insert: %w", err)
		}
	}
	if err := b.Flush(ctx); err != nil {
		return fmt.Errorf("fit: insert: %w", err)
	}

	a.logger.Info("Index built",
		zap.Int("vectors", len(vectors)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// SetQueryArguments writes ef into the collection's vector index config.
func (a *Adapter) SetQueryArguments(ctx context.Context, ef int) (err error) {
	defer func() {
		metrics.AdapterOperationsTotal.WithLabelValues("set_query_arguments", metrics.StatusLabel(err)).Inc()
	}()
	if ef <= 0 {
		return anerrors.NewValidationError("set_query_arguments", "ef must be positive").WithContext("ef", ef)
	}

	class, err := a.client.Schema().Get(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("set_query_arguments: %w", err)
	}
	class.VectorIndexConfig.EF = ef
	if _, err := a.client.Schema().UpdateConfig(ctx, ClassName, class); err != nil {
		return fmt.Errorf("set_query_arguments: %w", err)
	}

	a.ef = ef
	if a.state == stateIndexed {
		a.state = stateQueryable
	}
	a.logger.Debug("Query arguments set", zap.Int("ef", ef))
	return nil
}

// Query returns the position indices of the n nearest indexed vectors, nearest first.
func (a *Adapter) Query(ctx context.Context, v []float32, n int) ([]int, error) {
	if a.state != stateQueryable {
		return nil, anerrors.PreconditionViolation("query", "Fit and SetQueryArguments must run first")
	}
	if n < 1 {
		return nil, anerrors.NewValidationError("query", "n must be at least 1").WithContext("n", n)
	}

	start := time.Now()
	res, err := a.client.Query().
		Get(ClassName, IndexProperty).
		WithNearVector(v).
		WithLimit(n).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	ids, err := res.Ints(IndexProperty)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	metrics.QueryLatencySeconds.Observe(time.Since(start).Seconds())
	return ids, nil
}

func (a *Adapter) label(ef string) string {
	return fmt.Sprintf("Longbow(ef=%s, maxConnections=%d, efConstruction=%d)", ef, a.maxConnections, a.efConstruction)
}

// Describe labels the configuration. It fails until SetQueryArguments has set ef.
func (a *Adapter) Describe() (string, error) {
	if a.ef == 0 {
		return "", anerrors.PreconditionViolation("describe", "ef is not set")
	}
	return a.label(fmt.Sprint(a.ef)), nil
}

// String is Describe that renders a missing ef as "unset".
func (a *Adapter) String() string {
	if a.ef == 0 {
		return a.label("unset")
	}
	return a.label(fmt.Sprint(a.ef))
}

// Close releases the client when the adapter owns it. Safe to call more than once.
func (a *Adapter) Close() error {
	if !a.ownsClient || a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}
