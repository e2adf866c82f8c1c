package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"go.uber.org/zap"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/server"
)

// DefaultBatchSize is the number of objects sent per DoPut.
const DefaultBatchSize = 100

// Object is one object to store.
type Object struct {
	ID         uuid.UUID
	Properties map[string]any
	Vector     []float32
}

// Batcher buffers objects for one class and sends them in fixed-size batches. A Batcher
// is not safe for concurrent use.
type Batcher struct {
	c     *Client
	class string
	mem   memory.Allocator
	// BatchSize is the flush threshold. Values < 1 mean DefaultBatchSize.
	BatchSize int

	pending []Object
	sent    int
}

// Batch returns a batcher that stores objects in class.
func (c *Client) Batch(class string) *Batcher {
	return &Batcher{
		c:         c,
		class:     class,
		mem:       memory.NewGoAllocator(),
		BatchSize: DefaultBatchSize,
	}
}

// Add buffers obj and flushes once BatchSize objects are pending.
func (b *Batcher) Add(ctx context.Context, obj Object) error {
	b.pending = append(b.pending, obj)
	if len(b.pending) >= b.size() {
		return b.Flush(ctx)
	}
	return nil
}

// Flush sends the pending objects. Rejected objects are reported as one joined error;
// the buffer is cleared either way.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	objs := b.pending
	b.pending = nil

	rec, err := b.encode(objs)
	if err != nil {
		return err
	}
	defer rec.Release()

	reports, err := b.put(ctx, rec)
	if err != nil {
		return err
	}

	var errs []error
	accepted := 0
	for _, rep := range reports {
		accepted += rep.Accepted
		for _, oe := range rep.Errors {
			errs = append(errs, objectError(oe))
		}
	}
	b.sent += accepted

	b.c.logger.Debug("Batch flushed",
		zap.String("class", b.class),
		zap.Int("objects", len(objs)),
		zap.Int("accepted", accepted),
		zap.Int("rejected", len(errs)))
	if len(errs) > 0 {
		return fmt.Errorf("batch to %s: %d of %d objects rejected: %w", b.class, len(errs), len(objs), errors.Join(errs...))
	}
	return nil
}

// Sent returns the number of objects the database accepted so far.
func (b *Batcher) Sent() int {
	return b.sent
}

// Pending returns the number of buffered objects.
func (b *Batcher) Pending() int {
	return len(b.pending)
}

func (b *Batcher) size() int {
	if b.BatchSize < 1 {
		return DefaultBatchSize
	}
	return b.BatchSize
}

func (b *Batcher) put(ctx context.Context, rec arrow.Record) ([]server.PutReport, error) {
	stream, err := b.c.flight.DoPut(ctx)
	if err != nil {
		return nil, fromStatus("batch", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(b.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{b.class}})
	writeErr := w.Write(rec)
	if err := w.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := stream.CloseSend(); err != nil && writeErr == nil {
		writeErr = err
	}

	var reports []server.PutReport
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The server's status explains a failed write better than the write error.
			return nil, fromStatus("batch", err)
		}
		var rep server.PutReport
		if err := json.Unmarshal(res.AppMetadata, &rep); err != nil {
			return nil, anerrors.MalformedResponse("batch", err.Error())
		}
		reports = append(reports, rep)
	}
	if writeErr != nil {
		return nil, fromStatus("batch", writeErr)
	}
	return reports, nil
}

// encode lays objs out as one record: id, the union of property names in sorted order,
// then vector. Property column types follow the Go values: integers become int64, floats
// float64 (mixed integer and float columns widen to float64) and strings utf8.
func (b *Batcher) encode(objs []Object) (arrow.Record, error) {
	names, types, err := propertyColumns(objs)
	if err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, 0, len(names)+2)
	fields = append(fields, arrow.Field{Name: server.IDColumn, Type: arrow.BinaryTypes.String})
	for i, name := range names {
		fields = append(fields, arrow.Field{Name: name, Type: types[i], Nullable: true})
	}
	fields = append(fields, arrow.Field{Name: server.VectorColumn, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true})
	sc := arrow.NewSchema(fields, nil)

	rb := array.NewRecordBuilder(b.mem, sc)
	defer rb.Release()

	idb := rb.Field(0).(*array.StringBuilder)
	lb := rb.Field(len(fields) - 1).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for _, obj := range objs {
		idb.Append(obj.ID.String())
		for i, name := range names {
			appendProperty(rb.Field(i+1), obj.Properties[name])
		}
		if obj.Vector == nil {
			lb.AppendNull()
			continue
		}
		lb.Append(true)
		vb.AppendValues(obj.Vector, nil)
	}
	return rb.NewRecord(), nil
}

type valueKind int

const (
	kindNone valueKind = iota
	kindInt
	kindFloat
	kindString
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return kindInt
	case float32, float64:
		return kindFloat
	case string:
		return kindString
	}
	return kindNone
}

func propertyColumns(objs []Object) ([]string, []arrow.DataType, error) {
	kinds := make(map[string]valueKind)
	for _, obj := range objs {
		for name, v := range obj.Properties {
			if v == nil {
				if _, ok := kinds[name]; !ok {
					kinds[name] = kindNone
				}
				continue
			}
			k := kindOf(v)
			if k == kindNone {
				return nil, nil, anerrors.InvalidObject("batch",
					fmt.Sprintf("object %s: property %q has unsupported type %T", obj.ID, name, v))
			}
			prev := kinds[name]
			switch {
			case prev == kindNone || prev == k:
				kinds[name] = k
			case (prev == kindInt && k == kindFloat) || (prev == kindFloat && k == kindInt):
				kinds[name] = kindFloat
			default:
				return nil, nil, anerrors.InvalidObject("batch",
					fmt.Sprintf("property %q mixes text and numeric values", name))
			}
		}
	}

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make([]arrow.DataType, len(names))
	for i, name := range names {
		switch kinds[name] {
		case kindInt:
			types[i] = arrow.PrimitiveTypes.Int64
		case kindFloat:
			types[i] = arrow.PrimitiveTypes.Float64
		default:
			// Only nulls seen, or text.
			types[i] = arrow.BinaryTypes.String
		}
	}
	return names, types, nil
}

func appendProperty(fb array.Builder, v any) {
	if v == nil {
		fb.AppendNull()
		return
	}
	switch fb := fb.(type) {
	case *array.Int64Builder:
		fb.Append(toInt64(v))
	case *array.Float64Builder:
		fb.Append(toFloat64(v))
	case *array.StringBuilder:
		fb.Append(v.(string))
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return float64(toInt64(v))
}
