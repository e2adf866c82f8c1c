package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/server"
)

// QueryAPI builds read queries.
type QueryAPI struct {
	c *Client
}

// Query returns the query API.
func (c *Client) Query() *QueryAPI {
	return &QueryAPI{c: c}
}

// Get starts a query over class returning the named properties.
func (q *QueryAPI) Get(class string, props ...string) *GetBuilder {
	return &GetBuilder{c: q.c, class: class, props: props}
}

// GetBuilder is a near-vector query under construction.
type GetBuilder struct {
	c      *Client
	class  string
	props  []string
	vector []float32
	limit  int
}

// WithNearVector sets the query vector.
func (b *GetBuilder) WithNearVector(v []float32) *GetBuilder {
	b.vector = v
	return b
}

// WithLimit caps the number of results.
func (b *GetBuilder) WithLimit(n int) *GetBuilder {
	b.limit = n
	return b
}

// Do runs the query.
func (b *GetBuilder) Do(ctx context.Context) (*GetResult, error) {
	if b.vector == nil {
		return nil, anerrors.NewValidationError("query", "near vector is required")
	}
	if b.limit <= 0 {
		return nil, anerrors.NewValidationError("query", "limit must be positive")
	}

	body, err := json.Marshal(server.SearchTicket{
		Class:      b.class,
		Vector:     b.vector,
		Limit:      b.limit,
		Properties: b.props,
	})
	if err != nil {
		return nil, fmt.Errorf("query: encode ticket: %w", err)
	}

	stream, err := b.c.flight.DoGet(ctx, &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, fromStatus("query", err)
	}
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fromStatus("query", err)
	}
	defer r.Release()

	res := &GetResult{Class: b.class}
	for r.Next() {
		if err := res.appendRecord(r.Record()); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		return nil, fromStatus("query", err)
	}
	return res, nil
}

// GetResult is the decoded reply of a near-vector query, nearest object first.
type GetResult struct {
	Class   string
	Objects []ResultObject
}

// ResultObject is one hit. Properties holds int64, float64 or string values; absent
// values are left out.
type ResultObject struct {
	ID         string
	Distance   float32
	Properties map[string]any
}

func (r *GetResult) appendRecord(rec arrow.Record) error {
	var (
		ids   *array.String
		dists *array.Float32
	)
	props := make(map[string]arrow.Array)
	for i, f := range rec.Schema().Fields() {
		col := rec.Column(i)
		switch f.Name {
		case server.ResultIDColumn:
			c, ok := col.(*array.String)
			if !ok {
				return anerrors.MalformedResponse("query", "_id column is not utf8")
			}
			ids = c
		case server.DistanceColumn:
			c, ok := col.(*array.Float32)
			if !ok {
				return anerrors.MalformedResponse("query", "_distance column is not float32")
			}
			dists = c
		default:
			props[f.Name] = col
		}
	}
	if ids == nil || dists == nil {
		return anerrors.MalformedResponse("query", "reply lacks _id or _distance")
	}

	for row := 0; row < int(rec.NumRows()); row++ {
		obj := ResultObject{
			ID:         ids.Value(row),
			Distance:   dists.Value(row),
			Properties: make(map[string]any, len(props)),
		}
		for name, col := range props {
			if col.IsNull(row) {
				continue
			}
			switch c := col.(type) {
			case *array.Int64:
				obj.Properties[name] = c.Value(row)
			case *array.Float64:
				obj.Properties[name] = c.Value(row)
			case *array.String:
				obj.Properties[name] = c.Value(row)
			default:
				return anerrors.MalformedResponse("query",
					fmt.Sprintf("property %q has unsupported type %s", name, col.DataType()))
			}
		}
		r.Objects = append(r.Objects, obj)
	}
	return nil
}

// Ints extracts an integer property from every object, in result order. A missing or
// non-integer value fails the whole extraction.
func (r *GetResult) Ints(prop string) ([]int, error) {
	out := make([]int, 0, len(r.Objects))
	for i, obj := range r.Objects {
		v, ok := obj.Properties[prop]
		if !ok {
			return nil, anerrors.MalformedResponse("query",
				fmt.Sprintf("result %d of %s has no %q", i, r.Class, prop))
		}
		n, ok := v.(int64)
		if !ok {
			return nil, anerrors.MalformedResponse("query",
				fmt.Sprintf("result %d of %s: %q is %T, not an integer", i, r.Class, prop, v))
		}
		out = append(out, int(n))
	}
	return out, nil
}
