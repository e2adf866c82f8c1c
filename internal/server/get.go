package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/annbench/internal/engine"
	"github.com/23skdu/annbench/internal/schema"
)

// DoGet runs a near-vector search described by a JSON SearchTicket and streams the hits
// as a single record: the requested properties followed by _id and _distance.
func (s *Service) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	start := time.Now()
	defer func() { s.observe("DoGet", start, err) }()

	if tkt == nil {
		return status.Error(codes.InvalidArgument, "ticket is required")
	}
	var req SearchTicket
	if err := json.Unmarshal(tkt.Ticket, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	class, err := s.db.GetClass(req.Class)
	if err != nil {
		return ToStatus(err)
	}
	hits, err := s.db.NearVector(stream.Context(), req.Class, req.Vector, req.Limit, req.Properties)
	if err != nil {
		return ToStatus(err)
	}

	sc, err := resultSchema(&class, req.Properties)
	if err != nil {
		return ToStatus(err)
	}
	rec := s.buildResult(sc, req.Properties, hits)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(sc))
	defer func() { _ = w.Close() }()
	if err := w.Write(rec); err != nil {
		s.logger.Error("DoGet write failed", zap.String("class", req.Class), zap.Error(err))
		return status.Errorf(codes.Internal, "failed to write arrow record: %v", err)
	}
	return nil
}

func arrowType(dt schema.DataType) (arrow.DataType, error) {
	switch dt {
	case schema.DataTypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case schema.DataTypeNumber:
		return arrow.PrimitiveTypes.Float64, nil
	case schema.DataTypeText:
		return arrow.BinaryTypes.String, nil
	}
	return nil, fmt.Errorf("no arrow type for data type %q", dt)
}

func resultSchema(class *schema.Class, props []string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(props)+2)
	for _, name := range props {
		p, ok := class.Property(name)
		if !ok {
			return nil, fmt.Errorf("property %q is not declared on class %q", name, class.Class)
		}
		t, err := arrowType(p.Type())
		if err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: name, Type: t, Nullable: true})
	}
	fields = append(fields,
		arrow.Field{Name: ResultIDColumn, Type: arrow.BinaryTypes.String},
		arrow.Field{Name: DistanceColumn, Type: arrow.PrimitiveTypes.Float32},
	)
	return arrow.NewSchema(fields, nil), nil
}

func (s *Service) buildResult(sc *arrow.Schema, props []string, hits []engine.Hit) arrow.Record {
	b := array.NewRecordBuilder(s.mem, sc)
	defer b.Release()

	n := len(props)
	idBuilder := b.Field(n).(*array.StringBuilder)
	distBuilder := b.Field(n + 1).(*array.Float32Builder)
	idBuilder.Reserve(len(hits))
	distBuilder.Reserve(len(hits))

	for _, h := range hits {
		for i, name := range props {
			appendValue(b.Field(i), h.Properties[name])
		}
		idBuilder.Append(h.ID.String())
		distBuilder.Append(h.Distance)
	}
	return b.NewRecord()
}

func appendValue(fb array.Builder, v any) {
	switch fb := fb.(type) {
	case *array.Int64Builder:
		if n, ok := v.(int64); ok {
			fb.Append(n)
			return
		}
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			fb.Append(f)
			return
		}
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			fb.Append(s)
			return
		}
	}
	fb.AppendNull()
}
