package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/annbench/internal/engine"
	anerrors "github.com/23skdu/annbench/internal/errors"
)

// DoPut stores objects. The descriptor path names the class; each record is applied as
// one engine batch and acknowledged with one PutResult carrying a PutReport.
func (s *Service) DoPut(stream flight.FlightService_DoPutServer) (err error) {
	start := time.Now()
	defer func() { s.observe("DoPut", start, err) }()

	r, err := flight.NewRecordReader(stream)
	if err != nil {
		s.logger.Error("DoPut failed to create reader", zap.Error(err))
		return status.Errorf(codes.InvalidArgument, "failed to read put stream: %v", err)
	}
	defer r.Release()

	fd := r.LatestFlightDescriptor()
	if fd == nil || len(fd.Path) == 0 {
		return status.Error(codes.InvalidArgument, "missing flight descriptor path")
	}
	class := fd.Path[0]

	batches, total := 0, 0
	for r.Next() {
		report, err := s.applyRecord(stream, class, r.Record())
		if err != nil {
			return ToStatus(err)
		}
		body, err := json.Marshal(report)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to serialize put report: %v", err)
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: body}); err != nil {
			return err
		}
		batches++
		total += report.Accepted
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "put stream: %v", err)
	}

	s.logger.Debug("DoPut complete",
		zap.String("class", class),
		zap.Int("batches", batches),
		zap.Int("accepted", total))
	return nil
}

func (s *Service) applyRecord(stream flight.FlightService_DoPutServer, class string, rec arrow.Record) (PutReport, error) {
	objs, rowIDs, report, err := decodeObjects(rec)
	if err != nil {
		return PutReport{}, err
	}
	if len(objs) == 0 {
		return report, nil
	}

	errs, err := s.db.BatchPut(stream.Context(), class, objs)
	if err != nil {
		return PutReport{}, err
	}
	report.Accepted = len(objs)
	for i, e := range errs {
		if e == nil {
			continue
		}
		report.Accepted--
		report.Errors = append(report.Errors, ObjectError{ID: rowIDs[i], Reason: Reason(e), Error: e.Error()})
	}
	return report, nil
}

// decodeObjects turns a put record into engine objects. Rows that cannot be decoded are
// reported in the returned PutReport and left out of objs.
func decodeObjects(rec arrow.Record) ([]engine.Object, []string, PutReport, error) {
	var report PutReport
	sc := rec.Schema()

	idIdx := sc.FieldIndices(IDColumn)
	vecIdx := sc.FieldIndices(VectorColumn)
	if len(idIdx) != 1 || len(vecIdx) != 1 {
		return nil, nil, report, anerrors.NewValidationError("put", "record needs exactly one id and one vector column")
	}
	ids, ok := rec.Column(idIdx[0]).(*array.String)
	if !ok {
		return nil, nil, report, anerrors.NewValidationError("put", "id column must be utf8")
	}
	vectors, ok := rec.Column(vecIdx[0]).(*array.List)
	if !ok {
		return nil, nil, report, anerrors.NewValidationError("put", "vector column must be list<float32>")
	}
	values, ok := vectors.ListValues().(*array.Float32)
	if !ok {
		return nil, nil, report, anerrors.NewValidationError("put", "vector column must be list<float32>")
	}

	type propColumn struct {
		name string
		col  arrow.Array
	}
	var props []propColumn
	for i, f := range sc.Fields() {
		if i == idIdx[0] || i == vecIdx[0] {
			continue
		}
		switch rec.Column(i).(type) {
		case *array.Int64, *array.Float64, *array.String:
		default:
			return nil, nil, report, anerrors.NewValidationError("put",
				fmt.Sprintf("property column %q has unsupported type %s", f.Name, f.Type))
		}
		props = append(props, propColumn{name: f.Name, col: rec.Column(i)})
	}

	n := int(rec.NumRows())
	objs := make([]engine.Object, 0, n)
	rowIDs := make([]string, 0, n)
	for row := 0; row < n; row++ {
		rawID := ids.Value(row)
		id, err := uuid.Parse(rawID)
		if ids.IsNull(row) || err != nil {
			e := anerrors.InvalidObject("put", fmt.Sprintf("row %d: invalid id %q", row, rawID))
			report.Errors = append(report.Errors, ObjectError{ID: rawID, Reason: Reason(e), Error: e.Error()})
			continue
		}

		var vec []float32
		if vectors.IsValid(row) {
			from, to := vectors.ValueOffsets(row)
			vec = make([]float32, to-from)
			copy(vec, values.Float32Values()[from:to])
		}

		obj := engine.Object{ID: id, Properties: make(map[string]any, len(props)), Vector: vec}
		for _, p := range props {
			if p.col.IsNull(row) {
				continue
			}
			switch c := p.col.(type) {
			case *array.Int64:
				obj.Properties[p.name] = c.Value(row)
			case *array.Float64:
				obj.Properties[p.name] = c.Value(row)
			case *array.String:
				obj.Properties[p.name] = c.Value(row)
			}
		}
		objs = append(objs, obj)
		rowIDs = append(rowIDs, rawID)
	}
	return objs, rowIDs, report, nil
}
