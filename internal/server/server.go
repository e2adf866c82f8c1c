// Package server exposes an engine.Database as an Arrow Flight service.
package server

import (
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/annbench/internal/engine"
	"github.com/23skdu/annbench/internal/metrics"
	"github.com/23skdu/annbench/internal/schema"
)

// Service implements the Flight RPCs. Unimplemented RPCs fall through to
// flight.BaseFlightServer.
type Service struct {
	flight.BaseFlightServer

	db     *engine.Database
	mem    memory.Allocator
	logger *zap.Logger
}

// New creates a Service over db.
func New(db *engine.Database, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		mem:    memory.NewGoAllocator(),
		logger: logger,
	}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(g *grpc.Server) {
	flight.RegisterFlightServiceServer(g, s)
}

func (s *Service) observe(method string, start time.Time, err error) {
	metrics.FlightOperationsTotal.WithLabelValues(method, metrics.StatusLabel(err)).Inc()
	metrics.FlightDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

var actionTypes = []flight.ActionType{
	{Type: ActionCreateClass, Description: "create a class from its JSON descriptor"},
	{Type: ActionGetClass, Description: "return the descriptor of {\"class\": name}"},
	{Type: ActionUpdateClass, Description: "replace a class descriptor; only ef may change"},
	{Type: ActionListClasses, Description: "list every class descriptor"},
	{Type: ActionCountObjs, Description: "count the objects of {\"class\": name}"},
}

// ListActions advertises the supported DoAction types.
func (s *Service) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for i := range actionTypes {
		if err := stream.Send(&actionTypes[i]); err != nil {
			return err
		}
	}
	return nil
}

// DoAction handles schema management and object counts.
func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) (err error) {
	if action == nil {
		return status.Error(codes.InvalidArgument, "action is required")
	}
	start := time.Now()
	defer func() {
		s.observe("DoAction", start, err)
		metrics.SchemaOperationsTotal.WithLabelValues(action.Type, metrics.StatusLabel(err)).Inc()
	}()

	var reply any
	switch action.Type {
	case ActionCreateClass:
		reply, err = s.createClass(action.Body)
	case ActionGetClass:
		reply, err = s.getClass(action.Body)
	case ActionUpdateClass:
		reply, err = s.updateClass(action.Body)
	case ActionListClasses:
		reply = ClassList{Classes: s.db.ListClasses()}
	case ActionCountObjs:
		reply, err = s.countObjects(action.Body)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type %s", action.Type)
	}
	if err != nil {
		s.logger.Debug("DoAction failed", zap.String("type", action.Type), zap.Error(err))
		return ToStatus(err)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to serialize reply: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func decodeBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid json body: %v", err)
	}
	return nil
}

func (s *Service) createClass(body []byte) (any, error) {
	var class schema.Class
	if err := decodeBody(body, &class); err != nil {
		return nil, err
	}
	if err := s.db.CreateClass(class); err != nil {
		return nil, err
	}
	return s.db.GetClass(class.Class)
}

func (s *Service) getClass(body []byte) (any, error) {
	var ref ClassRef
	if err := decodeBody(body, &ref); err != nil {
		return nil, err
	}
	return s.db.GetClass(ref.Class)
}

func (s *Service) updateClass(body []byte) (any, error) {
	var class schema.Class
	if err := decodeBody(body, &class); err != nil {
		return nil, err
	}
	if err := s.db.UpdateClassConfig(class.Class, class); err != nil {
		return nil, err
	}
	return s.db.GetClass(class.Class)
}

func (s *Service) countObjects(body []byte) (any, error) {
	var ref ClassRef
	if err := decodeBody(body, &ref); err != nil {
		return nil, err
	}
	n, err := s.db.Count(ref.Class)
	if err != nil {
		return nil, err
	}
	return CountResult{Class: ref.Class, Count: n}, nil
}
