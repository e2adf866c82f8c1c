package server

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	anerrors "github.com/23skdu/annbench/internal/errors"
)

type sentinelMapping struct {
	sentinel error
	code     codes.Code
	reason   string
}

// Order matters: the first sentinel matched by errors.Is wins.
var sentinels = []sentinelMapping{
	{anerrors.ErrCollectionNotFound, codes.NotFound, "COLLECTION_NOT_FOUND"},
	{anerrors.ErrCollectionExists, codes.AlreadyExists, "COLLECTION_EXISTS"},
	{anerrors.ErrImmutableConfig, codes.FailedPrecondition, "IMMUTABLE_CONFIG"},
	{anerrors.ErrDimensionMismatch, codes.InvalidArgument, "DIMENSION_MISMATCH"},
	{anerrors.ErrInvalidObject, codes.InvalidArgument, "INVALID_OBJECT"},
	{anerrors.ErrUnsupportedMetric, codes.InvalidArgument, "UNSUPPORTED_METRIC"},
	{anerrors.ErrMalformedResponse, codes.Internal, "MALFORMED_RESPONSE"},
	{anerrors.ErrPreconditionViolation, codes.FailedPrecondition, "PRECONDITION_VIOLATION"},
}

// Reason returns the ErrorInfo reason for err, or "" when err matches no sentinel.
func Reason(err error) string {
	for _, m := range sentinels {
		if errors.Is(err, m.sentinel) {
			return m.reason
		}
	}
	return ""
}

// SentinelForReason is the inverse of Reason.
func SentinelForReason(reason string) error {
	for _, m := range sentinels {
		if m.reason == reason {
			return m.sentinel
		}
	}
	return nil
}

// ToStatus converts a domain error to a gRPC status error. Sentinel errors carry an
// ErrorInfo detail so clients can restore them.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	code, reason := classify(err)
	st := status.New(code, err.Error())
	if reason != "" {
		if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}); derr == nil {
			st = detailed
		}
	}
	return st.Err()
}

func classify(err error) (codes.Code, string) {
	for _, m := range sentinels {
		if errors.Is(err, m.sentinel) {
			return m.code, m.reason
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled, ""
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, ""
	}

	var se *anerrors.StructuredError
	if errors.As(err, &se) {
		switch se.Type {
		case anerrors.ErrorTypeValidation, anerrors.ErrorTypeSchema:
			return codes.InvalidArgument, ""
		case anerrors.ErrorTypeStorage:
			// Persistence failures are transient from the caller's point of view
			return codes.Unavailable, ""
		}
	}
	return codes.Internal, ""
}
