package client

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/server"
)

// fromStatus restores the sentinel carried by a status error so callers can match it
// with errors.Is. The status error stays in the chain for status.Code.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.Domain != server.ErrorDomain {
			continue
		}
		if sentinel := server.SentinelForReason(info.Reason); sentinel != nil {
			return fmt.Errorf("%s: %w: %w", op, sentinel, err)
		}
	}

	// Servers that send no details still get the coarse mapping.
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, anerrors.ErrCollectionNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w: %w", op, anerrors.ErrCollectionExists, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// objectError rebuilds one per-object failure of a put report.
func objectError(oe server.ObjectError) error {
	if sentinel := server.SentinelForReason(oe.Reason); sentinel != nil {
		return fmt.Errorf("object %s: %w: %s", oe.ID, sentinel, oe.Error)
	}
	return fmt.Errorf("object %s: %s", oe.ID, oe.Error)
}

func isNotFound(err error) bool {
	return errors.Is(err, anerrors.ErrCollectionNotFound)
}
