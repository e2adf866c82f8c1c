package middleware

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/annbench/internal/metrics"
)

// RecoveryStreamInterceptor turns a panic in a Flight handler into an Internal status so
// one bad request cannot take the embedded instance down with the harness.
func RecoveryStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				metrics.HandlerPanicsTotal.WithLabelValues(info.FullMethod).Inc()
				logger.Error("Recovered panic in stream handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = status.Error(codes.Internal, fmt.Sprintf("internal error in %s", info.FullMethod))
			}
		}()
		return handler(srv, ss)
	}
}
