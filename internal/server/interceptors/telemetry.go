package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TelemetryUnary returns a unary server interceptor that writes one structured log line per RPC
// with method, status code, duration, client IP and, when authenticated, user and device.
// Failed calls log at warn, internal errors at error. skipMethods are not logged (e.g. health).
// RPC latency and count metrics come from the otelgrpc stats handler, not from here.
func TelemetryUnary(logger *slog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		attrs := []any{
			slog.String("full_method", info.FullMethod),
			slog.String("status_code", code.String()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", ClientIP(ctx)),
		}
		if id, ok := IdentityFrom(ctx); ok {
			attrs = append(attrs, slog.String("user_id", id.UserID), slog.String("device_id", id.DeviceID))
		}
		level := slog.LevelInfo
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
			level = slog.LevelError
		default:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc request", attrs...)
		return resp, err
	}
}
