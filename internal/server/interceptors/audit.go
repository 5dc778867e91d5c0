package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"clinix/backend/internal/audit"
)

// AuditUnary returns a unary server interceptor that records an audit log entry after each
// authenticated RPC. skipMethods is the set of full method names the services already audit
// themselves (AuthService) or that are too noisy (health). Best-effort via audit.AuditLogger.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		userID, ok := GetUserID(ctx)
		if !ok {
			return resp, err
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		logger.LogEvent(ctx, userID, ar.Action, ar.Resource, "code="+status.Code(err).String())
		return resp, err
	}
}

// forwardedHeaders are consulted in order before the transport peer.
var forwardedHeaders = []string{"x-forwarded-for", "x-real-ip"}

// ClientIP returns the originating client address: the first hop of a forwarding
// header when a proxy set one, otherwise the peer host, otherwise "unknown".
func ClientIP(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, h := range forwardedHeaders {
		for _, v := range md.Get(h) {
			first, _, _ := strings.Cut(v, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
