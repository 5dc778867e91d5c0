package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"clinix/backend/internal/security"
)

const bearerScheme = "bearer"

// errUnauthenticated does not say whether the header was missing, malformed, or expired.
var errUnauthenticated = status.Error(codes.Unauthenticated, "missing or invalid authorization")

// AccessVerifier validates access tokens. *security.TokenCodec implements it.
type AccessVerifier interface {
	VerifyAccess(token string) (*security.Claims, error)
}

// AuthUnary verifies the access token on every method not in publicMethods and
// attaches the caller's Identity to the handler context.
func AuthUnary(tokens AccessVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, errUnauthenticated
		}
		claims, err := tokens.VerifyAccess(token)
		if err != nil || claims.UserID() == "" {
			return nil, errUnauthenticated
		}
		ctx = WithIdentity(ctx, Identity{
			UserID:   claims.UserID(),
			DeviceID: claims.DeviceID,
			Email:    claims.Email,
			Roles:    claims.Roles,
		})
		return handler(ctx, req)
	}
}

// extractBearer returns the token of an "authorization: Bearer <token>" header, or "".
// The scheme is matched case-insensitively.
func extractBearer(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(vals[0]), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	return strings.TrimSpace(token)
}
