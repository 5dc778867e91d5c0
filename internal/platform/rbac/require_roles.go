package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinix/backend/internal/policy/engine"
	"clinix/backend/internal/server/interceptors"
)

// RequireRoles ensures the caller is authenticated and the role policy admits them for method
// given the required roles. Returns the caller identity on success; returns a gRPC error
// (Unauthenticated, PermissionDenied, or Internal when the policy cannot be evaluated) on failure.
func RequireRoles(ctx context.Context, policy engine.Evaluator, method string, roles ...string) (interceptors.Identity, error) {
	id, ok := interceptors.IdentityFrom(ctx)
	if !ok || id.UserID == "" {
		return interceptors.Identity{}, status.Error(codes.Unauthenticated, "user context required")
	}
	allowed, err := policy.Allow(ctx, engine.Input{Method: method, Roles: id.Roles, RequiredRoles: roles})
	if err != nil {
		return interceptors.Identity{}, status.Error(codes.Internal, "failed to evaluate policy")
	}
	if !allowed {
		return interceptors.Identity{}, status.Error(codes.PermissionDenied, "forbidden")
	}
	return id, nil
}
