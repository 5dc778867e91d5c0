// Package server assembles the gRPC server: interceptors, stats handler and
// service registration for whichever handlers a binary provides.
package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"clinix/backend/api/authv1"
	"clinix/backend/api/profilev1"
	"clinix/backend/internal/audit"
	"clinix/backend/internal/server/interceptors"
)

// Deps holds the handlers and cross-cutting collaborators. Nil handlers are not registered.
type Deps struct {
	Auth    authv1.AuthServiceServer
	Profile profilev1.ProfileServiceServer
	// Tokens verifies access tokens for every non-public method.
	Tokens interceptors.AccessVerifier
	// Audit records authenticated calls. Nil disables call auditing.
	Audit  audit.AuditLogger
	Health *health.Server
	Logger *slog.Logger
}

// PublicMethods are callable without an access token.
var PublicMethods = map[string]bool{
	authv1.AuthService_Register_FullMethodName: true,
	authv1.AuthService_Login_FullMethodName:    true,
	authv1.AuthService_Refresh_FullMethodName:  true,
	healthpb.Health_Check_FullMethodName:       true,
	healthpb.Health_Watch_FullMethodName:       true,
}

// auditSkip lists methods that either audit themselves or are too noisy to record.
var auditSkip = map[string]bool{
	authv1.AuthService_Register_FullMethodName: true,
	authv1.AuthService_Login_FullMethodName:    true,
	authv1.AuthService_Refresh_FullMethodName:  true,
	authv1.AuthService_Logout_FullMethodName:   true,
	healthpb.Health_Check_FullMethodName:       true,
	healthpb.Health_Watch_FullMethodName:       true,
}

var telemetrySkip = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewGRPCServer returns a server with the otelgrpc stats handler and the
// telemetry, auth and audit interceptors, in that order, with deps registered.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.TelemetryUnary(deps.Logger, telemetrySkip),
			interceptors.AuthUnary(deps.Tokens, PublicMethods),
			interceptors.AuditUnary(deps.Audit, auditSkip),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers every handler present in deps.
//
//   - AuthService    → internal/identity/handler
//   - ProfileService → internal/profile/handler
//   - Health         → grpc health server, driven by internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	if deps.Auth != nil {
		authv1.RegisterAuthServiceServer(s, deps.Auth)
	}
	if deps.Profile != nil {
		profilev1.RegisterProfileServiceServer(s, deps.Profile)
	}
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
