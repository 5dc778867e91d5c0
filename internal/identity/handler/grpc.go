package handler

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authv1 "clinix/backend/api/authv1"
	identityservice "clinix/backend/internal/identity/service"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/security"
	"clinix/backend/internal/server/interceptors"
)

// AuthServer implements AuthService (register, login, refresh, logout).
// Package: api/authv1 -> internal/identity/handler.
type AuthServer struct {
	auth   *identityservice.AuthService
	logger *slog.Logger
}

// NewAuthServer returns a new Auth gRPC server. If auth is nil, every RPC returns Unimplemented.
func NewAuthServer(auth *identityservice.AuthService, logger *slog.Logger) *AuthServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthServer{auth: auth, logger: logger}
}

func (s *AuthServer) Register(ctx context.Context, req *authv1.RegisterRequest) (*authv1.RegisterResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Register not implemented")
	}
	u, err := s.auth.Register(ctx, identityservice.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Roles:     req.Roles,
	})
	if err != nil {
		return nil, s.authErrToStatus(ctx, "Register", err)
	}
	return &authv1.RegisterResponse{User: userToProto(u)}, nil
}

func (s *AuthServer) Login(ctx context.Context, req *authv1.LoginRequest) (*authv1.LoginResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	res, err := s.auth.Login(ctx, req.Email, req.Password, req.DeviceID)
	if err != nil {
		return nil, s.authErrToStatus(ctx, "Login", err)
	}
	return &authv1.LoginResponse{
		AccessToken:      res.Tokens.AccessToken,
		RefreshToken:     res.Tokens.RefreshToken,
		AccessExpiresAt:  res.Tokens.AccessExpiresAt,
		RefreshExpiresAt: res.Tokens.RefreshExpiresAt,
		User:             userToProto(&res.User),
		DeviceRevoked:    res.DeviceRevoked,
		ActiveSessions:   res.ActiveSessions,
	}, nil
}

func (s *AuthServer) Refresh(ctx context.Context, req *authv1.RefreshRequest) (*authv1.RefreshResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
	}
	pair, err := s.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.authErrToStatus(ctx, "Refresh", err)
	}
	return pairToRefreshResponse(pair), nil
}

// Logout ends the session of the device named in the caller's access token.
func (s *AuthServer) Logout(ctx context.Context, req *authv1.LogoutRequest) (*authv1.LogoutResponse, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	userID, _ := interceptors.GetUserID(ctx)
	deviceID, _ := interceptors.GetDeviceID(ctx)
	if err := s.auth.Logout(ctx, userID, deviceID); err != nil {
		return nil, s.authErrToStatus(ctx, "Logout", err)
	}
	return &authv1.LogoutResponse{}, nil
}

// authErrToStatus maps service errors to gRPC codes with fixed messages. Unknown errors are
// logged in full and returned as a bare Internal.
func (s *AuthServer) authErrToStatus(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, identityservice.ErrDuplicateAccount):
		return status.Error(codes.AlreadyExists, "email already registered")
	case errors.Is(err, identityservice.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, identityservice.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, identityservice.ErrInvalidRefreshToken),
		errors.Is(err, identityservice.ErrSessionNotFound),
		errors.Is(err, identityservice.ErrAccessDenied):
		return status.Error(codes.PermissionDenied, "invalid refresh token")
	case errors.Is(err, identityservice.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	default:
		logging.LogError(ctx, s.logger, "auth request failed", err, slog.String("method", method))
		return status.Error(codes.Internal, "internal error")
	}
}

func userToProto(u *identityservice.UserProfile) *authv1.User {
	roles := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = string(r)
	}
	return &authv1.User{
		ID:          u.ID,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Roles:       roles,
		Status:      string(u.Status),
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

func pairToRefreshResponse(p security.TokenPair) *authv1.RefreshResponse {
	return &authv1.RefreshResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}
