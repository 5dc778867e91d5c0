package handler

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	profilev1 "clinix/backend/api/profilev1"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/platform/rbac"
	"clinix/backend/internal/policy/engine"
	"clinix/backend/internal/profile/domain"
	"clinix/backend/internal/profile/service"
)

// ProfileServer implements ProfileService for one profile kind.
type ProfileServer struct {
	svc    *service.Service
	policy engine.Evaluator
	logger *slog.Logger
}

// NewProfileServer returns a ProfileServer. Callers must hold the role matching svc's kind.
func NewProfileServer(svc *service.Service, policy engine.Evaluator, logger *slog.Logger) *ProfileServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ProfileServer{svc: svc, policy: policy, logger: logger}
}

// GetMyProfile returns the caller's profile.
func (s *ProfileServer) GetMyProfile(ctx context.Context, req *profilev1.GetMyProfileRequest) (*profilev1.GetMyProfileResponse, error) {
	id, err := rbac.RequireRoles(ctx, s.policy, profilev1.ProfileService_GetMyProfile_FullMethodName, s.svc.Kind().Role())
	if err != nil {
		return nil, err
	}
	p, err := s.svc.GetByUserID(ctx, id.UserID)
	if errors.Is(err, service.ErrProfileNotFound) {
		return nil, status.Error(codes.NotFound, "profile not found")
	}
	if err != nil {
		logging.LogError(ctx, s.logger, "get profile failed", err, slog.String("user_id", id.UserID))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return &profilev1.GetMyProfileResponse{Profile: toProto(p)}, nil
}

func toProto(p *domain.Profile) *profilev1.Profile {
	return &profilev1.Profile{
		ID:        p.ID,
		UserID:    p.UserID,
		Kind:      string(p.Kind),
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		CreatedAt: p.CreatedAt,
	}
}
