package rbac

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinix/backend/internal/policy/engine"
	"clinix/backend/internal/server/interceptors"
)

// stubEvaluator implements engine.Evaluator for tests.
type stubEvaluator struct {
	allow bool
	err   error
	got   engine.Input
}

func (s *stubEvaluator) Allow(ctx context.Context, in engine.Input) (bool, error) {
	s.got = in
	return s.allow, s.err
}

func TestRequireRoles_Success(t *testing.T) {
	eval := &stubEvaluator{allow: true}
	ctx := interceptors.WithIdentity(context.Background(), interceptors.Identity{UserID: "user-1", Roles: []string{"DOCTOR"}})

	id, err := RequireRoles(ctx, eval, "/svc/M", "DOCTOR")
	if err != nil {
		t.Fatalf("RequireRoles: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("user_id = %q, want %q", id.UserID, "user-1")
	}
	if eval.got.Method != "/svc/M" || len(eval.got.RequiredRoles) != 1 || eval.got.RequiredRoles[0] != "DOCTOR" {
		t.Errorf("policy input = %+v", eval.got)
	}
}

func TestRequireRoles_Failures(t *testing.T) {
	authed := interceptors.WithIdentity(context.Background(), interceptors.Identity{UserID: "user-1", Roles: []string{"PATIENT"}})
	tests := []struct {
		name string
		ctx  context.Context
		eval *stubEvaluator
		want codes.Code
	}{
		{"unauthenticated", context.Background(), &stubEvaluator{allow: true}, codes.Unauthenticated},
		{"denied", authed, &stubEvaluator{allow: false}, codes.PermissionDenied},
		{"policy error", authed, &stubEvaluator{err: errors.New("eval failed")}, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RequireRoles(tt.ctx, tt.eval, "/svc/M", "DOCTOR")
			st, ok := status.FromError(err)
			if !ok {
				t.Fatalf("error is not a gRPC status: %v", err)
			}
			if st.Code() != tt.want {
				t.Errorf("code = %v, want %v", st.Code(), tt.want)
			}
		})
	}
}

func TestRequireRoles_WithOPAPolicy(t *testing.T) {
	eval, err := engine.NewOPAEvaluator(context.Background(), "")
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	patient := interceptors.WithIdentity(context.Background(), interceptors.Identity{UserID: "user-1", Roles: []string{"PATIENT"}})
	if _, err := RequireRoles(patient, eval, "/svc/M", "PATIENT"); err != nil {
		t.Errorf("patient denied: %v", err)
	}
	if _, err := RequireRoles(patient, eval, "/svc/M", "DOCTOR"); status.Code(err) != codes.PermissionDenied {
		t.Errorf("patient calling doctor-only: %v", err)
	}
}
