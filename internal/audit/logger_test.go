package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"clinix/backend/internal/audit/domain"
)

type mockAuditRepo struct {
	entries   []*domain.AuditLog
	createErr error
	ctxErrs   []error
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *domain.AuditLog) error {
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	ipExtractor := func(ctx context.Context) string {
		return "192.168.1.1"
	}
	logger := NewLogger(repo, ipExtractor, nil)

	logger.LogEvent(context.Background(), "user-1", domain.ActionLogin, domain.ResourceSession, "device_id=d1")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.UserID != "user-1" {
		t.Errorf("user_id = %q, want %q", entry.UserID, "user-1")
	}
	if entry.Action != domain.ActionLogin {
		t.Errorf("action = %q, want %q", entry.Action, domain.ActionLogin)
	}
	if entry.Resource != domain.ResourceSession {
		t.Errorf("resource = %q, want %q", entry.Resource, domain.ResourceSession)
	}
	if entry.IP != "192.168.1.1" {
		t.Errorf("ip = %q, want %q", entry.IP, "192.168.1.1")
	}
	if entry.Metadata != "device_id=d1" {
		t.Errorf("metadata = %q, want %q", entry.Metadata, "device_id=d1")
	}
	if entry.ID == "" {
		t.Error("entry ID should be set")
	}
	if entry.CreatedAt.IsZero() || entry.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want a UTC timestamp", entry.CreatedAt)
	}
}

func TestLogger_LogEvent_NilIPExtractor(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo, nil, nil)

	logger.LogEvent(context.Background(), "", domain.ActionLoginFailure, domain.ResourceUser, "")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].IP != "unknown" {
		t.Errorf("ip = %q, want %q", repo.entries[0].IP, "unknown")
	}
}

func TestLogger_LogEvent_RepositoryErrorIsLogged(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("database error")}
	var buf bytes.Buffer
	logger := NewLogger(repo, nil, slog.New(slog.NewTextHandler(&buf, nil)))

	logger.LogEvent(context.Background(), "user-1", domain.ActionLogout, domain.ResourceSession, "")

	if !strings.Contains(buf.String(), "database error") {
		t.Errorf("log output %q does not mention the failure", buf.String())
	}
}

func TestLogger_LogEvent_SurvivesCancelledRequest(t *testing.T) {
	repo := &mockAuditRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewLogger(repo, nil, nil).LogEvent(ctx, "user-1", domain.ActionRefreshReuseDetected, domain.ResourceSession, "revoked=3")

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.ctxErrs[0] != nil {
		t.Errorf("repository saw a cancelled context: %v", repo.ctxErrs[0])
	}
}

func TestLogger_LogEvent_NilRepo(t *testing.T) {
	logger := NewLogger(nil, nil, nil)
	// no-op when repo is nil
	logger.LogEvent(context.Background(), "user-1", "action", "resource", "")

	var nilLogger *Logger
	nilLogger.LogEvent(context.Background(), "user-1", "action", "resource", "")
}
