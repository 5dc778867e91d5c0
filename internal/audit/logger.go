// Package audit records the security audit trail: who did what to which
// resource, from where. Writes are best-effort and never fail the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clinix/backend/internal/audit/domain"
	auditrepo "clinix/backend/internal/audit/repository"
	"clinix/backend/internal/logging"
)

// writeTimeout bounds one audit insert.
const writeTimeout = 3 * time.Second

// IPExtractor returns the client address for the request in ctx.
type IPExtractor func(context.Context) string

// AuditLogger records one audit event.
type AuditLogger interface {
	LogEvent(ctx context.Context, userID, action, resource, metadata string)
}

// Logger persists events through an audit repository.
type Logger struct {
	repo   auditrepo.Repository
	ip     IPExtractor
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger returns a Logger. A nil ipExtractor records the address as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Logger{repo: repo, ip: ipExtractor, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// LogEvent writes one entry. The write outlives cancellation of ctx, so an event
// raised by a request whose client hung up is still recorded.
func (l *Logger) LogEvent(ctx context.Context, userID, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ip != nil {
		ip = l.ip(ctx)
	}
	entry := &domain.AuditLog{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := l.repo.Create(wctx, entry); err != nil {
		logging.LogError(ctx, l.logger, "audit write failed", err,
			slog.String("action", action),
			slog.String("resource", resource),
			slog.String("user_id", userID),
		)
	}
}
