package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"clinix/backend/internal/audit"
	auditdomain "clinix/backend/internal/audit/domain"
	eventsdomain "clinix/backend/internal/events/domain"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/security"
	sessiondomain "clinix/backend/internal/session/domain"
	sessionservice "clinix/backend/internal/session/service"
	"clinix/backend/internal/telemetry"
	userdomain "clinix/backend/internal/user/domain"
)

// Sentinel errors for auth service; handler maps them to gRPC codes.
var (
	ErrDuplicateAccount    = errors.New("email already registered")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrAccessDenied        = errors.New("refresh token reuse detected; all sessions revoked")
	ErrUnauthorized        = errors.New("unauthorized")
)

const (
	minPasswordLen = 8
	maxPasswordLen = 32
	minNameLen     = 2
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// SessionManager records, rotates, and revokes device sessions.
type SessionManager interface {
	ManageSession(ctx context.Context, userID, deviceID, refreshToken string) (sessionservice.Result, error)
	Lookup(ctx context.Context, userID, deviceID string) (*sessiondomain.Session, error)
	Rotate(ctx context.Context, s *sessiondomain.Session, nextToken string) error
	Revoke(ctx context.Context, userID, deviceID string) (int64, error)
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// TokenIssuer signs and verifies device-bound token pairs.
type TokenIssuer interface {
	IssuePair(p security.Principal) (security.TokenPair, error)
	VerifyRefresh(token string) (*security.Claims, error)
}

// EventPublisher emits one event onto the user topic exchange.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Deps holds the collaborators of AuthService. Publisher, Audit, and Metrics may be nil.
type Deps struct {
	Users     UserRepo
	Sessions  SessionManager
	Hasher    security.PasswordHasher
	Tokens    TokenIssuer
	Publisher EventPublisher
	Audit     audit.AuditLogger
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	// RequestTimeout bounds the collaborator calls of one operation. Zero means no bound.
	RequestTimeout time.Duration
}

// RegisterInput is the registration request. Roles are case-insensitive; empty means PATIENT.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Roles     []string
}

// UserProfile is a user without credentials.
type UserProfile struct {
	ID          string
	Email       string
	FirstName   string
	LastName    string
	Roles       []userdomain.Role
	Status      userdomain.UserStatus
	LastLoginAt *time.Time
	CreatedAt   time.Time
}

// LoginResult holds the token pair, the user, and what the login did to the device set.
type LoginResult struct {
	Tokens         security.TokenPair
	User           UserProfile
	SessionID      string
	DeviceRevoked  bool
	ActiveSessions int
}

// AuthService implements register, login, refresh, and logout.
type AuthService struct {
	users     UserRepo
	sessions  SessionManager
	hasher    security.PasswordHasher
	tokens    TokenIssuer
	publisher EventPublisher
	audit     audit.AuditLogger
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(deps Deps) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthService{
		users:     deps.Users,
		sessions:  deps.Sessions,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		publisher: deps.Publisher,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger,
		timeout:   deps.RequestTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *AuthService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *AuthService) auditEvent(ctx context.Context, userID, action, resource, metadata string) {
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, action, resource, metadata)
	}
}

// Register creates a user and announces it with one user.created.<role> event per role.
// Publishing failures are logged and do not fail the registration.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*UserProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	email := normalizeEmail(in.Email)
	if err := validateRegistration(email, in); err != nil {
		s.metrics.Registration(ctx, telemetry.ResultDenied)
		return nil, err
	}
	roles, err := userdomain.ParseRoles(in.Roles)
	if err != nil {
		s.metrics.Registration(ctx, telemetry.ResultDenied)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hashed, err := s.hasher.Hash([]byte(in.Password))
	if errors.Is(err, security.ErrPasswordTooLong) {
		s.metrics.Registration(ctx, telemetry.ResultDenied)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		s.metrics.Registration(ctx, telemetry.ResultFailure)
		return nil, err
	}
	now := s.now()
	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hashed,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Roles:        roles,
		Status:       userdomain.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		s.metrics.Registration(ctx, telemetry.ResultDenied)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userdomain.ErrDuplicateEmail) {
			s.metrics.Registration(ctx, telemetry.ResultDenied)
			return nil, ErrDuplicateAccount
		}
		s.metrics.Registration(ctx, telemetry.ResultFailure)
		return nil, err
	}
	s.metrics.Registration(ctx, telemetry.ResultSuccess)
	s.auditEvent(ctx, user.ID, auditdomain.ActionRegister, auditdomain.ResourceUser, "roles="+strings.Join(userdomain.RoleStrings(roles), ","))

	// The user row exists now; the events go out even if the caller has gone away.
	s.publishUserCreated(context.WithoutCancel(ctx), user)

	profile := toProfile(user)
	return &profile, nil
}

func (s *AuthService) publishUserCreated(ctx context.Context, u *userdomain.User) {
	if s.publisher == nil {
		return
	}
	payload := eventsdomain.UserCreated{
		UserID:    u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
	for _, role := range u.Roles {
		key := eventsdomain.RoutingKey(string(role))
		if err := s.publisher.Publish(ctx, key, payload); err != nil {
			logging.LogError(ctx, s.logger, "publish user created event failed", err,
				slog.String("user_id", u.ID),
				slog.String("routing_key", key),
			)
			continue
		}
		s.logger.InfoContext(ctx, "user created event published",
			slog.String("user_id", u.ID),
			slog.String("routing_key", key),
		)
	}
}

// Login authenticates email/password, issues a token pair bound to deviceID, and records the
// device session. Unknown email, inactive account, and wrong password are indistinguishable.
func (s *AuthService) Login(ctx context.Context, email, password, deviceID string) (*LoginResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	email = normalizeEmail(email)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		s.metrics.Login(ctx, telemetry.ResultDenied)
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if email == "" || password == "" {
		return nil, s.loginFailed(ctx, "", "missing_credentials")
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		s.metrics.Login(ctx, telemetry.ResultFailure)
		return nil, err
	}
	if user == nil {
		return nil, s.loginFailed(ctx, "", "unknown_email")
	}
	if user.Status != userdomain.UserStatusActive {
		return nil, s.loginFailed(ctx, user.ID, "inactive")
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		if !errors.Is(err, security.ErrPasswordMismatch) {
			logging.LogError(ctx, s.logger, "password compare failed", err, slog.String("user_id", user.ID))
		}
		return nil, s.loginFailed(ctx, user.ID, "bad_password")
	}

	pair, err := s.tokens.IssuePair(principalOf(user, deviceID))
	if err != nil {
		s.metrics.Login(ctx, telemetry.ResultFailure)
		return nil, err
	}
	res, err := s.sessions.ManageSession(ctx, user.ID, deviceID, pair.RefreshToken)
	if err != nil {
		s.metrics.Login(ctx, telemetry.ResultFailure)
		return nil, err
	}
	for _, evicted := range res.Evicted {
		s.auditEvent(ctx, user.ID, auditdomain.ActionDeviceEvicted, auditdomain.ResourceSession, "device_id="+evicted)
	}

	profile := toProfile(user)
	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		logging.LogError(ctx, s.logger, "update last login failed", err, slog.String("user_id", user.ID))
	}

	s.metrics.Login(ctx, telemetry.ResultSuccess)
	s.auditEvent(ctx, user.ID, auditdomain.ActionLogin, auditdomain.ResourceSession, "device_id="+deviceID)
	return &LoginResult{
		Tokens:         pair,
		User:           profile,
		SessionID:      res.SessionID,
		DeviceRevoked:  res.DeviceRevoked,
		ActiveSessions: res.ActiveSessions,
	}, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID, reason string) error {
	s.metrics.Login(ctx, telemetry.ResultDenied)
	s.auditEvent(ctx, userID, auditdomain.ActionLoginFailure, auditdomain.ResourceUser, "reason="+reason)
	return ErrInvalidCredentials
}

// Refresh exchanges a refresh token for a new pair and rotates the stored hash. A token that
// verifies but no longer matches its session is treated as replayed: every session of the
// user is deleted and ErrAccessDenied returned.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (security.TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if refreshToken == "" {
		s.metrics.Refresh(ctx, telemetry.ResultDenied)
		return security.TokenPair{}, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.metrics.Refresh(ctx, telemetry.ResultDenied)
		return security.TokenPair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
	userID, deviceID := claims.UserID(), claims.DeviceID
	if userID == "" || deviceID == "" {
		s.metrics.Refresh(ctx, telemetry.ResultDenied)
		return security.TokenPair{}, ErrInvalidRefreshToken
	}

	sess, err := s.sessions.Lookup(ctx, userID, deviceID)
	if err != nil {
		logging.LogError(ctx, s.logger, "session lookup failed", err, slog.String("user_id", userID))
		s.metrics.Refresh(ctx, telemetry.ResultFailure)
		return security.TokenPair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
	if sess == nil {
		s.metrics.Refresh(ctx, telemetry.ResultDenied)
		return security.TokenPair{}, ErrSessionNotFound
	}
	if !security.RefreshTokenHashEqual(refreshToken, sess.RefreshTokenHash) {
		return security.TokenPair{}, s.denyReplay(ctx, userID, deviceID, "hash_mismatch")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		logging.LogError(ctx, s.logger, "user lookup failed", err, slog.String("user_id", userID))
		s.metrics.Refresh(ctx, telemetry.ResultFailure)
		return security.TokenPair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
	if user == nil || user.Status != userdomain.UserStatusActive {
		s.metrics.Refresh(ctx, telemetry.ResultDenied)
		return security.TokenPair{}, ErrInvalidRefreshToken
	}

	pair, err := s.tokens.IssuePair(principalOf(user, deviceID))
	if err != nil {
		s.metrics.Refresh(ctx, telemetry.ResultFailure)
		return security.TokenPair{}, err
	}
	if err := s.sessions.Rotate(ctx, sess, pair.RefreshToken); err != nil {
		if errors.Is(err, sessionservice.ErrStaleRefreshToken) {
			return security.TokenPair{}, s.denyReplay(ctx, userID, deviceID, "rotation_lost")
		}
		s.metrics.Refresh(ctx, telemetry.ResultFailure)
		return security.TokenPair{}, err
	}

	s.metrics.Refresh(ctx, telemetry.ResultSuccess)
	s.auditEvent(ctx, userID, auditdomain.ActionRefresh, auditdomain.ResourceSession, "device_id="+deviceID)
	return pair, nil
}

// denyReplay revokes every session of userID. The revocation runs detached from the
// request deadline and the error is ErrAccessDenied whether or not it succeeded.
func (s *AuthService) denyReplay(ctx context.Context, userID, deviceID, reason string) error {
	revokeCtx, cancel := s.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	n, err := s.sessions.RevokeAll(revokeCtx, userID)
	if err != nil {
		logging.LogError(ctx, s.logger, "revoke all sessions failed", err, slog.String("user_id", userID))
	}
	s.logger.WarnContext(ctx, "refresh token reuse detected",
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("reason", reason),
		slog.Int64("revoked", n),
	)
	s.metrics.Refresh(ctx, telemetry.ResultDenied)
	s.auditEvent(ctx, userID, auditdomain.ActionRefreshReuseDetected, auditdomain.ResourceSession,
		fmt.Sprintf("device_id=%s reason=%s revoked=%d", deviceID, reason, n))
	return ErrAccessDenied
}

// Logout deletes the session for (userID, deviceID). Logging out a device without a session succeeds.
func (s *AuthService) Logout(ctx context.Context, userID, deviceID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if userID == "" || deviceID == "" {
		return ErrUnauthorized
	}
	n, err := s.sessions.Revoke(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	s.auditEvent(ctx, userID, auditdomain.ActionLogout, auditdomain.ResourceSession, fmt.Sprintf("device_id=%s removed=%d", deviceID, n))
	return nil
}

func principalOf(u *userdomain.User, deviceID string) security.Principal {
	return security.Principal{
		UserID:   u.ID,
		Email:    u.Email,
		Roles:    userdomain.RoleStrings(u.Roles),
		DeviceID: deviceID,
	}
}

func toProfile(u *userdomain.User) UserProfile {
	p := UserProfile{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Roles:     append([]userdomain.Role(nil), u.Roles...),
		Status:    u.Status,
		CreatedAt: u.CreatedAt,
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		p.LastLoginAt = &t
	}
	return p
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegistration(email string, in RegisterInput) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(in.Password); n < minPasswordLen || n > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d to %d characters", ErrInvalidInput, minPasswordLen, maxPasswordLen)
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.FirstName)) < minNameLen {
		return fmt.Errorf("%w: first name must be at least %d characters", ErrInvalidInput, minNameLen)
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.LastName)) < minNameLen {
		return fmt.Errorf("%w: last name must be at least %d characters", ErrInvalidInput, minNameLen)
	}
	return nil
}
