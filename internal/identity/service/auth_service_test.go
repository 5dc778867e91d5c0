package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"clinix/backend/internal/audit"
	auditdomain "clinix/backend/internal/audit/domain"
	auditrepo "clinix/backend/internal/audit/repository"
	eventsdomain "clinix/backend/internal/events/domain"
	"clinix/backend/internal/security"
	sessiondomain "clinix/backend/internal/session/domain"
	"clinix/backend/internal/session/lock"
	sessionrepo "clinix/backend/internal/session/repository"
	sessionservice "clinix/backend/internal/session/service"
	userdomain "clinix/backend/internal/user/domain"
	userrepo "clinix/backend/internal/user/repository"
)

type publishedEvent struct {
	routingKey string
	payload    any
}

type memPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *memPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{routingKey: routingKey, payload: payload})
	return nil
}

type testEnv struct {
	svc       *AuthService
	users     *userrepo.MemoryRepository
	sessions  *sessionrepo.MemoryRepository
	tokens    *security.TokenCodec
	publisher *memPublisher
	audit     *auditrepo.MemoryRepository
}

func newTestEnv(t *testing.T, maxDevices int) *testEnv {
	t.Helper()
	env := &testEnv{
		users:     userrepo.NewMemoryRepository(),
		sessions:  sessionrepo.NewMemoryRepository(),
		tokens:    security.NewTestTokenCodec(),
		publisher: &memPublisher{},
		audit:     auditrepo.NewMemoryRepository(),
	}
	mgr := sessionservice.NewManager(env.sessions, lock.NewKeyedMutex(), sessionservice.Config{MaxDevices: maxDevices}, nil, nil)
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})
	env.svc = NewAuthService(Deps{
		Users:          env.users,
		Sessions:       mgr,
		Hasher:         security.NewBcryptHasher(4),
		Tokens:         env.tokens,
		Publisher:      env.publisher,
		Audit:          audit.NewLogger(env.audit, nil, nil),
		RequestTimeout: 5 * time.Second,
	})
	return env
}

func (e *testEnv) register(t *testing.T, email string, roles ...string) *UserProfile {
	t.Helper()
	u, err := e.svc.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  "correct-horse",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Roles:     roles,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return u
}

func (e *testEnv) login(t *testing.T, email, deviceID string) *LoginResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), email, "correct-horse", deviceID)
	if err != nil {
		t.Fatalf("Login(%s, %s): %v", email, deviceID, err)
	}
	return res
}

func (e *testEnv) sessionCount(t *testing.T, userID string) int {
	t.Helper()
	list, err := e.sessions.ListByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	return len(list)
}

func TestRegisterThenLogin_TokensBoundToDevice(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "A@X.com ", "DOCTOR")
	if u.Email != "a@x.com" {
		t.Errorf("email = %q, want normalized a@x.com", u.Email)
	}

	res := env.login(t, "a@x.com", "phone-1")
	claims, err := env.tokens.VerifyAccess(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.DeviceID != "phone-1" {
		t.Errorf("access deviceId = %q, want phone-1", claims.DeviceID)
	}
	if claims.UserID() != u.ID {
		t.Errorf("subject = %q, want %q", claims.UserID(), u.ID)
	}
	rc, err := env.tokens.VerifyRefresh(res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if rc.DeviceID != "phone-1" {
		t.Errorf("refresh deviceId = %q, want phone-1", rc.DeviceID)
	}
	if res.DeviceRevoked || res.ActiveSessions != 0 {
		t.Errorf("first login: DeviceRevoked=%v ActiveSessions=%d", res.DeviceRevoked, res.ActiveSessions)
	}
	if res.User.ID != u.ID || res.User.LastLoginAt != nil {
		t.Errorf("profile = %+v; want id %s and no previous login", res.User, u.ID)
	}
}

func TestRegister_PublishesOneEventPerRole(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "a@x.com", "DOCTOR")

	if len(env.publisher.events) != 1 {
		t.Fatalf("published %d events, want 1", len(env.publisher.events))
	}
	ev := env.publisher.events[0]
	if ev.routingKey != "user.created.doctor" {
		t.Errorf("routing key = %q, want user.created.doctor", ev.routingKey)
	}
	payload, ok := ev.payload.(eventsdomain.UserCreated)
	if !ok {
		t.Fatalf("payload type %T", ev.payload)
	}
	if payload.UserID != u.ID || payload.Email != "a@x.com" || payload.FirstName != "Ada" {
		t.Errorf("payload = %+v", payload)
	}

	env.register(t, "b@x.com", "doctor", "Patient", "DOCTOR")
	var keys []string
	for _, e := range env.publisher.events[1:] {
		keys = append(keys, e.routingKey)
	}
	if fmt.Sprint(keys) != "[user.created.doctor user.created.patient]" {
		t.Errorf("keys = %v", keys)
	}
}

func TestRegister_DefaultsToPatient(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "p@x.com")
	if len(u.Roles) != 1 || u.Roles[0] != userdomain.RolePatient {
		t.Errorf("roles = %v, want [PATIENT]", u.Roles)
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].routingKey != "user.created.patient" {
		t.Errorf("events = %+v", env.publisher.events)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	_, err := env.svc.Register(context.Background(), RegisterInput{
		Email: "a@x.com", Password: "another-pass", FirstName: "Bob", LastName: "Smith",
	})
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("want ErrDuplicateAccount, got %v", err)
	}
	if len(env.publisher.events) != 1 {
		t.Errorf("duplicate registration published events: %d", len(env.publisher.events))
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	env := newTestEnv(t, 3)
	valid := RegisterInput{Email: "a@x.com", Password: "correct-horse", FirstName: "Ada", LastName: "Lovelace"}
	tests := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"empty email", func(in *RegisterInput) { in.Email = "" }},
		{"bad email", func(in *RegisterInput) { in.Email = "not-an-email" }},
		{"short password", func(in *RegisterInput) { in.Password = "short" }},
		{"long password", func(in *RegisterInput) { in.Password = "0123456789012345678901234567890123" }},
		{"password over hasher byte limit", func(in *RegisterInput) { in.Password = strings.Repeat("密", 32) }},
		{"short first name", func(in *RegisterInput) { in.FirstName = "A" }},
		{"short last name", func(in *RegisterInput) { in.LastName = " L " }},
		{"unknown role", func(in *RegisterInput) { in.Roles = []string{"NURSE"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			if _, err := env.svc.Register(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
		})
	}
	if len(env.publisher.events) != 0 {
		t.Errorf("invalid registrations published %d events", len(env.publisher.events))
	}
}

func TestRegister_PublishFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, 3)
	env.publisher.err = errors.New("broker unreachable")
	u := env.register(t, "a@x.com", "DOCTOR")
	if u.ID == "" {
		t.Fatal("expected created user")
	}
	if got, _ := env.users.GetByEmail(context.Background(), "a@x.com"); got == nil {
		t.Fatal("user not persisted")
	}
}

func TestLogin_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	suspended := env.register(t, "s@x.com", "PATIENT")
	if err := env.users.SetStatus(suspended.ID, userdomain.UserStatusSuspended); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	cases := []struct{ name, email, password string }{
		{"unknown email", "nobody@x.com", "correct-horse"},
		{"wrong password", "a@x.com", "wrong-horse"},
		{"suspended", "s@x.com", "correct-horse"},
		{"empty password", "a@x.com", ""},
	}
	for _, c := range cases {
		_, err := env.svc.Login(ctx, c.email, c.password, "d1")
		if err != ErrInvalidCredentials {
			t.Errorf("%s: err = %v, want exactly ErrInvalidCredentials", c.name, err)
		}
	}
	if _, err := env.svc.Login(ctx, "a@x.com", "correct-horse", " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing device: want ErrInvalidInput, got %v", err)
	}
}

func TestLogin_DeviceCapEvictsOldest(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "a@x.com", "DOCTOR")
	for i := 1; i <= 3; i++ {
		res := env.login(t, "a@x.com", fmt.Sprintf("d%d", i))
		if res.DeviceRevoked {
			t.Fatalf("d%d: unexpected eviction", i)
		}
	}
	res := env.login(t, "a@x.com", "d4")
	if !res.DeviceRevoked {
		t.Fatal("4th device: DeviceRevoked = false")
	}
	if res.ActiveSessions != 3 {
		t.Errorf("ActiveSessions = %d, want 3", res.ActiveSessions)
	}
	if n := env.sessionCount(t, u.ID); n != 3 {
		t.Errorf("sessions = %d, want 3", n)
	}
	if s, _ := env.sessions.GetByUserAndDevice(context.Background(), u.ID, "d1"); s != nil {
		t.Error("least recently used device d1 survived")
	}

	actions := env.audit.Actions()
	var evicted int
	for _, a := range actions {
		if a == auditdomain.ActionDeviceEvicted {
			evicted++
		}
	}
	if evicted != 1 {
		t.Errorf("device_evicted audit entries = %d, want 1", evicted)
	}
}

func TestLogin_ReturnsPreviousLastLogin(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	env.login(t, "a@x.com", "d1")
	res := env.login(t, "a@x.com", "d1")
	if res.User.LastLoginAt == nil {
		t.Fatal("second login should report the first login time")
	}
	if res.DeviceRevoked || res.ActiveSessions != 1 {
		t.Errorf("same-device relogin: DeviceRevoked=%v ActiveSessions=%d", res.DeviceRevoked, res.ActiveSessions)
	}
}

func TestRefresh_RoundTripPreservesClaims(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR", "ADMIN")
	login := env.login(t, "a@x.com", "laptop")

	pair, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before, _ := env.tokens.VerifyAccess(login.Tokens.AccessToken)
	after, err := env.tokens.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if after.UserID() != before.UserID() || after.Email != before.Email || after.DeviceID != before.DeviceID ||
		fmt.Sprint(after.Roles) != fmt.Sprint(before.Roles) {
		t.Errorf("claims changed: before %+v after %+v", before, after)
	}
	if pair.RefreshToken == login.Tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The rotated token keeps working.
	if _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("second Refresh with rotated token: %v", err)
	}
}

func TestRefresh_ReplayRevokesAllSessions(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "a@x.com", "DOCTOR")
	login := env.login(t, "a@x.com", "laptop")
	env.login(t, "a@x.com", "phone")

	if _, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	_, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("replayed Refresh: want ErrAccessDenied, got %v", err)
	}
	if n := env.sessionCount(t, u.ID); n != 0 {
		t.Errorf("sessions after replay = %d, want 0", n)
	}
	found := false
	for _, a := range env.audit.Actions() {
		if a == auditdomain.ActionRefreshReuseDetected {
			found = true
		}
	}
	if !found {
		t.Error("refresh_reuse_detected not audited")
	}
}

func TestRefresh_ConcurrentSameTokenOneWinner(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	login := env.login(t, "a@x.com", "laptop")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, denied int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrSessionNotFound):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("successful refreshes = %d, want 1", ok)
	}
	if denied != 7 {
		t.Errorf("denied refreshes = %d, want 7", denied)
	}
}

func TestRefresh_InvalidTokens(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	login := env.login(t, "a@x.com", "laptop")

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"access token": login.Tokens.AccessToken,
	} {
		if _, err := env.svc.Refresh(context.Background(), token); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Errorf("%s: want ErrInvalidRefreshToken, got %v", name, err)
		}
	}
}

func TestRefresh_AfterLogoutSessionNotFound(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "a@x.com", "DOCTOR")
	login := env.login(t, "a@x.com", "laptop")
	if err := env.svc.Logout(context.Background(), u.ID, "laptop"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t, 3)
	u := env.register(t, "a@x.com", "DOCTOR")
	env.login(t, "a@x.com", "laptop")
	env.login(t, "a@x.com", "phone")

	for i := 0; i < 2; i++ {
		if err := env.svc.Logout(context.Background(), u.ID, "laptop"); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if s, _ := env.sessions.GetByUserAndDevice(context.Background(), u.ID, "laptop"); s != nil {
		t.Error("laptop session survived logout")
	}
	if n := env.sessionCount(t, u.ID); n != 1 {
		t.Errorf("sessions = %d, want phone only", n)
	}
	if err := env.svc.Logout(context.Background(), "", "laptop"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("anonymous logout: want ErrUnauthorized, got %v", err)
	}
}

type failingSessions struct {
	SessionManager
	lookupErr error
}

func (f failingSessions) Lookup(ctx context.Context, userID, deviceID string) (*sessiondomain.Session, error) {
	return nil, f.lookupErr
}

func TestRefresh_LookupFailureIsInvalidRefreshToken(t *testing.T) {
	env := newTestEnv(t, 3)
	env.register(t, "a@x.com", "DOCTOR")
	login := env.login(t, "a@x.com", "laptop")

	env.svc.sessions = failingSessions{SessionManager: env.svc.sessions, lookupErr: errors.New("db down")}
	if _, err := env.svc.Refresh(context.Background(), login.Tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("want ErrInvalidRefreshToken, got %v", err)
	}
}
