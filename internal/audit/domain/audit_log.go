package domain

import "time"

// Actions recorded by the auth service.
const (
	ActionRegister             = "register"
	ActionLogin                = "login"
	ActionLoginFailure         = "login_failure"
	ActionRefresh              = "refresh"
	ActionRefreshReuseDetected = "refresh_reuse_detected"
	ActionDeviceEvicted        = "device_evicted"
	ActionLogout               = "logout"
)

// Resources referenced by audit entries.
const (
	ResourceUser    = "user"
	ResourceSession = "session"
)

// AuditLog represents an audit event.
type AuditLog struct {
	ID        string
	UserID    string // empty when the actor is unknown, e.g. a failed login for a missing email
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
