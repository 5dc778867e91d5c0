package interceptors

import "context"

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// Identity is the caller established from a verified access token.
type Identity struct {
	UserID   string
	DeviceID string
	Email    string
	Roles    []string
}

// WithIdentity returns a context carrying id.
// Handlers read it via IdentityFrom, GetUserID, GetDeviceID, GetRoles.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller identity and true if the request was authenticated.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}

// GetDeviceID returns the device_id from context and true if set; otherwise "", false.
func GetDeviceID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.DeviceID == "" {
		return "", false
	}
	return id.DeviceID, true
}

// GetRoles returns the caller's roles, or nil when unauthenticated.
func GetRoles(ctx context.Context) []string {
	id, _ := IdentityFrom(ctx)
	return id.Roles
}
