package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateEmail is returned by repositories when the email is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// User is the credential record owned by the auth service.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Roles        []Role
	Status       UserStatus
	LastLoginAt  *time.Time // nil until the first successful login
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusInactive  UserStatus = "INACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// Role tags a user for downstream profile provisioning and policy checks.
type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
	RoleAdmin   Role = "ADMIN"
)

// DefaultRole is assigned when registration names no roles.
const DefaultRole = RolePatient

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleDoctor, RolePatient, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// ParseRoles parses, deduplicates, and keeps input order. An empty input yields [DefaultRole].
func ParseRoles(in []string) ([]Role, error) {
	if len(in) == 0 {
		return []Role{DefaultRole}, nil
	}
	seen := make(map[Role]bool, len(in))
	out := make([]Role, 0, len(in))
	for _, s := range in {
		r, err := ParseRole(s)
		if err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out, nil
}

// RoleStrings returns roles as plain strings for token claims.
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// HasRole reports whether u carries r.
func (u *User) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if len(u.Roles) == 0 {
		return errors.New("at least one role is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}
