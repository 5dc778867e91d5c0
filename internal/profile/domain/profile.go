// Package domain defines the doctor and patient profiles provisioned from user events.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmailTaken is returned when the email already belongs to a profile of another user.
var ErrEmailTaken = errors.New("profile email belongs to another user")

// Kind selects which profile a worker provisions.
type Kind string

const (
	KindDoctor  Kind = "doctor"
	KindPatient Kind = "patient"
)

// ParseKind accepts a kind in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindDoctor, KindPatient:
		return k, nil
	default:
		return "", fmt.Errorf("unknown profile kind %q", s)
	}
}

// Role is the user role whose creation provisions this kind, e.g. "DOCTOR".
func (k Kind) Role() string {
	return strings.ToUpper(string(k))
}

// Profile is the per-service record created for a new user. One per user per kind.
type Profile struct {
	ID        string
	UserID    string
	Kind      Kind
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
}
