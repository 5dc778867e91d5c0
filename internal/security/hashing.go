package security

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned by Compare when the password does not match the hash.
var ErrPasswordMismatch = errors.New("password does not match")

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = errors.New("password cannot be empty")

// ErrPasswordTooLong is returned when a hasher cannot accept the password's byte length.
var ErrPasswordTooLong = errors.New("password too long")

// PasswordHasher hashes and verifies passwords. Callers must not log or
// persist plaintext passwords.
type PasswordHasher interface {
	Hash(password []byte) (string, error)
	// Compare returns nil on match and ErrPasswordMismatch on mismatch. Any
	// other error means the stored hash is unusable.
	Compare(hash string, password []byte) error
}

// Password hasher kinds accepted by NewPasswordHasher.
const (
	HasherArgon2id = "argon2id"
	HasherBcrypt   = "bcrypt"
)

// NewPasswordHasher returns the hasher for kind. An empty kind selects argon2id.
func NewPasswordHasher(kind string, bcryptCost int) (PasswordHasher, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", HasherArgon2id:
		return NewArgon2idHasher(), nil
	case HasherBcrypt:
		return NewBcryptHasher(bcryptCost), nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", kind)
	}
}

// BcryptHasher hashes and verifies passwords using bcrypt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a BcryptHasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash produces a bcrypt hash of password. Passwords longer than 72 bytes
// return ErrPasswordTooLong.
func (h *BcryptHasher) Hash(password []byte) (string, error) {
	if len(password) == 0 {
		return "", ErrEmptyPassword
	}
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash using constant-time
// comparison.
func (h *BcryptHasher) Compare(hash string, password []byte) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), password)
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}
