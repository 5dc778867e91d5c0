package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// OWASP-recommended argon2id parameters.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2SaltLen = 16
	argon2KeyLen  = 32
)

// Argon2idHasher implements PasswordHasher using argon2id with PHC-encoded output.
type Argon2idHasher struct{}

// NewArgon2idHasher returns an Argon2idHasher.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{}
}

// Hash produces a hash of the form $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>.
func (h *Argon2idHasher) Hash(password []byte) (string, error) {
	if len(password) == 0 {
		return "", ErrEmptyPassword
	}
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("PASSWORD_SALT_FAILED").Wrap(err)
	}
	key := argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Compare recomputes the key with the parameters stored in hash.
func (h *Argon2idHasher) Compare(hash string, password []byte) error {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return oops.Code("PASSWORD_INVALID_HASH").Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return oops.Code("PASSWORD_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return oops.Code("PASSWORD_INVALID_HASH").Wrap(err)
	}
	if version != argon2.Version {
		return oops.Code("PASSWORD_INVALID_HASH").Errorf("unsupported argon2 version %d", version)
	}
	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return oops.Code("PASSWORD_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return oops.Code("PASSWORD_INVALID_HASH").Errorf("invalid threads value %d", threads)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return oops.Code("PASSWORD_INVALID_HASH").Wrap(err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return oops.Code("PASSWORD_INVALID_HASH").Wrap(err)
	}
	if len(expected) == 0 || len(expected) > 1<<10 {
		return oops.Code("PASSWORD_INVALID_HASH").Errorf("invalid key length %d", len(expected))
	}
	computed := argon2.IDKey(password, salt, iterations, memory, uint8(threads), uint32(len(expected)))
	if subtle.ConstantTimeCompare(computed, expected) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
