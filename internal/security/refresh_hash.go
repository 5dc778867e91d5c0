package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashRefreshToken is the value stored on a session row in place of the refresh token:
// lowercase hex SHA-256 of the token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RefreshTokenHashEqual reports whether token hashes to storedHash. The digests are compared
// in constant time; a stored value that is not a SHA-256 hex digest never matches.
func RefreshTokenHashEqual(token, storedHash string) bool {
	stored, err := hex.DecodeString(storedHash)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], stored) == 1
}
