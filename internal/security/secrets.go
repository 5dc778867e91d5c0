package security

import (
	"errors"
	"os"
	"strings"
)

// ErrEmptySecret is returned when a signing secret resolves to an empty value.
var ErrEmptySecret = errors.New("empty secret")

const filePrefix = "file:"

// LoadSecret returns s as bytes, or the contents of the referenced file when s
// has the form "file:/path/to/secret". Trailing whitespace in the file is trimmed.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, filePrefix) {
		b, err := os.ReadFile(strings.TrimPrefix(s, filePrefix))
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(string(b))
	}
	if s == "" {
		return nil, ErrEmptySecret
	}
	return []byte(s), nil
}
