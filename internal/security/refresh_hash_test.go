package security

import (
	"strings"
	"testing"
)

func TestHashRefreshToken(t *testing.T) {
	a := HashRefreshToken("refresh-a")
	if a != HashRefreshToken("refresh-a") {
		t.Fatal("hash must be deterministic")
	}
	if a == HashRefreshToken("refresh-b") {
		t.Fatal("different tokens must hash differently")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("hash = %q, want 64 lowercase hex chars", a)
	}
	// sha256("") is a fixed vector.
	if got := HashRefreshToken(""); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("HashRefreshToken(\"\") = %s", got)
	}
}

func TestRefreshTokenHashEqual(t *testing.T) {
	stored := HashRefreshToken("refresh-current")
	tests := []struct {
		name   string
		token  string
		stored string
		want   bool
	}{
		{"current token", "refresh-current", stored, true},
		{"superseded token", "refresh-previous", stored, false},
		{"empty token", "", stored, false},
		{"uppercase stored hex", "refresh-current", strings.ToUpper(stored), true},
		{"stored raw token", "refresh-current", "refresh-current", false},
		{"truncated stored hash", "refresh-current", stored[:32], false},
		{"empty stored hash", "refresh-current", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RefreshTokenHashEqual(tt.token, tt.stored); got != tt.want {
				t.Errorf("RefreshTokenHashEqual = %v, want %v", got, tt.want)
			}
		})
	}
}
