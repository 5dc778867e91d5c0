package security

import (
	"errors"
	"strings"
	"testing"
)

func TestBcryptHasher_HashAndCompare(t *testing.T) {
	h := NewBcryptHasher(4)
	password := []byte("secret123")
	hash, err := h.Hash(password)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "" {
		t.Fatal("Hash returned empty")
	}
	if err := h.Compare(hash, password); err != nil {
		t.Fatalf("Compare: %v", err)
	}
}

func TestBcryptHasher_CompareWrongPassword(t *testing.T) {
	h := NewBcryptHasher(4)
	hash, _ := h.Hash([]byte("secret123"))
	if err := h.Compare(hash, []byte("wrong")); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("Compare with wrong password: want ErrPasswordMismatch, got %v", err)
	}
}

func TestBcryptHasher_Cost(t *testing.T) {
	h := NewBcryptHasher(12)
	if h.Cost != 12 {
		t.Errorf("Cost want 12, got %d", h.Cost)
	}
	h0 := NewBcryptHasher(0)
	if h0.Cost < 4 {
		t.Errorf("zero cost should be clamped to at least MinCost, got %d", h0.Cost)
	}
	if NewBcryptHasher(99).Cost != 31 {
		t.Error("cost above MaxCost should be clamped to 31")
	}
}

func TestArgon2idHasher_HashAndCompare(t *testing.T) {
	h := NewArgon2idHasher()
	hash, err := h.Hash([]byte("correct horse"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format %q", hash)
	}
	if err := h.Compare(hash, []byte("correct horse")); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if err := h.Compare(hash, []byte("battery staple")); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("Compare wrong password: want ErrPasswordMismatch, got %v", err)
	}
}

func TestArgon2idHasher_SaltsDiffer(t *testing.T) {
	h := NewArgon2idHasher()
	a, _ := h.Hash([]byte("same"))
	b, _ := h.Hash([]byte("same"))
	if a == b {
		t.Error("two hashes of the same password should use different salts")
	}
}

func TestArgon2idHasher_InvalidHash(t *testing.T) {
	h := NewArgon2idHasher()
	tests := []string{
		"",
		"not-a-hash",
		"$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$a2V5",
		"$argon2id$v=19$m=65536,t=1,p=0$c2FsdA$a2V5",
		"$argon2id$v=19$m=65536,t=1,p=4$!!$a2V5",
	}
	for _, hash := range tests {
		err := h.Compare(hash, []byte("pw"))
		if err == nil || errors.Is(err, ErrPasswordMismatch) {
			t.Errorf("Compare(%q): want format error, got %v", hash, err)
		}
	}
}

func TestBcryptHasher_RejectsOver72Bytes(t *testing.T) {
	h := NewBcryptHasher(4)
	// 32 characters, 96 bytes.
	if _, err := h.Hash([]byte(strings.Repeat("密", 32))); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("want ErrPasswordTooLong, got %v", err)
	}
	if _, err := h.Hash([]byte(strings.Repeat("a", 72))); err != nil {
		t.Fatalf("72 bytes must hash: %v", err)
	}
}

func TestHashers_RejectEmpty(t *testing.T) {
	for _, h := range []PasswordHasher{NewArgon2idHasher(), NewBcryptHasher(4)} {
		if _, err := h.Hash(nil); !errors.Is(err, ErrEmptyPassword) {
			t.Errorf("%T.Hash(nil): want ErrEmptyPassword, got %v", h, err)
		}
	}
}

func TestNewPasswordHasher(t *testing.T) {
	tests := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{"", "*security.Argon2idHasher", false},
		{"argon2id", "*security.Argon2idHasher", false},
		{"BCRYPT", "*security.BcryptHasher", false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			h, err := NewPasswordHasher(tt.kind, 4)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPasswordHasher: %v", err)
			}
			if got := typeName(h); got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}
}

func typeName(h PasswordHasher) string {
	switch h.(type) {
	case *Argon2idHasher:
		return "*security.Argon2idHasher"
	case *BcryptHasher:
		return "*security.BcryptHasher"
	}
	return "unknown"
}
