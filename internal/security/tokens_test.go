package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testPrincipal() Principal {
	return Principal{UserID: "u1", Email: "a@x.com", Roles: []string{"DOCTOR"}, DeviceID: "d1"}
}

func TestTokenCodec_IssueAndVerify(t *testing.T) {
	c := NewTestTokenCodec()
	pair, err := c.IssuePair(testPrincipal())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("token empty")
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Error("refresh should outlive access")
	}

	for name, verify := range map[string]func(string) (*Claims, error){
		"access":  c.VerifyAccess,
		"refresh": c.VerifyRefresh,
	} {
		token := pair.AccessToken
		if name == "refresh" {
			token = pair.RefreshToken
		}
		claims, err := verify(token)
		if err != nil {
			t.Fatalf("verify %s: %v", name, err)
		}
		if claims.UserID() != "u1" || claims.Email != "a@x.com" || claims.DeviceID != "d1" {
			t.Errorf("%s claims = %+v", name, claims)
		}
		if len(claims.Roles) != 1 || claims.Roles[0] != "DOCTOR" {
			t.Errorf("%s roles = %v", name, claims.Roles)
		}
		if claims.ID == "" {
			t.Errorf("%s jti empty", name)
		}
	}
}

func TestTokenCodec_SecretsAreIndependent(t *testing.T) {
	c := NewTestTokenCodec()
	pair, err := c.IssuePair(testPrincipal())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := c.VerifyRefresh(pair.AccessToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("access token as refresh: want ErrSignatureInvalid, got %v", err)
	}
	if _, err := c.VerifyAccess(pair.RefreshToken); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("refresh token as access: want ErrSignatureInvalid, got %v", err)
	}
}

func TestTokenCodec_Expired(t *testing.T) {
	c := NewTestTokenCodec()
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return issued })
	pair, err := c.IssuePair(testPrincipal())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	c.SetClock(func() time.Time { return issued.Add(25 * time.Hour) })
	if _, err := c.VerifyRefresh(pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyRefresh expired: want ErrTokenExpired, got %v", err)
	}
	if _, err := c.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyAccess expired: want ErrTokenExpired, got %v", err)
	}
}

func TestTokenCodec_UniquePerIssuance(t *testing.T) {
	c := NewTestTokenCodec()
	fixed := time.Now()
	c.SetClock(func() time.Time { return fixed })
	a, _ := c.IssuePair(testPrincipal())
	b, _ := c.IssuePair(testPrincipal())
	if a.RefreshToken == b.RefreshToken || a.AccessToken == b.AccessToken {
		t.Error("tokens issued at the same instant should differ")
	}
}

func TestTokenCodec_Invalid(t *testing.T) {
	c := NewTestTokenCodec()
	other := NewTokenCodec([]byte(testAccessSecret), []byte(testRefreshSecret), "other-issuer", "test-audience", time.Minute, time.Hour)
	foreign, err := other.IssuePair(testPrincipal())
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "deviceId": "d1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("none token: %v", err)
	}
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "invalid-token", ErrInvalidToken},
		{"empty", "", ErrInvalidToken},
		{"wrong issuer", foreign.RefreshToken, ErrInvalidToken},
		{"alg none", noneToken, ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.VerifyRefresh(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTokenCodec_MissingDeviceRejected(t *testing.T) {
	c := NewTestTokenCodec()
	p := testPrincipal()
	p.DeviceID = ""
	pair, err := c.IssuePair(p)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := c.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("want ErrInvalidToken, got %v", err)
	}
}
