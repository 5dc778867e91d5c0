package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed or fails claim validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSignatureInvalid is returned when a token was not signed with the expected secret.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrTokenExpired is returned when a token's exp is in the past.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the claim set carried by both access and refresh tokens.
// Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
	DeviceID string   `json:"deviceId"`
}

// UserID returns the subject claim.
func (c *Claims) UserID() string { return c.Subject }

// Principal identifies who a token pair is issued to.
type Principal struct {
	UserID   string
	Email    string
	Roles    []string
	DeviceID string
}

// TokenPair is an access and refresh token issued together.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenCodec signs and verifies access and refresh JWTs with HS256. Access and
// refresh tokens use independent secrets and TTLs so a refresh token is never
// accepted as an access token and vice versa.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenCodec returns a TokenCodec. issuer and audience are set on claims and
// validated on verify.
func NewTokenCodec(accessSecret, refreshSecret []byte, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenCodec {
	return &TokenCodec{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		issuer:        issuer,
		audience:      audience,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (c *TokenCodec) SetClock(now func() time.Time) {
	c.now = now
}

// IssuePair issues an access and refresh token for p. Each token gets its own
// random jti so two issuances within the same second never produce the same string.
func (c *TokenCodec) IssuePair(p Principal) (TokenPair, error) {
	now := c.now().UTC()
	access, accessExp, err := c.issue(p, c.accessSecret, now, c.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := c.issue(p, c.refreshSecret, now, c.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (c *TokenCodec) issue(p Principal, secret []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	jti, err := uuid.NewRandom()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(ttl)
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   p.UserID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:    p.Email,
		Roles:    roles,
		DeviceID: p.DeviceID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// VerifyAccess parses and validates an access token (signature, exp, iss, aud).
func (c *TokenCodec) VerifyAccess(token string) (*Claims, error) {
	return c.verify(token, c.accessSecret)
}

// VerifyRefresh parses and validates a refresh token (signature, exp, iss, aud).
func (c *TokenCodec) VerifyRefresh(token string) (*Claims, error) {
	return c.verify(token, c.refreshSecret)
}

func (c *TokenCodec) verify(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignatureInvalid
	default:
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
