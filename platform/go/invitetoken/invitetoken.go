// Package invitetoken encodes and verifies the signed, time-boxed credentials carried by
// invitation and password reset links. Tokens are not persisted: possession of a valid token is the
// capability.
package invitetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Validity is the lifetime of every token, measured from its issue instant.
	Validity = 24 * time.Hour
	// MaxClockSkew tolerates issuers whose clock runs slightly ahead.
	MaxClockSkew = time.Minute
	// MinSecretLength is the minimum HMAC key size in bytes.
	MinSecretLength = 32

	issuer = "sata-platform"
)

// ErrInvalidOrExpired covers every rejection: malformed, tampered, wrong purpose or outside the window.
var ErrInvalidOrExpired = errors.New("invitation token is invalid or expired")

// Purpose separates invitation tokens from password reset tokens.
type Purpose string

const (
	PurposeInvitation    Purpose = "invitation"
	PurposePasswordReset Purpose = "password_reset"
)

// audiences keeps a token minted for one flow from being accepted by the other.
var audiences = map[Purpose]string{
	PurposeInvitation:    "sata-invitation",
	PurposePasswordReset: "sata-password-reset",
}

func (p Purpose) valid() bool {
	_, ok := audiences[p]
	return ok
}

// Claims is the decoded content of a token.
type Claims struct {
	Email      string
	IssuedAt   time.Time
	TenantRole string
	TenantName string
	Purpose    Purpose
}

// tokenClaims is the JWT body. iat_ms keeps the issue instant at millisecond precision; the
// registered iat only has seconds.
type tokenClaims struct {
	Email          string  `json:"email"`
	IssuedAtMillis int64   `json:"iat_ms"`
	Role           string  `json:"role,omitempty"`
	Tenant         string  `json:"tenant,omitempty"`
	Purpose        Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Codec. The secret must be at least MinSecretLength bytes.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("invitetoken: secret must be at least %d bytes", MinSecretLength)
	}

	c := &Codec{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode signs an HS256 JWT whose audience is bound to the purpose.
// A zero IssuedAt is replaced by the codec clock.
func (c *Codec) Encode(claims Claims) (string, error) {
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return "", errors.New("invitetoken: email is required")
	}
	if !claims.Purpose.valid() {
		return "", fmt.Errorf("invitetoken: unknown purpose %q", claims.Purpose)
	}

	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	issuedAt = issuedAt.UTC()

	body := tokenClaims{
		Email:          email,
		IssuedAtMillis: issuedAt.UnixMilli(),
		Role:           claims.TenantRole,
		Tenant:         claims.TenantName,
		Purpose:        claims.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  email,
			Audience: jwt.ClaimStrings{audiences[claims.Purpose]},
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, body).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("invitetoken: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies the token for the expected purpose. Every failure wraps ErrInvalidOrExpired.
// The validity window is checked on iat_ms so the 24h boundary is exact to the millisecond.
func (c *Codec) Decode(token string, purpose Purpose) (Claims, error) {
	audience, ok := audiences[purpose]
	if !ok {
		return Claims{}, ErrInvalidOrExpired
	}

	body := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), body, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidOrExpired, err)
	}
	if !parsed.Valid || body.Email == "" || body.Purpose != purpose || body.IssuedAtMillis <= 0 {
		return Claims{}, ErrInvalidOrExpired
	}

	issuedAt := time.UnixMilli(body.IssuedAtMillis).UTC()
	age := c.now().Sub(issuedAt)
	if age > Validity || age < -MaxClockSkew {
		return Claims{}, ErrInvalidOrExpired
	}

	return Claims{
		Email:      body.Email,
		IssuedAt:   issuedAt,
		TenantRole: body.Role,
		TenantName: body.Tenant,
		Purpose:    body.Purpose,
	}, nil
}
