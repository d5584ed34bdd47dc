// Package session issues and parses the HS256 bearer tokens handed out after a successful login.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL applies when the issuer is built without an explicit lifetime.
	DefaultTTL = 8 * time.Hour
	issuer     = "sata-platform"
)

var ErrInvalidToken = errors.New("invalid session token")

// Claims carried by a session token. Subject holds the account id.
type Claims struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	TenantID   string `json:"tenantId,omitempty"`
	TenantRole string `json:"tenantRole,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed session and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Manager signs and verifies session tokens with a shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager returns a Manager. An empty secret is rejected.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the manager using now as its time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	clone := *m
	clone.now = now
	return &clone
}

// Issue signs claims for subject.
func (m *Manager) Issue(subject string, claims Claims) (Token, error) {
	if subject == "" {
		return Token{}, errors.New("session subject is required")
	}

	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign session: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Parse validates signature, algorithm, issuer and expiry.
func (m *Manager) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
