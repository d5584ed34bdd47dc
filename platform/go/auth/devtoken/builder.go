// Package devtoken mints signed session tokens for local development and CI, without going
// through the login and step-up flow.
package devtoken

import (
	"errors"
	"strings"
	"time"

	"github.com/sata-agro/sata-platform/platform/go/session"
)

// Params captures the identity the token should carry. No environment variables are read so the builder
// stays deterministic for tooling.
type Params struct {
	Secret     string        // session signing secret (required)
	UserID     string        // subject (required)
	Email      string        // email claim (required)
	Name       string        // display name (optional)
	Role       string        // farm_user, sata_admin or sata_tech (required)
	TenantID   string        // required for farm_user
	TenantRole string        // owner, admin or member; required for farm_user
	ExpiresIn  time.Duration // default 1h if zero
}

// Build returns a signed session token accepted by the API's session verifier.
func Build(p Params, now time.Time) (session.Token, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return session.Token{}, errors.New("userID is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return session.Token{}, errors.New("email is required")
	}

	switch p.Role {
	case "farm_user":
		if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.TenantRole) == "" {
			return session.Token{}, errors.New("tenantID and tenantRole are required for farm_user")
		}
	case "sata_admin", "sata_tech":
		p.TenantID, p.TenantRole = "", ""
	default:
		return session.Token{}, errors.New("role must be farm_user, sata_admin or sata_tech")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	manager, err := session.NewManager(p.Secret, expiresIn)
	if err != nil {
		return session.Token{}, err
	}

	return manager.WithClock(func() time.Time { return now }).Issue(p.UserID, session.Claims{
		Email:      strings.ToLower(strings.TrimSpace(p.Email)),
		Name:       p.Name,
		Role:       p.Role,
		TenantID:   p.TenantID,
		TenantRole: p.TenantRole,
	})
}
