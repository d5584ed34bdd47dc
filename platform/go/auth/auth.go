package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/sata-agro/sata-platform/platform/go/session"
)

type ctxKey string

const (
	ctxUserCredentials ctxKey = "SATA_USER_CREDENTIALS"
)

// Global roles as carried in the session "role" claim.
const (
	RoleFarmUser      = "farm_user"
	RolePlatformAdmin = "sata_admin"
	RolePlatformTech  = "sata_tech"
)

type UserCredentials struct {
	Id         string
	Email      string
	Name       *string
	Role       string
	TenantID   *string
	TenantRole *string
}

// IsPlatformAdmin reports whether the caller holds the sata_admin portal role.
func (c *UserCredentials) IsPlatformAdmin() bool {
	return c != nil && c.Role == RolePlatformAdmin
}

// IsTenantAdmin reports whether the caller administers its own tenant (owner or admin).
func (c *UserCredentials) IsTenantAdmin() bool {
	if c == nil || c.Role != RoleFarmUser || c.TenantRole == nil {
		return false
	}
	return *c.TenantRole == "owner" || *c.TenantRole == "admin"
}

func UserFromContext(ctx context.Context) (*UserCredentials, bool) {
	v := ctx.Value(ctxUserCredentials)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*UserCredentials)
	return u, ok
}

// WithUser stores credentials on the context; used by tests and internal callers.
func WithUser(ctx context.Context, creds *UserCredentials) context.Context {
	return context.WithValue(ctx, ctxUserCredentials, creds)
}

// VerifyFunc validates the incoming JWT and returns its claims map.
type VerifyFunc func(ctx context.Context, token string) (map[string]interface{}, error)

// ExtractFunc converts a claims map into UserCredentials.
type ExtractFunc func(claims map[string]interface{}) (*UserCredentials, error)

// JWT parses the request and sets the context credentials using the provided verify/extract functions.
// Requests without a bearer token continue anonymously; routes that need a caller use RequireRole.
func JWT(verify VerifyFunc, extract ExtractFunc) func(http.Handler) http.Handler {
	if verify == nil {
		panic("auth.JWT: verify func must not be nil")
	}
	if extract == nil {
		extract = DefaultCredentialExtractor
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, found := ExtractJWTToken(r)
			if token == "" || !found {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verify(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token", error_description="invalid or expired session"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			creds, err := extract(claims)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token", error_description="invalid claims"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), creds)))
		})
	}
}

// DefaultCredentialExtractor converts session claims into UserCredentials.
func DefaultCredentialExtractor(claims map[string]interface{}) (*UserCredentials, error) {
	if claims == nil {
		return nil, errors.New("missing claims")
	}

	id := extractStringClaim(claims, "sub")
	if id == "" {
		return nil, errors.New("missing subject")
	}

	role := extractStringClaim(claims, "role")
	switch role {
	case RoleFarmUser, RolePlatformAdmin, RolePlatformTech:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	return &UserCredentials{
		Id:         id,
		Email:      extractStringClaim(claims, "email"),
		Name:       extractOptionalStringClaim(claims, "name"),
		Role:       role,
		TenantID:   extractOptionalStringClaim(claims, "tenantId"),
		TenantRole: extractOptionalStringClaim(claims, "tenantRole"),
	}, nil
}

func extractStringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if strVal, valid := v.(string); valid {
			return strVal
		}
	}
	return ""
}

func extractOptionalStringClaim(claims map[string]interface{}, key string) *string {
	if v, ok := claims[key]; ok {
		if strVal, valid := v.(string); valid && strVal != "" {
			return &strVal
		}
	}
	return nil
}

// SessionTokenVerifier returns a VerifyFunc that validates platform session tokens.
func SessionTokenVerifier(manager *session.Manager) VerifyFunc {
	if manager == nil {
		panic("auth.SessionTokenVerifier: session manager must not be nil")
	}

	return func(ctx context.Context, token string) (map[string]interface{}, error) {
		c, err := manager.Parse(token)
		if err != nil {
			return nil, err
		}

		claims := map[string]interface{}{
			"sub":   c.Subject,
			"email": c.Email,
			"role":  c.Role,
		}
		if c.Name != "" {
			claims["name"] = c.Name
		}
		if c.TenantID != "" {
			claims["tenantId"] = c.TenantID
		}
		if c.TenantRole != "" {
			claims["tenantRole"] = c.TenantRole
		}
		return claims, nil
	}
}

// RequireRole rejects callers without credentials (401) or without one of roles (403).
// No roles means any authenticated caller.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := UserFromContext(r.Context())
			if !ok || creds == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if len(roles) > 0 && !slices.Contains(roles, creds.Role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
