package contracts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformmiddleware "github.com/sata-agro/sata-platform/platform/go/middleware"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

func TestIdentityContractLoads(t *testing.T) {
	t.Parallel()

	spec, err := LoadIdentity(context.Background())
	require.NoError(t, err)

	for _, path := range []string{
		"/auth/login", "/auth/verify", "/auth/register", "/auth/password-reset", "/auth/password-reset/confirm",
		"/invitations", "/invitations/{userId}/resend", "/invitations/validate", "/invitations/redeem",
		"/users", "/users/me", "/users/{userId}", "/users/{userId}/status",
		"/tenants", "/tenants/{tenantId}", "/tenants/{tenantId}/inventory", "/tenants/{tenantId}/seed",
	} {
		require.NotNil(t, spec.Paths.Find(path), path)
	}
}

func TestSpecValidator(t *testing.T) {
	t.Parallel()

	spec, err := LoadIdentity(context.Background())
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	withUser := func(creds *platformauth.UserCredentials) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if creds != nil {
					r = r.WithContext(platformauth.WithUser(r.Context(), creds))
				}
				next.ServeHTTP(w, r)
			})
		}
	}
	serve := func(creds *platformauth.UserCredentials, method, path, body string) *httptest.ResponseRecorder {
		h := withUser(creds)(platformmiddleware.SpecValidator(spec)(ok))
		req := httptest.NewRequest(method, "http://localhost"+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		return resp
	}

	resp := serve(nil, http.MethodPost, "/api/v1/auth/login", `{"email":"admin@sata.com","password":"x","portal":"sata_admin"}`)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = serve(nil, http.MethodPost, "/api/v1/auth/login", `{"email":"admin@sata.com","portal":"sata_admin"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, problem.ContentType, resp.Header().Get("Content-Type"))

	resp = serve(nil, http.MethodPost, "/api/v1/auth/login", `{"email":"a@b.com","password":"x","portal":"root"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = serve(nil, http.MethodGet, "/api/v1/tenants", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	admin := &platformauth.UserCredentials{Id: "1", Role: platformauth.RolePlatformAdmin}
	resp = serve(admin, http.MethodGet, "/api/v1/tenants", "")
	require.Equal(t, http.StatusNoContent, resp.Code)
}
