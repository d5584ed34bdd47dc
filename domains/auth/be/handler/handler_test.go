package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sata-agro/sata-platform/domains/auth/be/service"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

type mockService struct {
	authenticateFn func(ctx context.Context, email, password string, portal persistence.GlobalRole) (service.Result, error)
	verifyFn       func(ctx context.Context, challengeID, code string) (service.Session, error)
}

func (m *mockService) Authenticate(ctx context.Context, email, password string, portal persistence.GlobalRole) (service.Result, error) {
	if m.authenticateFn == nil {
		panic("authenticateFn not configured")
	}
	return m.authenticateFn(ctx, email, password, portal)
}

func (m *mockService) VerifyStepUp(ctx context.Context, challengeID, code string) (service.Session, error) {
	if m.verifyFn == nil {
		panic("verifyFn not configured")
	}
	return m.verifyFn(ctx, challengeID, code)
}

func newRouter(t *testing.T, svc service.Service) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/auth", New(svc, zaptest.NewLogger(t)).Mount)
	return r
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeProblem(t *testing.T, resp *httptest.ResponseRecorder) problem.Details {
	t.Helper()
	require.Equal(t, problem.ContentType, resp.Header().Get("Content-Type"))
	var p problem.Details
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &p))
	return p
}

func TestLoginSession(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	role := persistence.TenantRoleOwner
	expires := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	svc := &mockService{
		authenticateFn: func(_ context.Context, email, password string, portal persistence.GlobalRole) (service.Result, error) {
			require.Equal(t, "gerente@empresa.com", email)
			require.Equal(t, "Secr3t!", password)
			require.Equal(t, persistence.RoleFarmUser, portal)
			return service.Result{Session: &service.Session{
				Token:     "signed",
				ExpiresAt: expires,
				Account: service.Account{
					ID:         uuid.New(),
					Email:      email,
					Role:       persistence.RoleFarmUser,
					TenantID:   &tenantID,
					TenantRole: &role,
				},
			}}, nil
		},
	}

	resp := post(t, newRouter(t, svc), "/auth/login", `{"email":"gerente@empresa.com","password":"Secr3t!","portal":"farm_user"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Nil(t, body.StepUp)
	require.NotNil(t, body.Session)
	require.Equal(t, "signed", body.Session.Token)
	require.Equal(t, tenantID.String(), *body.Session.Account.TenantID)
	require.Equal(t, "owner", *body.Session.Account.TenantRole)
}

func TestLoginStepUp(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		authenticateFn: func(context.Context, string, string, persistence.GlobalRole) (service.Result, error) {
			return service.Result{StepUp: &service.Challenge{ID: "challenge-1", ExpiresAt: time.Now().Add(5 * time.Minute)}}, nil
		},
	}

	resp := post(t, newRouter(t, svc), "/auth/login", `{"email":"admin@sata.com","password":"password","portal":"sata_admin"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var body loginResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Nil(t, body.Session)
	require.Equal(t, "challenge-1", body.StepUp.ChallengeID)
}

func TestLoginErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid credentials", err: service.ErrInvalidCredentials, status: http.StatusUnauthorized, code: "invalid_credentials"},
		{name: "disabled", err: service.ErrAccountDisabled, status: http.StatusForbidden, code: "account_disabled"},
		{name: "portal mismatch", err: fmt.Errorf("%w: sata_tech", service.ErrPortalMismatch), status: http.StatusForbidden, code: "portal_mismatch"},
		{name: "validation", err: &service.ValidationError{Fields: service.FieldErrors{"portal": {"bad"}}}, status: http.StatusUnprocessableEntity, code: "validation_error"},
		{name: "backend", err: fmt.Errorf("%w: dial", persistence.ErrBackendUnavailable), status: http.StatusServiceUnavailable, code: "backend_unavailable"},
		{name: "unexpected", err: fmt.Errorf("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc := &mockService{
				authenticateFn: func(context.Context, string, string, persistence.GlobalRole) (service.Result, error) {
					return service.Result{}, tc.err
				},
			}

			resp := post(t, newRouter(t, svc), "/auth/login", `{"email":"x@y.z","password":"p","portal":"sata_tech"}`)
			require.Equal(t, tc.status, resp.Code)
			require.Equal(t, tc.code, decodeProblem(t, resp).Code)
		})
	}
}

func TestLoginPortalMismatchNamesOnlyAttemptedPortal(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		authenticateFn: func(_ context.Context, _, _ string, portal persistence.GlobalRole) (service.Result, error) {
			return service.Result{}, fmt.Errorf("%w: %s", service.ErrPortalMismatch, portal)
		},
	}

	resp := post(t, newRouter(t, svc), "/auth/login", `{"email":"gerente@empresa.com","password":"p","portal":"sata_tech"}`)
	p := decodeProblem(t, resp)
	require.Contains(t, p.Detail, "sata_tech")
	require.NotContains(t, p.Detail, "farm_user")
}

func TestLoginMalformedBody(t *testing.T) {
	t.Parallel()

	resp := post(t, newRouter(t, &mockService{}), "/auth/login", `{"email":`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "invalid_body", decodeProblem(t, resp).Code)
}

func TestVerifyThrottled(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		verifyFn: func(_ context.Context, challengeID, code string) (service.Session, error) {
			require.Equal(t, "challenge-1", challengeID)
			require.Equal(t, "123456", code)
			return service.Session{}, &service.ThrottledError{RetryAfter: 2500 * time.Millisecond}
		},
	}

	resp := post(t, newRouter(t, svc), "/auth/verify", `{"challengeId":"challenge-1","code":"123456"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "3", resp.Header().Get("Retry-After"))
	require.Equal(t, "too_many_attempts", decodeProblem(t, resp).Code)
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()

	svc := &mockService{
		verifyFn: func(context.Context, string, string) (service.Session, error) {
			return service.Session{Token: "signed", Account: service.Account{ID: uuid.New(), Role: persistence.RolePlatformAdmin}}, nil
		},
	}

	resp := post(t, newRouter(t, svc), "/auth/verify", `{"challengeId":"challenge-1","code":"123456"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var body sessionBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "signed", body.Token)
	require.Equal(t, "sata_admin", body.Account.Role)
	require.Nil(t, body.Account.TenantID)
}
