package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sata-agro/sata-platform/domains/auth/be/service"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

type operation string

const (
	loginOperation  operation = "authLogin"
	verifyOperation operation = "authVerify"
)

// Handler exposes the login and step-up endpoints.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("auth service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Mount registers the routes under r (expected to be the /auth sub-router).
func (h *Handler) Mount(r chi.Router) {
	r.Post("/login", h.Login)
	r.Post("/verify", h.Verify)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Portal   string `json:"portal"`
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type accountBody struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Role       string  `json:"role"`
	TenantID   *string `json:"tenantId,omitempty"`
	TenantRole *string `json:"tenantRole,omitempty"`
}

type sessionBody struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Account   accountBody `json:"account"`
}

type stepUpBody struct {
	ChallengeID string    `json:"challengeId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type loginResponse struct {
	Session *sessionBody `json:"session,omitempty"`
	StepUp  *stepUpBody  `json:"stepUp,omitempty"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, loginOperation)
		return
	}

	result, err := h.svc.Authenticate(r.Context(), req.Email, req.Password, persistence.GlobalRole(req.Portal))
	if err != nil {
		h.writeError(w, r, err, loginOperation)
		return
	}

	var resp loginResponse
	switch {
	case result.StepUp != nil:
		resp.StepUp = &stepUpBody{ChallengeID: result.StepUp.ID, ExpiresAt: result.StepUp.ExpiresAt}
	case result.Session != nil:
		body := toSessionBody(*result.Session)
		resp.Session = &body
	}

	problem.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, verifyOperation)
		return
	}

	sess, err := h.svc.VerifyStepUp(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		h.writeError(w, r, err, verifyOperation)
		return
	}

	problem.WriteJSON(w, http.StatusOK, toSessionBody(sess))
}

func toSessionBody(s service.Session) sessionBody {
	account := accountBody{
		ID:    s.Account.ID.String(),
		Name:  s.Account.Name,
		Email: s.Account.Email,
		Role:  string(s.Account.Role),
	}
	if s.Account.TenantID != nil {
		id := s.Account.TenantID.String()
		account.TenantID = &id
	}
	if s.Account.TenantRole != nil {
		role := string(*s.Account.TenantRole)
		account.TenantRole = &role
	}
	return sessionBody{Token: s.Token, ExpiresAt: s.ExpiresAt, Account: account}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	var throttled *service.ThrottledError
	if errors.As(err, &throttled) {
		seconds := int(math.Ceil(throttled.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	}
	if errors.Is(err, service.ErrInvalidCredentials) || errors.Is(err, service.ErrVerificationFailed) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}

	problem.Write(w, h.problemForError(r.Context(), err, op))
}

func (h *Handler) problemForError(ctx context.Context, err error, op operation) problem.Details {
	status, title, detail, problemType, code, fields := h.classifyError(err)

	logger := h.loggerFrom(ctx)
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("auth operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("auth resource not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("auth request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	p := problem.New(title, detail, problemType, status, fields)
	p.Code = code
	return p
}

func (h *Handler) classifyError(err error) (status int, title, detail, problemType, code string, fieldErrors service.FieldErrors) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity,
			"Validation failed",
			"one or more fields are invalid",
			problem.TypeValidation,
			"validation_error",
			validationErr.Fields
	case errors.Is(err, problem.ErrInvalidBody):
		return http.StatusBadRequest, "Bad request", err.Error(), problem.TypeValidation, "invalid_body", nil
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Unauthorized", service.ErrInvalidCredentials.Error(), problem.TypeUnauthorized, "invalid_credentials", nil
	case errors.Is(err, service.ErrAccountDisabled):
		return http.StatusForbidden, "Forbidden", service.ErrAccountDisabled.Error(), problem.TypeForbidden, "account_disabled", nil
	case errors.Is(err, service.ErrPortalMismatch):
		return http.StatusForbidden, "Forbidden", err.Error(), problem.TypeForbidden, "portal_mismatch", nil
	case errors.Is(err, service.ErrVerificationFailed):
		return http.StatusUnauthorized, "Unauthorized", service.ErrVerificationFailed.Error(), problem.TypeUnauthorized, "verification_failed", nil
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "Too many requests", err.Error(), problem.TypeTooManyRequests, "too_many_attempts", nil
	case errors.Is(err, persistence.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable", "persistence backend unavailable", problem.TypeUnavailable, "backend_unavailable", nil
	default:
		return http.StatusInternalServerError,
			"Internal server error",
			"an unexpected error occurred",
			problem.TypeInternal,
			"internal_error",
			nil
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
