package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sata-agro/sata-platform/domains/invitations/be/service"
	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

type operation string

const (
	issueOperation        operation = "invitationsIssue"
	resendOperation       operation = "invitationsResend"
	validateOperation     operation = "invitationsValidate"
	redeemOperation       operation = "invitationsRedeem"
	resetRequestOperation operation = "authPasswordReset"
	resetConfirmOperation operation = "authPasswordResetConfirm"
)

var (
	errUnauthenticated = errors.New("authentication required")
	errInvalidUserID   = errors.New("userId must be a UUID")
	errInvalidTenantID = errors.New("tenantId must be a UUID")
)

// Handler exposes the invitation and password recovery flows.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("invitations service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Mount registers the routes that require a session.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/", h.Issue)
	r.Post("/{userId}/resend", h.Resend)
}

// MountPublic registers the routes used by the invitation landing page.
func (h *Handler) MountPublic(r chi.Router) {
	r.Post("/validate", h.Validate)
	r.Post("/redeem", h.Redeem)
}

// MountPasswordReset registers the recovery routes under the /auth sub-router.
func (h *Handler) MountPasswordReset(r chi.Router) {
	r.Post("/password-reset", h.RequestPasswordReset)
	r.Post("/password-reset/confirm", h.ConfirmPasswordReset)
}

type issueRequest struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Role       string  `json:"role"`
	TenantRole string  `json:"tenantRole,omitempty"`
	TenantID   *string `json:"tenantId,omitempty"`
}

type accountBody struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	Role       string     `json:"role"`
	TenantID   *string    `json:"tenantId,omitempty"`
	TenantRole *string    `json:"tenantRole,omitempty"`
	InvitedAt  *time.Time `json:"invitedAt,omitempty"`
}

type issuedBody struct {
	Account    accountBody `json:"account"`
	Link       string      `json:"link"`
	EmailSent  bool        `json:"emailSent"`
	EmailError string      `json:"emailError,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type invitationBody struct {
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	TenantName string    `json:"tenantName,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type passwordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

// Issue implements POST /invitations.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	inviter, err := inviterFrom(r)
	if err != nil {
		h.writeError(w, r, err, issueOperation)
		return
	}

	var req issueRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, issueOperation)
		return
	}

	recipient := service.Recipient{
		Name:       req.Name,
		Email:      req.Email,
		GlobalRole: persistence.GlobalRole(req.Role),
		TenantRole: persistence.TenantRole(req.TenantRole),
	}
	if recipient.GlobalRole == "" {
		recipient.GlobalRole = persistence.RoleFarmUser
	}
	if req.TenantID != nil {
		id, err := uuid.Parse(*req.TenantID)
		if err != nil {
			h.writeError(w, r, errInvalidTenantID, issueOperation)
			return
		}
		recipient.TenantID = &id
	}

	issued, err := h.svc.Issue(r.Context(), inviter, recipient)
	if err != nil {
		h.writeError(w, r, err, issueOperation)
		return
	}
	problem.WriteJSON(w, http.StatusCreated, toIssuedBody(issued))
}

// Resend implements POST /invitations/{userId}/resend.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	inviter, err := inviterFrom(r)
	if err != nil {
		h.writeError(w, r, err, resendOperation)
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, errInvalidUserID, resendOperation)
		return
	}

	issued, err := h.svc.Resend(r.Context(), inviter, userID)
	if err != nil {
		h.writeError(w, r, err, resendOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toIssuedBody(issued))
}

// Validate implements POST /invitations/validate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, validateOperation)
		return
	}

	invitation, err := h.svc.Validate(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err, validateOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, invitationBody{
		Email:      invitation.Email,
		Role:       invitation.Role,
		TenantName: invitation.TenantName,
		ExpiresAt:  invitation.ExpiresAt,
	})
}

// Redeem implements POST /invitations/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, redeemOperation)
		return
	}

	account, err := h.svc.Redeem(r.Context(), req.Token, req.Password)
	if err != nil {
		h.writeError(w, r, err, redeemOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toAccountBody(account))
}

// RequestPasswordReset implements POST /auth/password-reset. The response is the same whether or not the
// address belongs to an account.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, resetRequestOperation)
		return
	}

	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.writeError(w, r, err, resetRequestOperation)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ConfirmPasswordReset implements POST /auth/password-reset/confirm.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, resetConfirmOperation)
		return
	}

	if _, err := h.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.writeError(w, r, err, resetConfirmOperation)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func inviterFrom(r *http.Request) (service.Inviter, error) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return service.Inviter{}, errUnauthenticated
	}
	id, err := uuid.Parse(creds.Id)
	if err != nil {
		return service.Inviter{}, errUnauthenticated
	}

	inviter := service.Inviter{ID: id, Role: persistence.GlobalRole(creds.Role)}
	if creds.TenantID != nil {
		if tenantID, err := uuid.Parse(*creds.TenantID); err == nil {
			inviter.TenantID = &tenantID
		}
	}
	if creds.TenantRole != nil {
		role := persistence.TenantRole(*creds.TenantRole)
		inviter.TenantRole = &role
	}
	return inviter, nil
}

func toIssuedBody(issued service.Issued) issuedBody {
	return issuedBody{
		Account:    toAccountBody(issued.Account),
		Link:       issued.Link,
		EmailSent:  issued.Delivery.Sent,
		EmailError: issued.Delivery.Error,
	}
}

func toAccountBody(a service.Account) accountBody {
	body := accountBody{
		ID:        a.ID.String(),
		Name:      a.Name,
		Email:     a.Email,
		Status:    string(a.Status),
		Role:      string(a.Role),
		InvitedAt: a.InvitedAt,
	}
	if a.TenantID != nil {
		id := a.TenantID.String()
		body.TenantID = &id
	}
	if a.TenantRole != nil {
		role := string(*a.TenantRole)
		body.TenantRole = &role
	}
	return body
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, op operation) {
	if errors.Is(err, errUnauthenticated) {
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
		logger.Error("invitations operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("invitation target not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("invitations request rejected", append(fieldsForLog, zap.Error(err))...)
	}

	p := problem.New(title, detail, problemType, status, fields)
	p.Code = code
	return p
}

func (h *Handler) classifyError(err error) (status int, title, detail, problemType, code string, fieldErrors service.FieldErrors) {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity, "Validation failed", "one or more fields are invalid", problem.TypeValidation, "validation_error", validationErr.Fields
	case errors.Is(err, problem.ErrInvalidBody):
		return http.StatusBadRequest, "Bad request", err.Error(), problem.TypeValidation, "invalid_body", nil
	case errors.Is(err, errInvalidUserID), errors.Is(err, errInvalidTenantID):
		return http.StatusBadRequest, "Bad request", err.Error(), problem.TypeValidation, "invalid_id", nil
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized", err.Error(), problem.TypeUnauthorized, "unauthenticated", nil
	case errors.Is(err, service.ErrInvalidOrExpired):
		return http.StatusUnauthorized, "Unauthorized", service.ErrInvalidOrExpired.Error(), problem.TypeUnauthorized, "invalid_or_expired_token", nil
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Forbidden", err.Error(), problem.TypeForbidden, "forbidden", nil
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found", err.Error(), problem.TypeNotFound, "not_found", nil
	case errors.Is(err, service.ErrAlreadyRegistered):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "already_registered", nil
	case errors.Is(err, service.ErrNotPending):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "not_pending", nil
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "owner_exists", nil
	case errors.Is(err, persistence.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable", "persistence backend unavailable", problem.TypeUnavailable, "backend_unavailable", nil
	default:
		return http.StatusInternalServerError, "Internal server error", err.Error(), problem.TypeInternal, "internal_error", nil
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, h.logger)
}
