package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	tenantsservice "github.com/sata-agro/sata-platform/domains/tenants/be/service"
	"github.com/sata-agro/sata-platform/domains/users/be/service"
	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

// Confirmation phrases for account removal, checked verbatim.
const (
	ForcedDeleteConfirmation = "eliminar cuenta"
	MemberDeleteConfirmation = "Eliminar Usuario"
)

type operation string

const (
	listOperation      operation = "usersList"
	getOperation       operation = "usersGet"
	meOperation        operation = "usersMe"
	setStatusOperation operation = "usersSetStatus"
	deleteOperation    operation = "usersDelete"
)

var (
	errUnauthenticated  = errors.New("authentication required")
	errInvalidUserID    = errors.New("userId must be a UUID")
	errInvalidFilter    = errors.New("invalid query filter")
	errSelfDelete       = errors.New("an account cannot delete itself")
	errConfirmationText = errors.New("confirmation phrase does not match")
)

// AccountRemover performs the platform administrator's forced deletion.
type AccountRemover interface {
	DeleteTenantForced(ctx context.Context, targetUserID uuid.UUID) (tenantsservice.ForcedDeletion, error)
}

// Handler wires the users service to chi routes.
type Handler struct {
	svc     service.Service
	remover AccountRemover
	logger  *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, remover AccountRemover, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("users service is required")
	}
	if remover == nil {
		panic("account remover is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, remover: remover, logger: logger}
}

// Mount registers the routes under r (the /users sub-router).
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/me", h.Me)
	r.Route("/{userId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/status", h.SetStatus)
		r.Delete("/", h.Delete)
	})
}

type userBody struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Status     string     `json:"status"`
	Role       string     `json:"role"`
	TenantID   *string    `json:"tenantId,omitempty"`
	TenantRole *string    `json:"tenantRole,omitempty"`
	InvitedAt  *time.Time `json:"invitedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type deleteRequest struct {
	Confirmation string `json:"confirmation"`
}

type deleteResponse struct {
	UserID        string                     `json:"userId"`
	TenantDeleted bool                       `json:"tenantDeleted"`
	Removed       *persistence.CascadeResult `json:"removed,omitempty"`
}

// List implements GET /users?tenantId=&role=&status=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	users, err := h.svc.List(r.Context(), actor, opts)
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	items := make([]userBody, 0, len(users))
	for _, u := range users {
		items = append(items, toUserBody(u))
	}
	problem.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Me implements GET /users/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err, meOperation)
		return
	}

	user, err := h.svc.Get(r.Context(), actor, actor.ID)
	if err != nil {
		h.writeError(w, r, err, meOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toUserBody(user))
}

// Get implements GET /users/{userId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndTarget(r)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}

	user, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toUserBody(user))
}

// SetStatus implements PATCH /users/{userId}/status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndTarget(r)
	if err != nil {
		h.writeError(w, r, err, setStatusOperation)
		return
	}

	var req statusRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, setStatusOperation)
		return
	}

	user, err := h.svc.SetStatus(r.Context(), actor, id, persistence.AccountStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err, setStatusOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toUserBody(user))
}

// Delete implements DELETE /users/{userId}. Platform administrators run the forced deletion, which takes the
// whole tenant when the target is its owner; tenant owners remove a single member of their tenant.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndTarget(r)
	if err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}
	if actor.ID == id {
		h.writeError(w, r, errSelfDelete, deleteOperation)
		return
	}

	var req deleteRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}

	switch actor.Role {
	case persistence.RolePlatformAdmin:
		if req.Confirmation != ForcedDeleteConfirmation {
			h.writeError(w, r, fmt.Errorf("%w: expected %q", errConfirmationText, ForcedDeleteConfirmation), deleteOperation)
			return
		}
		result, err := h.remover.DeleteTenantForced(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err, deleteOperation)
			return
		}
		problem.WriteJSON(w, http.StatusOK, deleteResponse{UserID: id.String(), TenantDeleted: result.Tenant, Removed: result.Cascade})

	case persistence.RoleFarmUser:
		if req.Confirmation != MemberDeleteConfirmation {
			h.writeError(w, r, fmt.Errorf("%w: expected %q", errConfirmationText, MemberDeleteConfirmation), deleteOperation)
			return
		}
		if err := h.svc.Delete(r.Context(), actor, id); err != nil {
			h.writeError(w, r, err, deleteOperation)
			return
		}
		problem.WriteJSON(w, http.StatusOK, deleteResponse{UserID: id.String()})

	default:
		h.writeError(w, r, service.ErrForbidden, deleteOperation)
	}
}

func actorFrom(r *http.Request) (service.Actor, error) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return service.Actor{}, errUnauthenticated
	}

	id, err := uuid.Parse(creds.Id)
	if err != nil {
		return service.Actor{}, errUnauthenticated
	}

	actor := service.Actor{ID: id, Role: persistence.GlobalRole(creds.Role)}
	if creds.TenantID != nil {
		tenantID, err := uuid.Parse(*creds.TenantID)
		if err != nil {
			return service.Actor{}, errUnauthenticated
		}
		actor.TenantID = &tenantID
	}
	if creds.TenantRole != nil {
		role := persistence.TenantRole(*creds.TenantRole)
		actor.TenantRole = &role
	}
	return actor, nil
}

func actorAndTarget(r *http.Request) (service.Actor, uuid.UUID, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return service.Actor{}, uuid.Nil, err
	}
	id, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		return service.Actor{}, uuid.Nil, errInvalidUserID
	}
	return actor, id, nil
}

func listOptions(r *http.Request) (service.ListOptions, error) {
	var opts service.ListOptions
	q := r.URL.Query()

	if raw := q.Get("tenantId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: tenantId must be a UUID", errInvalidFilter)
		}
		opts.TenantID = &id
	}
	if raw := q.Get("role"); raw != "" {
		role := persistence.GlobalRole(raw)
		if !role.Valid() {
			return opts, fmt.Errorf("%w: unknown role %q", errInvalidFilter, raw)
		}
		opts.Role = &role
	}
	if raw := q.Get("status"); raw != "" {
		status := persistence.AccountStatus(raw)
		if !status.Valid() {
			return opts, fmt.Errorf("%w: unknown status %q", errInvalidFilter, raw)
		}
		opts.Status = &status
	}
	return opts, nil
}

func toUserBody(u service.User) userBody {
	body := userBody{
		ID:        u.ID.String(),
		Name:      u.Name,
		Email:     u.Email,
		Status:    string(u.Status),
		Role:      string(u.Role),
		InvitedAt: u.InvitedAt,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	if u.TenantID != nil {
		id := u.TenantID.String()
		body.TenantID = &id
	}
	if u.TenantRole != nil {
		role := string(*u.TenantRole)
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

	logger := platformlogging.FromContextOr(ctx, h.logger)
	fieldsForLog := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("users operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("user not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("users request rejected", append(fieldsForLog, zap.Error(err))...)
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
	case errors.Is(err, errInvalidUserID), errors.Is(err, errInvalidFilter):
		return http.StatusBadRequest, "Bad request", err.Error(), problem.TypeValidation, "invalid_parameter", nil
	case errors.Is(err, errConfirmationText):
		return http.StatusUnprocessableEntity, "Validation failed", err.Error(), problem.TypeValidation, "confirmation_required",
			service.FieldErrors{"confirmation": {err.Error()}}
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized", err.Error(), problem.TypeUnauthorized, "unauthenticated", nil
	case errors.Is(err, errSelfDelete), errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Forbidden", err.Error(), problem.TypeForbidden, "forbidden", nil
	case errors.Is(err, service.ErrNotFound), errors.Is(err, tenantsservice.ErrAccountNotFound), errors.Is(err, tenantsservice.ErrNotFound):
		return http.StatusNotFound, "Not found", err.Error(), problem.TypeNotFound, "not_found", nil
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "invalid_transition", nil
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "concurrent_update", nil
	case errors.Is(err, persistence.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable", "persistence backend unavailable", problem.TypeUnavailable, "backend_unavailable", nil
	default:
		return http.StatusInternalServerError, "Internal server error", err.Error(), problem.TypeInternal, "internal_error", nil
	}
}
