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

	"github.com/sata-agro/sata-platform/domains/tenants/be/service"
	platformauth "github.com/sata-agro/sata-platform/platform/go/auth"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/problem"
)

// DeleteConfirmation must be typed verbatim by an owner deleting its tenant.
const DeleteConfirmation = "Eliminar empresa"

type operation string

const (
	listOperation      operation = "tenantsList"
	getOperation       operation = "tenantsGet"
	inventoryOperation operation = "tenantsInventory"
	seedOperation      operation = "tenantsSeed"
	deleteOperation    operation = "tenantsDelete"
	registerOperation  operation = "authRegister"
)

var (
	errUnauthenticated     = errors.New("authentication required")
	errForbidden           = errors.New("operation not allowed for this account")
	errInvalidTenantID     = errors.New("tenantId must be a UUID")
	errConfirmationMissing = fmt.Errorf("confirmation must be exactly %q", DeleteConfirmation)
)

// Service is the part of the tenant lifecycle exposed over HTTP.
type Service interface {
	List(ctx context.Context) ([]service.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (service.Tenant, error)
	Inventory(ctx context.Context, id uuid.UUID) (service.Inventory, error)
	SeedTenant(ctx context.Context, tenantID uuid.UUID, force bool) (service.SeedResult, error)
	DeleteTenantSelfService(ctx context.Context, ownerID uuid.UUID, password string, tenantID uuid.UUID) (persistence.CascadeResult, error)
	RegisterOwner(ctx context.Context, owner service.OwnerInput, tenantName string, opts ...service.CreateOption) (service.Tenant, service.Account, error)
}

var _ Service = (*service.Service)(nil)

// Handler wires the tenant lifecycle to chi routes.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Mount registers the authenticated routes under r (the /tenants sub-router).
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.List)
	r.Route("/{tenantId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/inventory", h.Inventory)
		r.Post("/seed", h.Seed)
		r.Delete("/", h.Delete)
	})
}

// MountRegistration registers the public signup route under r (the /auth sub-router).
func (h *Handler) MountRegistration(r chi.Router) {
	r.Post("/register", h.Register)
}

type tenantBody struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"createdAt"`
}

type accountBody struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Status     string  `json:"status"`
	Role       string  `json:"role"`
	TenantID   *string `json:"tenantId,omitempty"`
	TenantRole *string `json:"tenantRole,omitempty"`
}

type inventoryBody struct {
	Tenant    tenantBody             `json:"tenant"`
	Users     []accountBody          `json:"users"`
	Contacts  []persistence.Contact  `json:"contacts"`
	Assets    []persistence.Asset    `json:"assets"`
	Rules     []persistence.Rule     `json:"rules"`
	AlertLogs []persistence.AlertLog `json:"alertLogs"`
}

type seedRequest struct {
	Force bool `json:"force"`
}

type deleteRequest struct {
	Password     string `json:"password"`
	Confirmation string `json:"confirmation"`
}

type registerRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	TenantName string `json:"tenantName"`
	Timezone   string `json:"timezone,omitempty"`
}

type registerResponse struct {
	Tenant tenantBody  `json:"tenant"`
	Owner  accountBody `json:"owner"`
}

// List implements GET /tenants (platform staff only).
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	creds, err := caller(r)
	if err == nil && !isStaff(creds) {
		err = errForbidden
	}
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	tenants, err := h.svc.List(r.Context())
	if err != nil {
		h.writeError(w, r, err, listOperation)
		return
	}

	items := make([]tenantBody, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, toTenantBody(t))
	}
	problem.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Get implements GET /tenants/{tenantId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.authorizeRead(r)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}

	t, err := h.svc.Get(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err, getOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toTenantBody(t))
}

// Inventory implements GET /tenants/{tenantId}/inventory.
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.authorizeRead(r)
	if err != nil {
		h.writeError(w, r, err, inventoryOperation)
		return
	}

	inv, err := h.svc.Inventory(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err, inventoryOperation)
		return
	}

	body := inventoryBody{
		Tenant:    toTenantBody(inv.Tenant),
		Users:     make([]accountBody, 0, len(inv.Users)),
		Contacts:  nonNil(inv.Contacts),
		Assets:    nonNil(inv.Assets),
		Rules:     nonNil(inv.Rules),
		AlertLogs: nonNil(inv.AlertLogs),
	}
	for _, u := range inv.Users {
		body.Users = append(body.Users, toAccountBody(u))
	}
	problem.WriteJSON(w, http.StatusOK, body)
}

// Seed implements POST /tenants/{tenantId}/seed (platform admin or the tenant owner).
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	creds, err := caller(r)
	if err != nil {
		h.writeError(w, r, err, seedOperation)
		return
	}
	tenantID, err := tenantIDParam(r)
	if err != nil {
		h.writeError(w, r, err, seedOperation)
		return
	}
	if !creds.IsPlatformAdmin() && !(ownsTenant(creds, tenantID) && isOwner(creds)) {
		h.writeError(w, r, errForbidden, seedOperation)
		return
	}

	var req seedRequest
	if r.ContentLength != 0 {
		if err := problem.DecodeJSON(r, &req); err != nil {
			h.writeError(w, r, err, seedOperation)
			return
		}
	}

	result, err := h.svc.SeedTenant(r.Context(), tenantID, req.Force)
	if err != nil {
		h.writeError(w, r, err, seedOperation)
		return
	}
	problem.WriteJSON(w, http.StatusCreated, result)
}

// Delete implements DELETE /tenants/{tenantId}, the owner's self-service removal.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	creds, err := caller(r)
	if err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}
	tenantID, err := tenantIDParam(r)
	if err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}

	var req deleteRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}
	if req.Confirmation != DeleteConfirmation {
		h.writeError(w, r, errConfirmationMissing, deleteOperation)
		return
	}

	ownerID, err := uuid.Parse(creds.Id)
	if err != nil || creds.Role != platformauth.RoleFarmUser {
		h.writeError(w, r, errForbidden, deleteOperation)
		return
	}

	result, err := h.svc.DeleteTenantSelfService(r.Context(), ownerID, req.Password, tenantID)
	if err != nil {
		h.writeError(w, r, err, deleteOperation)
		return
	}
	problem.WriteJSON(w, http.StatusOK, result)
}

// Register implements POST /auth/register, the public owner signup.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := problem.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, registerOperation)
		return
	}

	var opts []service.CreateOption
	if req.Timezone != "" {
		opts = append(opts, service.WithTimezone(req.Timezone))
	}

	t, owner, err := h.svc.RegisterOwner(r.Context(),
		service.OwnerInput{Name: req.Name, Email: req.Email, Password: req.Password},
		req.TenantName, opts...)
	if err != nil {
		h.writeError(w, r, err, registerOperation)
		return
	}

	problem.WriteJSON(w, http.StatusCreated, registerResponse{Tenant: toTenantBody(t), Owner: toAccountBody(owner)})
}

func (h *Handler) authorizeRead(r *http.Request) (uuid.UUID, error) {
	creds, err := caller(r)
	if err != nil {
		return uuid.Nil, err
	}
	tenantID, err := tenantIDParam(r)
	if err != nil {
		return uuid.Nil, err
	}
	if !isStaff(creds) && !ownsTenant(creds, tenantID) {
		// Other tenants are indistinguishable from missing ones.
		return uuid.Nil, service.ErrNotFound
	}
	return tenantID, nil
}

func caller(r *http.Request) (*platformauth.UserCredentials, error) {
	creds, ok := platformauth.UserFromContext(r.Context())
	if !ok || creds == nil {
		return nil, errUnauthenticated
	}
	return creds, nil
}

func isStaff(creds *platformauth.UserCredentials) bool {
	return creds.Role == platformauth.RolePlatformAdmin || creds.Role == platformauth.RolePlatformTech
}

func ownsTenant(creds *platformauth.UserCredentials, tenantID uuid.UUID) bool {
	return creds.Role == platformauth.RoleFarmUser && creds.TenantID != nil && *creds.TenantID == tenantID.String()
}

func isOwner(creds *platformauth.UserCredentials) bool {
	return creds.TenantRole != nil && *creds.TenantRole == string(persistence.TenantRoleOwner)
}

func tenantIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantId"))
	if err != nil {
		return uuid.Nil, errInvalidTenantID
	}
	return id, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func toTenantBody(t service.Tenant) tenantBody {
	return tenantBody{ID: t.ID.String(), Name: t.Name, Timezone: t.Timezone, CreatedAt: t.CreatedAt}
}

func toAccountBody(a service.Account) accountBody {
	body := accountBody{
		ID:     a.ID.String(),
		Name:   a.Name,
		Email:  a.Email,
		Status: string(a.Status),
		Role:   string(a.Role),
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
	if errors.Is(err, errUnauthenticated) || errors.Is(err, service.ErrInvalidCredentials) {
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
		logger.Error("tenants operation failed", append(fieldsForLog, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("tenant not found", append(fieldsForLog, zap.Error(err))...)
	default:
		logger.Warn("tenants request rejected", append(fieldsForLog, zap.Error(err))...)
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
	case errors.Is(err, errInvalidTenantID):
		return http.StatusBadRequest, "Bad request", err.Error(), problem.TypeValidation, "invalid_id", nil
	case errors.Is(err, errConfirmationMissing):
		return http.StatusUnprocessableEntity, "Validation failed", err.Error(), problem.TypeValidation, "confirmation_required",
			service.FieldErrors{"confirmation": {err.Error()}}
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized", err.Error(), problem.TypeUnauthorized, "unauthenticated", nil
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Unauthorized", err.Error(), problem.TypeUnauthorized, "invalid_credentials", nil
	case errors.Is(err, errForbidden), errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Forbidden", err.Error(), problem.TypeForbidden, "forbidden", nil
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found", err.Error(), problem.TypeNotFound, "not_found", nil
	case errors.Is(err, service.ErrAlreadySeeded):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "already_seeded", nil
	case errors.Is(err, service.ErrAlreadyRegistered):
		return http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict, "already_registered", nil
	case errors.Is(err, persistence.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable", "persistence backend unavailable", problem.TypeUnavailable, "backend_unavailable", nil
	default:
		return http.StatusInternalServerError, "Internal server error", err.Error(), problem.TypeInternal, "internal_error", nil
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, h.logger)
}
