package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/requesttrace"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

func (f FieldErrors) add(field, message string) {
	f[field] = append(f[field], message)
}

// Domain sentinel errors.
var (
	ErrNotFound          = errors.New("user not found")
	ErrForbidden         = errors.New("operation not allowed for this account")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrConflict          = errors.New("user changed concurrently")
)

// User represents the domain view of an account.
type User struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Status     persistence.AccountStatus
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
	InvitedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	ID         uuid.UUID
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
}

func (a Actor) isStaff() bool {
	return a.Role == persistence.RolePlatformAdmin || a.Role == persistence.RolePlatformTech
}

func (a Actor) tenantRole() persistence.TenantRole {
	if a.TenantRole == nil {
		return ""
	}
	return *a.TenantRole
}

// ListOptions narrows List. TenantID is ignored for farm users, who only ever see their own tenant.
type ListOptions struct {
	TenantID *uuid.UUID
	Role     *persistence.GlobalRole
	Status   *persistence.AccountStatus
}

// Store is the slice of persistence.Backend the users domain needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (persistence.User, error)
	ListUsers(ctx context.Context, filter persistence.UserFilter) ([]persistence.User, error)
	DeleteUser(ctx context.Context, filter persistence.Filter, id uuid.UUID) error
	CompareAndSetUserStatus(ctx context.Context, id uuid.UUID, expected, next persistence.AccountStatus) (persistence.User, error)
}

// Service defines the account administration operations.
type Service interface {
	List(ctx context.Context, actor Actor, opts ListOptions) ([]User, error)
	Get(ctx context.Context, actor Actor, id uuid.UUID) (User, error)
	SetStatus(ctx context.Context, actor Actor, id uuid.UUID, target persistence.AccountStatus) (User, error)
	Delete(ctx context.Context, actor Actor, id uuid.UUID) error
}

type service struct {
	store  Store
	logger *zap.Logger
}

// New constructs a users Service backed by the provided store. logger may be nil.
func New(store Store, logger *zap.Logger) Service {
	if store == nil {
		panic("users store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{store: store, logger: logger}
}

// CanTransition reports whether an account may move from one status to another.
// Staying in the same status is always allowed. Pendiente only leaves through invitation redemption
// and nothing leads to Inactivo.
func CanTransition(from, to persistence.AccountStatus) bool {
	if from == to {
		return from.Valid()
	}
	switch from {
	case persistence.StatusPending:
		return to == persistence.StatusActive
	case persistence.StatusActive:
		return to == persistence.StatusBlocked
	case persistence.StatusBlocked:
		return to == persistence.StatusActive
	}
	return false
}

func (s *service) List(ctx context.Context, actor Actor, opts ListOptions) ([]User, error) {
	filter := persistence.UserFilter{Role: opts.Role, Status: opts.Status}

	switch {
	case actor.isStaff():
		if opts.TenantID != nil {
			filter.Filter = persistence.ForTenant(*opts.TenantID)
		}
	case actor.Role == persistence.RoleFarmUser && actor.TenantID != nil:
		filter.Filter = persistence.ForTenant(*actor.TenantID)
	default:
		return nil, ErrForbidden
	}

	records, err := s.store.ListUsers(ctx, filter)
	if err != nil {
		return nil, mapPersistenceError(err)
	}

	users := make([]User, 0, len(records))
	for _, record := range records {
		users = append(users, mapUser(record))
	}
	return users, nil
}

func (s *service) Get(ctx context.Context, actor Actor, id uuid.UUID) (User, error) {
	record, err := s.visible(ctx, actor, id)
	if err != nil {
		return User{}, err
	}
	return mapUser(record), nil
}

func (s *service) SetStatus(ctx context.Context, actor Actor, id uuid.UUID, target persistence.AccountStatus) (User, error) {
	if target != persistence.StatusActive && target != persistence.StatusBlocked {
		fieldErrors := FieldErrors{}
		fieldErrors.add("status", "status must be Activo or Bloqueado")
		return User{}, &ValidationError{Fields: fieldErrors}
	}

	record, err := s.visible(ctx, actor, id)
	if err != nil {
		return User{}, err
	}

	if err := authorizeStatusChange(actor, record); err != nil {
		return User{}, err
	}

	if record.Status == target {
		return mapUser(record), nil
	}
	if record.Status == persistence.StatusPending || !CanTransition(record.Status, target) {
		return User{}, ErrInvalidTransition
	}

	updated, err := s.store.CompareAndSetUserStatus(ctx, id, record.Status, target)
	if err != nil {
		return User{}, mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("account status changed",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("user_id", id.String()),
			zap.String("from", string(record.Status)),
			zap.String("to", string(target)))...)

	return mapUser(updated), nil
}

// Delete removes a single member of the caller's tenant. Only the owner may do it, never on itself or on
// the owner account; platform administrators use the forced deletion instead.
func (s *service) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	if actor.Role != persistence.RoleFarmUser || actor.TenantID == nil || actor.tenantRole() != persistence.TenantRoleOwner {
		return ErrForbidden
	}
	if actor.ID == id {
		return ErrForbidden
	}

	record, err := s.visible(ctx, actor, id)
	if err != nil {
		return err
	}
	if record.IsOwner() {
		return ErrForbidden
	}

	if err := s.store.DeleteUser(ctx, persistence.ForTenant(*actor.TenantID), id); err != nil {
		return mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("account deleted",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(), zap.String("user_id", id.String()))...)
	return nil
}

// visible loads an account the actor is allowed to see; accounts of other tenants do not exist for farm users.
func (s *service) visible(ctx context.Context, actor Actor, id uuid.UUID) (persistence.User, error) {
	if id == uuid.Nil {
		return persistence.User{}, ErrNotFound
	}

	record, err := s.store.GetUser(ctx, id)
	if err != nil {
		return persistence.User{}, mapPersistenceError(err)
	}

	if actor.isStaff() {
		return record, nil
	}
	if actor.Role != persistence.RoleFarmUser || actor.TenantID == nil {
		return persistence.User{}, ErrForbidden
	}
	if record.TenantID == nil || *record.TenantID != *actor.TenantID {
		return persistence.User{}, ErrNotFound
	}
	return record, nil
}

func authorizeStatusChange(actor Actor, target persistence.User) error {
	if actor.ID == target.ID {
		return ErrForbidden
	}

	switch actor.Role {
	case persistence.RolePlatformAdmin:
		return nil
	case persistence.RoleFarmUser:
		switch actor.tenantRole() {
		case persistence.TenantRoleOwner:
			return nil
		case persistence.TenantRoleAdmin:
			if target.TenantRole != nil && *target.TenantRole == persistence.TenantRoleMember {
				return nil
			}
		}
	}
	return ErrForbidden
}

func (s *service) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, s.logger)
}

func mapUser(u persistence.User) User {
	return User{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Status:     u.Status,
		Role:       u.GlobalRole,
		TenantID:   u.TenantID,
		TenantRole: u.TenantRole,
		InvitedAt:  u.InvitedAt,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrStateConflict):
		return ErrConflict
	default:
		return err
	}
}
