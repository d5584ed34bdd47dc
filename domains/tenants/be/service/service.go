package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sata-agro/sata-platform/platform/go/events"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/requesttrace"
)

// Errors returned by the service layer.
var (
	ErrNotFound           = errors.New("tenant not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrForbidden          = errors.New("only the tenant owner can perform this operation")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadySeeded      = errors.New("tenant already has demo data")
	ErrAlreadyRegistered  = errors.New("email already registered")
)

const (
	DefaultTimezone = "UTC"

	CascadeSelfService = "self_service"
	CascadeForced      = "forced"

	// unusablePasswordHash never verifies; accounts holding it can only be activated by invitation.
	unusablePasswordHash = "!"
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

// Tenant represents the domain view of a farm.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Timezone  string
	CreatedAt time.Time
}

// Account is the domain view of a user row returned by lifecycle operations.
type Account struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Status     persistence.AccountStatus
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
}

// OwnerInput carries the credentials of the account that will own a new tenant.
type OwnerInput struct {
	Name     string
	Email    string
	Password string
}

// Inventory is everything stored for a tenant.
type Inventory struct {
	Tenant    Tenant
	Users     []Account
	Contacts  []persistence.Contact
	Assets    []persistence.Asset
	Rules     []persistence.Rule
	AlertLogs []persistence.AlertLog
}

// ForcedDeletion describes what DeleteTenantForced removed.
type ForcedDeletion struct {
	UserID  uuid.UUID
	Tenant  bool
	Cascade *persistence.CascadeResult
}

// Store is the slice of persistence.Backend the tenant lifecycle needs.
type Store interface {
	persistence.TenantStore
	persistence.UserStore
	persistence.ContactStore
	persistence.AssetStore
	persistence.RuleStore
	persistence.AlertLogStore
}

// PasswordHasher produces and checks stored password hashes.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

// CascadeRecorder counts tenant deletions.
type CascadeRecorder interface {
	TenantCascade(mode, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) TenantCascade(string, string) {}

// Config holds the optional collaborators of Service.
type Config struct {
	// DemoPassword activates seeded team accounts. Empty leaves them Pendiente.
	DemoPassword string
	Events       events.Publisher
	Cascades     CascadeRecorder
	Clock        func() time.Time
}

// Service implements the tenant lifecycle: creation, seeding, bootstrap and deletion.
type Service struct {
	store        Store
	passwords    PasswordHasher
	logger       *zap.Logger
	events       events.Publisher
	cascades     CascadeRecorder
	demoPassword string
	now          func() time.Time
}

// New constructs a Service with required dependencies. logger may be nil.
func New(store Store, passwords PasswordHasher, logger *zap.Logger, cfg Config) *Service {
	if store == nil {
		panic("tenants store is required")
	}
	if passwords == nil {
		panic("password hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:        store,
		passwords:    passwords,
		logger:       logger,
		events:       cfg.Events,
		cascades:     cfg.Cascades,
		demoPassword: cfg.DemoPassword,
		now:          cfg.Clock,
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.cascades == nil {
		s.cascades = noopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type createOptions struct {
	timezone string
}

// CreateOption customises CreateTenant.
type CreateOption func(*createOptions)

// WithTimezone sets the IANA timezone of the new tenant.
func WithTimezone(tz string) CreateOption {
	return func(o *createOptions) {
		o.timezone = tz
	}
}

// CreateTenant creates a tenant and its Activo owner in a single transaction.
func (s *Service) CreateTenant(ctx context.Context, owner OwnerInput, tenantName string, opts ...CreateOption) (Tenant, Account, error) {
	options := createOptions{timezone: DefaultTimezone}
	for _, opt := range opts {
		opt(&options)
	}

	owner.Name = strings.TrimSpace(owner.Name)
	owner.Email = strings.TrimSpace(owner.Email)
	tenantName = strings.TrimSpace(tenantName)

	fieldErrors := FieldErrors{}
	if owner.Name == "" {
		fieldErrors.add("name", "name is required")
	}
	if _, err := mail.ParseAddress(owner.Email); err != nil {
		fieldErrors.add("email", "email must be a valid address")
	}
	if err := password.Validate(owner.Password); err != nil {
		fieldErrors.add("password", err.Error())
	}
	if tenantName == "" {
		fieldErrors.add("tenantName", "tenant name is required")
	}
	if _, err := time.LoadLocation(options.timezone); err != nil {
		fieldErrors.add("timezone", "timezone must be a valid IANA zone")
	}
	if len(fieldErrors) > 0 {
		return Tenant{}, Account{}, &ValidationError{Fields: fieldErrors}
	}

	hash, err := s.passwords.Hash(owner.Password)
	if err != nil {
		return Tenant{}, Account{}, fmt.Errorf("hash owner password: %w", err)
	}

	now := s.now().UTC()
	tenantID := uuid.New()
	ownerRole := persistence.TenantRoleOwner

	createdTenant, createdOwner, err := s.store.CreateTenantWithOwner(ctx,
		persistence.Tenant{
			ID:        tenantID,
			Name:      tenantName,
			Timezone:  options.timezone,
			CreatedAt: now,
		},
		persistence.User{
			ID:           uuid.New(),
			Name:         owner.Name,
			Email:        owner.Email,
			PasswordHash: hash,
			Status:       persistence.StatusActive,
			GlobalRole:   persistence.RoleFarmUser,
			TenantID:     &tenantID,
			TenantRole:   &ownerRole,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return Tenant{}, Account{}, ErrAlreadyRegistered
		}
		return Tenant{}, Account{}, mapPersistenceError(err)
	}

	logger := s.loggerFrom(ctx)
	logger.Info("tenant created",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("tenant_id", createdTenant.ID.String()),
			zap.String("owner_id", createdOwner.ID.String()))...)

	events.Emit(ctx, s.events, logger, events.SubjectTenantCreated, map[string]any{
		"tenantId": createdTenant.ID,
		"name":     createdTenant.Name,
		"ownerId":  createdOwner.ID,
	})

	return mapTenant(createdTenant), mapAccount(createdOwner), nil
}

// RegisterOwner is the self-service signup: it creates the tenant and seeds demo data. A seeding failure
// is logged and does not undo the registration.
func (s *Service) RegisterOwner(ctx context.Context, owner OwnerInput, tenantName string, opts ...CreateOption) (Tenant, Account, error) {
	t, account, err := s.CreateTenant(ctx, owner, tenantName, opts...)
	if err != nil {
		return Tenant{}, Account{}, err
	}

	if _, err := s.SeedTenant(ctx, t.ID, false); err != nil {
		s.loggerFrom(ctx).Warn("demo data not seeded for new tenant",
			zap.String("tenant_id", t.ID.String()),
			zap.Error(err))
	}
	return t, account, nil
}

// List returns every tenant.
func (s *Service) List(ctx context.Context) ([]Tenant, error) {
	records, err := s.store.ListTenants(ctx)
	if err != nil {
		return nil, mapPersistenceError(err)
	}

	tenants := make([]Tenant, 0, len(records))
	for _, record := range records {
		tenants = append(tenants, mapTenant(record))
	}
	return tenants, nil
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	record, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return Tenant{}, mapPersistenceError(err)
	}
	return mapTenant(record), nil
}

// Inventory collects every record scoped to the tenant.
func (s *Service) Inventory(ctx context.Context, id uuid.UUID) (Inventory, error) {
	record, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return Inventory{}, mapPersistenceError(err)
	}

	filter := persistence.ForTenant(id)
	inv := Inventory{Tenant: mapTenant(record)}

	users, err := s.store.ListUsers(ctx, persistence.UserFilter{Filter: filter})
	if err != nil {
		return Inventory{}, mapPersistenceError(err)
	}
	for _, u := range users {
		inv.Users = append(inv.Users, mapAccount(u))
	}
	if inv.Contacts, err = s.store.ListContacts(ctx, filter); err != nil {
		return Inventory{}, mapPersistenceError(err)
	}
	if inv.Assets, err = s.store.ListAssets(ctx, filter); err != nil {
		return Inventory{}, mapPersistenceError(err)
	}
	if inv.Rules, err = s.store.ListRules(ctx, filter); err != nil {
		return Inventory{}, mapPersistenceError(err)
	}
	if inv.AlertLogs, err = s.store.ListAlertLogs(ctx, filter); err != nil {
		return Inventory{}, mapPersistenceError(err)
	}
	return inv, nil
}

// DeleteTenantSelfService removes a tenant on behalf of its owner after re-checking the owner's password.
// Every rejection happens before anything is written.
func (s *Service) DeleteTenantSelfService(ctx context.Context, ownerID uuid.UUID, plainPassword string, tenantID uuid.UUID) (persistence.CascadeResult, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return persistence.CascadeResult{}, mapPersistenceError(err)
	}

	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.CascadeResult{}, ErrForbidden
		}
		return persistence.CascadeResult{}, mapPersistenceError(err)
	}
	if owner.TenantID == nil || *owner.TenantID != tenantID || !owner.IsOwner() || owner.Status != persistence.StatusActive {
		return persistence.CascadeResult{}, ErrForbidden
	}
	if !s.passwords.Verify(owner.PasswordHash, plainPassword) {
		s.cascades.TenantCascade(CascadeSelfService, "rejected")
		return persistence.CascadeResult{}, ErrInvalidCredentials
	}

	return s.cascade(ctx, tenantID, CascadeSelfService)
}

// DeleteTenantForced is the platform administrator's removal of an account. When the account owns a
// tenant the whole tenant goes with it; otherwise only the account is deleted. Callers authorize.
func (s *Service) DeleteTenantForced(ctx context.Context, targetUserID uuid.UUID) (ForcedDeletion, error) {
	target, err := s.store.GetUser(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ForcedDeletion{}, ErrAccountNotFound
		}
		return ForcedDeletion{}, mapPersistenceError(err)
	}

	if target.IsOwner() && target.TenantID != nil {
		result, err := s.cascade(ctx, *target.TenantID, CascadeForced)
		if err != nil {
			return ForcedDeletion{}, err
		}
		return ForcedDeletion{UserID: targetUserID, Tenant: true, Cascade: &result}, nil
	}

	if err := s.store.DeleteUser(ctx, persistence.Filter{}, targetUserID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return ForcedDeletion{}, ErrAccountNotFound
		}
		return ForcedDeletion{}, mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("account deleted",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("user_id", targetUserID.String()),
			zap.String("mode", CascadeForced))...)

	return ForcedDeletion{UserID: targetUserID}, nil
}

func (s *Service) cascade(ctx context.Context, tenantID uuid.UUID, mode string) (persistence.CascadeResult, error) {
	logger := s.loggerFrom(ctx)

	result, err := s.store.DeleteTenantCascade(ctx, tenantID)
	if err != nil {
		s.cascades.TenantCascade(mode, "failed")
		logger.Error("tenant cascade failed",
			append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
				zap.String("tenant_id", tenantID.String()),
				zap.String("mode", mode),
				zap.Error(err))...)
		return persistence.CascadeResult{}, mapPersistenceError(err)
	}

	s.cascades.TenantCascade(mode, "deleted")
	logger.Info("tenant deleted",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("tenant_id", tenantID.String()),
			zap.String("mode", mode),
			zap.Int("users", result.Users),
			zap.Int("contacts", result.Contacts),
			zap.Int("assets", result.Assets),
			zap.Int("rules", result.Rules),
			zap.Int("alert_logs", result.AlertLogs))...)

	events.Emit(ctx, s.events, logger, events.SubjectTenantDeleted, map[string]any{
		"tenantId": tenantID,
		"mode":     mode,
		"removed":  result,
	})

	return result, nil
}

func mapTenant(t persistence.Tenant) Tenant {
	return Tenant{ID: t.ID, Name: t.Name, Timezone: t.Timezone, CreatedAt: t.CreatedAt}
}

func mapAccount(u persistence.User) Account {
	return Account{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Status:     u.Status,
		Role:       u.GlobalRole,
		TenantID:   u.TenantID,
		TenantRole: u.TenantRole,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func (s *Service) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, s.logger)
}
