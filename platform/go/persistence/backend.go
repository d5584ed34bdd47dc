package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a missing record, or a record outside the requested tenant.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a uniqueness violation (duplicated email, second tenant owner).
	ErrConflict = errors.New("record conflict")
	// ErrStateConflict is returned by conditional updates whose precondition no longer holds.
	ErrStateConflict = errors.New("record state changed")
	// ErrBackendUnavailable wraps failures of the remote backend itself.
	ErrBackendUnavailable = errors.New("persistence backend unavailable")
)

// AccountStatus values are persisted literally.
type AccountStatus string

const (
	StatusActive   AccountStatus = "Activo"
	StatusPending  AccountStatus = "Pendiente"
	StatusBlocked  AccountStatus = "Bloqueado"
	StatusInactive AccountStatus = "Inactivo"
)

// Valid reports whether the status is one of the persisted literals.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusBlocked, StatusInactive:
		return true
	}
	return false
}

// GlobalRole selects the portal an account belongs to.
type GlobalRole string

const (
	RoleFarmUser      GlobalRole = "farm_user"
	RolePlatformAdmin GlobalRole = "sata_admin"
	RolePlatformTech  GlobalRole = "sata_tech"
)

func (r GlobalRole) Valid() bool {
	switch r {
	case RoleFarmUser, RolePlatformAdmin, RolePlatformTech:
		return true
	}
	return false
}

// Privileged roles must pass step-up verification before a session is issued.
func (r GlobalRole) Privileged() bool {
	return r == RolePlatformAdmin || r == RolePlatformTech
}

// TenantRole is the authority level of a farm_user inside its tenant.
type TenantRole string

const (
	TenantRoleOwner  TenantRole = "owner"
	TenantRoleAdmin  TenantRole = "admin"
	TenantRoleMember TenantRole = "member"
)

func (r TenantRole) Valid() bool {
	switch r {
	case TenantRoleOwner, TenantRoleAdmin, TenantRoleMember:
		return true
	}
	return false
}

type AssetType string

const (
	AssetGreenhouse AssetType = "Invernadero"
	AssetSilo       AssetType = "Silo"
	AssetOther      AssetType = "Otro"
)

type AssetLocation string

const (
	LocationNorth  AssetLocation = "Norte"
	LocationCenter AssetLocation = "Centro"
	LocationSouth  AssetLocation = "Sur"
)

type AlertType string

const (
	AlertTempMin     AlertType = "Temperatura Mínima"
	AlertTempMax     AlertType = "Temperatura Máxima"
	AlertHumidityMax AlertType = "Humedad Máxima"
)

// Tenant is a farm: the unit of data isolation.
type Tenant struct {
	ID        uuid.UUID `db:"farm_id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Timezone  string    `db:"timezone" json:"timezone"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// User is an account row. TenantID and TenantRole are only set for farm users.
type User struct {
	ID           uuid.UUID     `db:"user_id" json:"id"`
	Name         string        `db:"name" json:"name"`
	Email        string        `db:"email" json:"email"`
	PasswordHash string        `db:"password_hash" json:"-"`
	Status       AccountStatus `db:"status" json:"status"`
	GlobalRole   GlobalRole    `db:"role" json:"role"`
	TenantID     *uuid.UUID    `db:"farm_id" json:"tenantId,omitempty"`
	TenantRole   *TenantRole   `db:"company_role" json:"tenantRole,omitempty"`
	InvitedAt    *time.Time    `db:"invited_at" json:"invitedAt,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`

	// PasswordChangedAt is stamped by password resets only; UpdateUser leaves it untouched.
	PasswordChangedAt *time.Time `db:"password_changed_at" json:"-"`
}

// IsOwner reports whether the account owns its tenant.
func (u User) IsOwner() bool {
	return u.TenantRole != nil && *u.TenantRole == TenantRoleOwner
}

type Contact struct {
	ID       uuid.UUID `db:"contact_id" json:"id"`
	TenantID uuid.UUID `db:"farm_id" json:"tenantId"`
	Name     string    `db:"name" json:"name"`
	Phone    string    `db:"phone" json:"phone"`
	Email    string    `db:"email" json:"email"`
}

type Asset struct {
	ID         uuid.UUID     `db:"asset_id" json:"id"`
	TenantID   uuid.UUID     `db:"farm_id" json:"tenantId"`
	Name       string        `db:"name" json:"name"`
	Type       AssetType     `db:"asset_type" json:"assetType"`
	CustomType *string       `db:"custom_type" json:"customType,omitempty"`
	Location   AssetLocation `db:"location" json:"location"`
	DevEUI     string        `db:"dev_eui" json:"devEUI"`
}

type Rule struct {
	ID         uuid.UUID   `db:"rule_id" json:"id"`
	TenantID   uuid.UUID   `db:"farm_id" json:"tenantId"`
	AssetID    uuid.UUID   `db:"asset_id" json:"assetId"`
	AlertType  AlertType   `db:"alert_type" json:"type"`
	Threshold  float64     `db:"threshold" json:"threshold"`
	ContactIDs []uuid.UUID `db:"contact_ids" json:"contactIds"`
}

type AlertLog struct {
	ID               uuid.UUID `db:"log_id" json:"id"`
	TenantID         uuid.UUID `db:"farm_id" json:"tenantId"`
	AssetID          uuid.UUID `db:"asset_id" json:"assetId"`
	AlertType        AlertType `db:"alert_type" json:"alertType"`
	Value            float64   `db:"value" json:"value"`
	NotifiedContacts []string  `db:"notified_contacts" json:"notifiedContacts"`
	OccurredAt       time.Time `db:"occurred_at" json:"timestamp"`
}

// Filter narrows an operation to a single tenant. A nil TenantID means no restriction.
type Filter struct {
	TenantID *uuid.UUID
}

// ForTenant returns a Filter scoped to id.
func ForTenant(id uuid.UUID) Filter {
	return Filter{TenantID: &id}
}

func (f Filter) matches(tenantID *uuid.UUID) bool {
	if f.TenantID == nil {
		return true
	}
	return tenantID != nil && *tenantID == *f.TenantID
}

// UserFilter extends Filter with account specific criteria.
type UserFilter struct {
	Filter
	Role   *GlobalRole
	Status *AccountStatus
}

// CascadeResult reports how many rows a tenant deletion removed per collection.
type CascadeResult struct {
	TenantID  uuid.UUID `json:"tenantId"`
	Users     int       `json:"users"`
	Contacts  int       `json:"contacts"`
	Assets    int       `json:"assets"`
	Rules     int       `json:"rules"`
	AlertLogs int       `json:"alertLogs"`
}

type TenantStore interface {
	GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	InsertTenant(ctx context.Context, t Tenant) (Tenant, error)
	UpdateTenant(ctx context.Context, t Tenant) (Tenant, error)
	// CreateTenantWithOwner inserts both rows atomically.
	CreateTenantWithOwner(ctx context.Context, t Tenant, owner User) (Tenant, User, error)
	// DeleteTenantCascade removes the tenant and every record scoped to it atomically.
	DeleteTenantCascade(ctx context.Context, id uuid.UUID) (CascadeResult, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)
	InsertUser(ctx context.Context, u User) (User, error)
	UpdateUser(ctx context.Context, u User) (User, error)
	DeleteUser(ctx context.Context, filter Filter, id uuid.UUID) error
	// CompareAndSetUserStatus moves the account to next only if it is currently in expected.
	CompareAndSetUserStatus(ctx context.Context, id uuid.UUID, expected, next AccountStatus) (User, error)
	// ActivatePendingUser sets the password and moves a Pendiente account to Activo in one step.
	ActivatePendingUser(ctx context.Context, email, passwordHash string) (User, error)
	// RefreshPendingInvitation stamps a new invitation instant on an account that is still Pendiente.
	RefreshPendingInvitation(ctx context.Context, id uuid.UUID, invitedAt time.Time) (User, error)
	// ResetActivePassword replaces the password of an Activo account whose password has not changed since
	// notChangedSince, stamping changedAt. Any other state is ErrStateConflict.
	ResetActivePassword(ctx context.Context, id uuid.UUID, passwordHash string, notChangedSince, changedAt time.Time) (User, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, filter Filter, id uuid.UUID) (Contact, error)
	ListContacts(ctx context.Context, filter Filter) ([]Contact, error)
	InsertContact(ctx context.Context, c Contact) (Contact, error)
	UpdateContact(ctx context.Context, c Contact) (Contact, error)
	DeleteContact(ctx context.Context, filter Filter, id uuid.UUID) error
}

type AssetStore interface {
	GetAsset(ctx context.Context, filter Filter, id uuid.UUID) (Asset, error)
	ListAssets(ctx context.Context, filter Filter) ([]Asset, error)
	InsertAsset(ctx context.Context, a Asset) (Asset, error)
	UpdateAsset(ctx context.Context, a Asset) (Asset, error)
	DeleteAsset(ctx context.Context, filter Filter, id uuid.UUID) error
}

type RuleStore interface {
	GetRule(ctx context.Context, filter Filter, id uuid.UUID) (Rule, error)
	ListRules(ctx context.Context, filter Filter) ([]Rule, error)
	InsertRule(ctx context.Context, r Rule) (Rule, error)
	UpdateRule(ctx context.Context, r Rule) (Rule, error)
	DeleteRule(ctx context.Context, filter Filter, id uuid.UUID) error
}

type AlertLogStore interface {
	ListAlertLogs(ctx context.Context, filter Filter) ([]AlertLog, error)
	InsertAlertLog(ctx context.Context, l AlertLog) (AlertLog, error)
}

// Backend is the uniform persistence contract. Exactly one implementation is selected per process.
type Backend interface {
	TenantStore
	UserStore
	ContactStore
	AssetStore
	RuleStore
	AlertLogStore

	Name() string
	Ping(ctx context.Context) error
	Close()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
