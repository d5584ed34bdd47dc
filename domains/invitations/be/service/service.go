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
	"github.com/sata-agro/sata-platform/platform/go/invitetoken"
	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	platformmail "github.com/sata-agro/sata-platform/platform/go/mail"
	"github.com/sata-agro/sata-platform/platform/go/password"
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
	ErrAlreadyRegistered = errors.New("an account with this email is already registered")
	ErrForbidden         = errors.New("operation not allowed for this account")
	ErrNotFound          = errors.New("account not found")
	ErrNotPending        = errors.New("account is not waiting for an invitation")
	ErrConflict          = errors.New("tenant already has an owner")
	ErrInvalidOrExpired  = invitetoken.ErrInvalidOrExpired
)

// unusablePasswordHash never verifies; a pending account has no usable credential until redemption.
const unusablePasswordHash = "!"

// Inviter is the authenticated caller issuing an invitation.
type Inviter struct {
	ID         uuid.UUID
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
}

func (i Inviter) tenantRole() persistence.TenantRole {
	if i.TenantRole == nil {
		return ""
	}
	return *i.TenantRole
}

// Recipient describes the account being invited. TenantID is only honoured for platform administrators
// inviting into a specific tenant; everybody else invites into their own tenant.
type Recipient struct {
	Name       string
	Email      string
	GlobalRole persistence.GlobalRole
	TenantRole persistence.TenantRole
	TenantID   *uuid.UUID
}

// Account is the domain view of the invited user.
type Account struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Status     persistence.AccountStatus
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
	InvitedAt  *time.Time
}

// Delivery reports whether the invitation email left the building. A failed delivery still leaves a
// valid pending account and link.
type Delivery struct {
	Sent  bool
	Error string
}

// Issued is the outcome of Issue and Resend.
type Issued struct {
	Account  Account
	Token    string
	Link     string
	Delivery Delivery
}

// Invitation is the decoded content of a valid token.
type Invitation struct {
	Email      string
	Role       string
	TenantName string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Store is the slice of persistence.Backend the invitation flow needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (persistence.Tenant, error)
	GetUser(ctx context.Context, id uuid.UUID) (persistence.User, error)
	GetUserByEmail(ctx context.Context, email string) (persistence.User, error)
	ListUsers(ctx context.Context, filter persistence.UserFilter) ([]persistence.User, error)
	InsertUser(ctx context.Context, u persistence.User) (persistence.User, error)
	ActivatePendingUser(ctx context.Context, email, passwordHash string) (persistence.User, error)
	RefreshPendingInvitation(ctx context.Context, id uuid.UUID, invitedAt time.Time) (persistence.User, error)
	ResetActivePassword(ctx context.Context, id uuid.UUID, passwordHash string, notChangedSince, changedAt time.Time) (persistence.User, error)
}

// Codec encodes and decodes invitation tokens; satisfied by *invitetoken.Codec.
type Codec interface {
	Encode(claims invitetoken.Claims) (string, error)
	Decode(token string, purpose invitetoken.Purpose) (invitetoken.Claims, error)
}

// PasswordHasher hashes new credentials; satisfied by *password.Hasher.
type PasswordHasher interface {
	Hash(plain string) (string, error)
}

// OutcomeRecorder counts invitation outcomes; satisfied by *metrics.Metrics.
type OutcomeRecorder interface {
	Invitation(outcome string)
}

// Dependencies wires the service collaborators. Mailer, Events, Recorder, Logger and Clock are optional.
type Dependencies struct {
	Store     Store
	Codec     Codec
	Passwords PasswordHasher
	Mailer    platformmail.Mailer
	Events    events.Publisher
	Recorder  OutcomeRecorder
	// BaseURL is the public address of the web application, without trailing slash.
	BaseURL string
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Service issues and redeems invitations and password resets.
type Service interface {
	Issue(ctx context.Context, inviter Inviter, recipient Recipient) (Issued, error)
	Resend(ctx context.Context, inviter Inviter, userID uuid.UUID) (Issued, error)
	Validate(ctx context.Context, token string) (Invitation, error)
	Redeem(ctx context.Context, token, newPassword string) (Account, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) (Account, error)
}

type service struct {
	store     Store
	codec     Codec
	passwords PasswordHasher
	mailer    platformmail.Mailer
	events    events.Publisher
	recorder  OutcomeRecorder
	baseURL   string
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs the invitation Service.
func New(deps Dependencies) Service {
	if deps.Store == nil {
		panic("invitation store is required")
	}
	if deps.Codec == nil {
		panic("invitation codec is required")
	}
	if deps.Passwords == nil {
		panic("password hasher is required")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &service{
		store:     deps.Store,
		codec:     deps.Codec,
		passwords: deps.Passwords,
		mailer:    deps.Mailer,
		events:    deps.Events,
		recorder:  deps.Recorder,
		baseURL:   strings.TrimRight(deps.BaseURL, "/"),
		logger:    deps.Logger,
		now:       deps.Clock,
	}
}

func (s *service) Issue(ctx context.Context, inviter Inviter, recipient Recipient) (Issued, error) {
	recipient.Name = strings.TrimSpace(recipient.Name)
	recipient.Email = strings.ToLower(strings.TrimSpace(recipient.Email))
	if err := validateRecipient(recipient); err != nil {
		return Issued{}, err
	}

	tenantID, err := authorizeIssue(inviter, recipient)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			s.record("forbidden")
		}
		return Issued{}, err
	}

	tenantName := ""
	if tenantID != nil {
		t, err := s.store.GetTenant(ctx, *tenantID)
		if err != nil {
			return Issued{}, mapPersistenceError(err)
		}
		tenantName = t.Name
	}

	now := s.now().UTC()
	account, err := s.pendingAccount(ctx, recipient, tenantID, now)
	if err != nil {
		return Issued{}, err
	}

	issued, err := s.deliver(ctx, account, tenantName, now)
	if err != nil {
		return Issued{}, err
	}

	s.loggerFrom(ctx).Info("invitation issued",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("user_id", account.ID.String()),
			zap.String("role", string(account.GlobalRole)),
			zap.Bool("delivered", issued.Delivery.Sent))...)
	return issued, nil
}

// pendingAccount returns the Pendiente row the invitation is for, re-using an existing one when the email
// was already invited.
func (s *service) pendingAccount(ctx context.Context, recipient Recipient, tenantID *uuid.UUID, now time.Time) (persistence.User, error) {
	existing, err := s.store.GetUserByEmail(ctx, recipient.Email)
	switch {
	case err == nil:
		if existing.Status != persistence.StatusPending || !sameTenant(existing.TenantID, tenantID) {
			s.record("already_registered")
			return persistence.User{}, ErrAlreadyRegistered
		}
		if err := samePendingRecipient(existing, recipient); err != nil {
			return persistence.User{}, err
		}
		refreshed, err := s.store.RefreshPendingInvitation(ctx, existing.ID, now)
		if err != nil {
			if errors.Is(err, persistence.ErrStateConflict) {
				s.record("already_registered")
				return persistence.User{}, ErrAlreadyRegistered
			}
			return persistence.User{}, mapPersistenceError(err)
		}
		return refreshed, nil
	case !errors.Is(err, persistence.ErrNotFound):
		return persistence.User{}, mapPersistenceError(err)
	}

	if tenantID != nil && recipient.TenantRole == persistence.TenantRoleOwner {
		if err := s.ensureNoOwner(ctx, *tenantID); err != nil {
			return persistence.User{}, err
		}
	}

	user := persistence.User{
		ID:           uuid.New(),
		Name:         recipient.Name,
		Email:        recipient.Email,
		PasswordHash: unusablePasswordHash,
		Status:       persistence.StatusPending,
		GlobalRole:   recipient.GlobalRole,
		InvitedAt:    &now,
	}
	if tenantID != nil {
		role := recipient.TenantRole
		user.TenantID = tenantID
		user.TenantRole = &role
	}

	created, err := s.store.InsertUser(ctx, user)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, persistence.ErrConflict) {
		return persistence.User{}, mapPersistenceError(err)
	}

	// Lost a race: either the email or the tenant's owner slot was taken meanwhile.
	if _, lookupErr := s.store.GetUserByEmail(ctx, recipient.Email); lookupErr == nil {
		s.record("already_registered")
		return persistence.User{}, ErrAlreadyRegistered
	}
	return persistence.User{}, ErrConflict
}

// samePendingRecipient rejects a re-issue that would silently keep a different role or name than the
// one requested; the pending row is only refreshed, never rewritten.
func samePendingRecipient(existing persistence.User, recipient Recipient) error {
	fieldErrors := FieldErrors{}
	if existing.GlobalRole != recipient.GlobalRole {
		fieldErrors.add("role", fmt.Sprintf("a pending invitation for this email has role %s", existing.GlobalRole))
	}
	if existing.TenantRole != nil && *existing.TenantRole != recipient.TenantRole {
		fieldErrors.add("tenantRole", fmt.Sprintf("a pending invitation for this email has tenantRole %s", *existing.TenantRole))
	}
	if !strings.EqualFold(strings.TrimSpace(existing.Name), strings.TrimSpace(recipient.Name)) {
		fieldErrors.add("name", "a pending invitation for this email was issued under another name")
	}
	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

func (s *service) ensureNoOwner(ctx context.Context, tenantID uuid.UUID) error {
	members, err := s.store.ListUsers(ctx, persistence.UserFilter{Filter: persistence.ForTenant(tenantID)})
	if err != nil {
		return mapPersistenceError(err)
	}
	for _, m := range members {
		if m.IsOwner() {
			return ErrConflict
		}
	}
	return nil
}

func (s *service) Resend(ctx context.Context, inviter Inviter, userID uuid.UUID) (Issued, error) {
	target, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Issued{}, mapPersistenceError(err)
	}

	switch {
	case inviter.Role == persistence.RolePlatformAdmin:
	case inviter.Role == persistence.RoleFarmUser && isTenantManager(inviter.tenantRole()):
		if !sameTenant(target.TenantID, inviter.TenantID) {
			return Issued{}, ErrNotFound
		}
	default:
		return Issued{}, ErrForbidden
	}

	if target.Status != persistence.StatusPending {
		return Issued{}, ErrNotPending
	}

	now := s.now().UTC()
	refreshed, err := s.store.RefreshPendingInvitation(ctx, target.ID, now)
	if err != nil {
		if errors.Is(err, persistence.ErrStateConflict) {
			return Issued{}, ErrNotPending
		}
		return Issued{}, mapPersistenceError(err)
	}

	tenantName := ""
	if refreshed.TenantID != nil {
		t, err := s.store.GetTenant(ctx, *refreshed.TenantID)
		if err != nil {
			return Issued{}, mapPersistenceError(err)
		}
		tenantName = t.Name
	}

	issued, err := s.deliver(ctx, refreshed, tenantName, now)
	if err != nil {
		return Issued{}, err
	}

	s.loggerFrom(ctx).Info("invitation re-sent",
		append(requesttrace.FromContextOrAnonymous(ctx).Fields(),
			zap.String("user_id", refreshed.ID.String()),
			zap.Bool("delivered", issued.Delivery.Sent))...)
	return issued, nil
}

// deliver encodes the token for a persisted pending row and attempts the email. Nothing here runs unless
// the row was written.
func (s *service) deliver(ctx context.Context, user persistence.User, tenantName string, issuedAt time.Time) (Issued, error) {
	role := string(user.GlobalRole)
	if user.TenantRole != nil {
		role = string(*user.TenantRole)
	}

	token, err := s.codec.Encode(invitetoken.Claims{
		Email:      user.Email,
		IssuedAt:   issuedAt,
		TenantRole: role,
		TenantName: tenantName,
		Purpose:    invitetoken.PurposeInvitation,
	})
	if err != nil {
		return Issued{}, fmt.Errorf("encode invitation: %w", err)
	}

	link := s.baseURL + "/#token=" + token
	issued := Issued{Account: mapAccount(user), Token: token, Link: link}

	var msg platformmail.Message
	if user.GlobalRole == persistence.RoleFarmUser {
		msg, err = platformmail.InvitationEmail(user.Email, platformmail.InvitationData{
			Name:       user.Name,
			TenantName: tenantName,
			TenantRole: role,
			Link:       link,
		})
	} else {
		msg, err = platformmail.StaffInvitationEmail(user.Email, platformmail.StaffInvitationData{
			Name: user.Name,
			Role: role,
			Link: link,
		})
	}
	if err == nil {
		err = s.send(ctx, msg)
	}

	if err != nil {
		issued.Delivery = Delivery{Sent: false, Error: err.Error()}
		s.record("issued_undelivered")
		s.loggerFrom(ctx).Warn("invitation email not delivered",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	} else {
		issued.Delivery = Delivery{Sent: true}
		s.record("issued")
	}

	events.Emit(ctx, s.events, s.loggerFrom(ctx), events.SubjectInvitationIssued, map[string]any{
		"userId":    user.ID,
		"tenantId":  user.TenantID,
		"role":      role,
		"delivered": issued.Delivery.Sent,
	})
	return issued, nil
}

func (s *service) Validate(_ context.Context, token string) (Invitation, error) {
	claims, err := s.codec.Decode(token, invitetoken.PurposeInvitation)
	if err != nil {
		return Invitation{}, ErrInvalidOrExpired
	}
	return Invitation{
		Email:      claims.Email,
		Role:       claims.TenantRole,
		TenantName: claims.TenantName,
		IssuedAt:   claims.IssuedAt,
		ExpiresAt:  claims.IssuedAt.Add(invitetoken.Validity),
	}, nil
}

func (s *service) Redeem(ctx context.Context, token, newPassword string) (Account, error) {
	claims, err := s.codec.Decode(token, invitetoken.PurposeInvitation)
	if err != nil {
		s.record("rejected")
		return Account{}, ErrInvalidOrExpired
	}
	if err := validatePassword(newPassword); err != nil {
		return Account{}, err
	}

	current, err := s.store.GetUserByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.record("rejected")
			return Account{}, ErrInvalidOrExpired
		}
		return Account{}, mapPersistenceError(err)
	}
	if superseded(claims.IssuedAt, current.InvitedAt) {
		s.record("rejected")
		return Account{}, ErrInvalidOrExpired
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	activated, err := s.store.ActivatePendingUser(ctx, claims.Email, hash)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrStateConflict) {
			s.record("rejected")
			return Account{}, ErrInvalidOrExpired
		}
		return Account{}, mapPersistenceError(err)
	}

	s.record("redeemed")
	logger := s.loggerFrom(ctx)
	logger.Info("invitation redeemed", zap.String("user_id", activated.ID.String()))
	events.Emit(ctx, s.events, logger, events.SubjectInvitationRedeemed, map[string]any{
		"userId":   activated.ID,
		"tenantId": activated.TenantID,
	})
	return mapAccount(activated), nil
}

// supersedeTolerance absorbs the millisecond truncation of token timestamps.
const supersedeTolerance = 2 * time.Millisecond

// superseded reports whether a newer invitation was issued after the token.
func superseded(issuedAt time.Time, invitedAt *time.Time) bool {
	if invitedAt == nil {
		return false
	}
	return issuedAt.Before(invitedAt.Add(-supersedeTolerance))
}

func (s *service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		fieldErrors := FieldErrors{}
		fieldErrors.add("email", "email must be a valid address")
		return &ValidationError{Fields: fieldErrors}
	}

	logger := s.loggerFrom(ctx)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			logger.Info("password reset requested for unknown email")
			return nil
		}
		return mapPersistenceError(err)
	}
	if user.Status != persistence.StatusActive {
		logger.Info("password reset requested for inactive account", zap.String("user_id", user.ID.String()))
		return nil
	}

	token, err := s.codec.Encode(invitetoken.Claims{
		Email:    user.Email,
		IssuedAt: s.now().UTC(),
		Purpose:  invitetoken.PurposePasswordReset,
	})
	if err != nil {
		return fmt.Errorf("encode reset token: %w", err)
	}

	msg, err := platformmail.PasswordResetEmail(user.Email, s.baseURL+"/?reset_token="+token)
	if err == nil {
		err = s.send(ctx, msg)
	}
	if err != nil {
		// The response never reveals whether the address exists, so delivery problems are only logged.
		logger.Warn("password reset email not delivered", zap.String("user_id", user.ID.String()), zap.Error(err))
		return nil
	}

	logger.Info("password reset email sent", zap.String("user_id", user.ID.String()))
	return nil
}

func (s *service) ResetPassword(ctx context.Context, token, newPassword string) (Account, error) {
	claims, err := s.codec.Decode(token, invitetoken.PurposePasswordReset)
	if err != nil {
		return Account{}, ErrInvalidOrExpired
	}
	if err := validatePassword(newPassword); err != nil {
		return Account{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Account{}, ErrInvalidOrExpired
		}
		return Account{}, mapPersistenceError(err)
	}
	if user.Status != persistence.StatusActive {
		return Account{}, ErrInvalidOrExpired
	}

	if user.PasswordChangedAt != nil && !user.PasswordChangedAt.Before(claims.IssuedAt) {
		return Account{}, ErrInvalidOrExpired
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	// The store re-checks status and the reset stamp in the same write, so a block issued meanwhile is
	// kept and the token works once.
	updated, err := s.store.ResetActivePassword(ctx, user.ID, hash, claims.IssuedAt, s.now().UTC())
	if err != nil {
		if errors.Is(err, persistence.ErrStateConflict) || errors.Is(err, persistence.ErrNotFound) {
			return Account{}, ErrInvalidOrExpired
		}
		return Account{}, mapPersistenceError(err)
	}

	s.loggerFrom(ctx).Info("password reset", zap.String("user_id", updated.ID.String()))
	return mapAccount(updated), nil
}

func (s *service) send(ctx context.Context, msg platformmail.Message) error {
	if s.mailer == nil {
		return platformmail.ErrNotConfigured
	}
	return s.mailer.Send(ctx, msg)
}

func (s *service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.Invitation(outcome)
	}
}

func (s *service) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, s.logger)
}

func validateRecipient(r Recipient) error {
	fieldErrors := FieldErrors{}
	if r.Name == "" {
		fieldErrors.add("name", "name is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		fieldErrors.add("email", "email must be a valid address")
	}

	switch {
	case !r.GlobalRole.Valid():
		fieldErrors.add("role", "role must be farm_user, sata_admin or sata_tech")
	case r.GlobalRole == persistence.RoleFarmUser:
		if !r.TenantRole.Valid() {
			fieldErrors.add("tenantRole", "tenantRole must be owner, admin or member")
		}
	default:
		if r.TenantRole != "" || r.TenantID != nil {
			fieldErrors.add("tenantRole", "platform staff do not belong to a tenant")
		}
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

func validatePassword(plain string) error {
	if err := password.Validate(plain); err != nil {
		fieldErrors := FieldErrors{}
		fieldErrors.add("password", err.Error())
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

// authorizeIssue decides which tenant the new account lands in. Platform administrators invite staff
// (no tenant) or farm users into an explicit tenant; tenant owners and admins invite into their own.
func authorizeIssue(inviter Inviter, r Recipient) (*uuid.UUID, error) {
	switch inviter.Role {
	case persistence.RolePlatformAdmin:
		if r.GlobalRole != persistence.RoleFarmUser {
			return nil, nil
		}
		if r.TenantID == nil {
			fieldErrors := FieldErrors{}
			fieldErrors.add("tenantId", "tenantId is required to invite a farm user")
			return nil, &ValidationError{Fields: fieldErrors}
		}
		return r.TenantID, nil

	case persistence.RoleFarmUser:
		if inviter.TenantID == nil || !isTenantManager(inviter.tenantRole()) {
			return nil, ErrForbidden
		}
		if r.GlobalRole != persistence.RoleFarmUser {
			return nil, ErrForbidden
		}
		if r.TenantID != nil && *r.TenantID != *inviter.TenantID {
			return nil, ErrForbidden
		}
		return inviter.TenantID, nil
	}
	return nil, ErrForbidden
}

func isTenantManager(role persistence.TenantRole) bool {
	return role == persistence.TenantRoleOwner || role == persistence.TenantRoleAdmin
}

func sameTenant(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
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
		InvitedAt:  u.InvitedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
