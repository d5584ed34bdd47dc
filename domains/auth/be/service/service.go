package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformlogging "github.com/sata-agro/sata-platform/platform/go/logging"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/session"
	"github.com/sata-agro/sata-platform/platform/go/throttle"
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
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrPortalMismatch     = errors.New("account does not belong to this portal")
	ErrVerificationFailed = errors.New("verification failed")
	ErrTooManyAttempts    = errors.New("too many verification attempts")
)

// ThrottledError carries how long the caller should wait before the next step-up attempt.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrTooManyAttempts, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// DemoCode is the step-up code accepted by StaticCodeChecker when none is configured.
const DemoCode = "123456"

// Account is the identity a session is issued for.
type Account struct {
	ID         uuid.UUID
	Name       string
	Email      string
	Role       persistence.GlobalRole
	TenantID   *uuid.UUID
	TenantRole *persistence.TenantRole
}

// Session is a signed bearer token bound to an account.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   Account
}

// Result of a password check: exactly one of Session or StepUp is set.
type Result struct {
	Session *Session
	StepUp  *Challenge
}

// AccountStore is the slice of persistence.Backend the service reads.
type AccountStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (persistence.User, error)
	GetUserByEmail(ctx context.Context, email string) (persistence.User, error)
}

// SessionIssuer signs session tokens; satisfied by *session.Manager.
type SessionIssuer interface {
	Issue(subject string, claims session.Claims) (session.Token, error)
}

// PasswordVerifier compares secrets against stored hashes; satisfied by *password.Hasher.
type PasswordVerifier interface {
	Verify(hash, plain string) bool
	VerifyDummy(plain string)
}

// CodeChecker validates the second factor presented for a challenge.
type CodeChecker interface {
	Check(ctx context.Context, account Account, code string) bool
}

// StaticCodeChecker accepts a single configured code for every account.
type StaticCodeChecker struct {
	Code string
}

func (c StaticCodeChecker) Check(_ context.Context, _ Account, code string) bool {
	expected := c.Code
	if expected == "" {
		expected = DemoCode
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(code))) == 1
}

// AttemptRecorder counts authentication outcomes; satisfied by *metrics.Metrics.
type AttemptRecorder interface {
	AuthAttempt(portal, outcome string)
}

// Dependencies wires the service collaborators. Recorder and Logger are optional.
type Dependencies struct {
	Accounts   AccountStore
	Sessions   SessionIssuer
	Passwords  PasswordVerifier
	Codes      CodeChecker
	Throttle   throttle.Throttler
	Challenges *ChallengeStore
	Recorder   AttemptRecorder
	Logger     *zap.Logger
}

// Service authenticates accounts into a portal and completes step-up verification.
type Service interface {
	Authenticate(ctx context.Context, email, password string, portal persistence.GlobalRole) (Result, error)
	VerifyStepUp(ctx context.Context, challengeID, code string) (Session, error)
}

type service struct {
	accounts   AccountStore
	sessions   SessionIssuer
	passwords  PasswordVerifier
	codes      CodeChecker
	throttle   throttle.Throttler
	challenges *ChallengeStore
	recorder   AttemptRecorder
	logger     *zap.Logger
}

// New constructs the authentication Service.
func New(deps Dependencies) Service {
	if deps.Accounts == nil {
		panic("account store is required")
	}
	if deps.Sessions == nil {
		panic("session issuer is required")
	}
	if deps.Passwords == nil {
		panic("password verifier is required")
	}
	if deps.Codes == nil {
		panic("code checker is required")
	}
	if deps.Throttle == nil {
		panic("throttler is required")
	}
	if deps.Challenges == nil {
		deps.Challenges = NewChallengeStore(DefaultChallengeTTL)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &service{
		accounts:   deps.Accounts,
		sessions:   deps.Sessions,
		passwords:  deps.Passwords,
		codes:      deps.Codes,
		throttle:   deps.Throttle,
		challenges: deps.Challenges,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
	}
}

func (s *service) Authenticate(ctx context.Context, email, password string, portal persistence.GlobalRole) (Result, error) {
	if !portal.Valid() {
		fieldErrors := FieldErrors{}
		fieldErrors.add("portal", "portal must be farm_user, sata_admin or sata_tech")
		return Result{}, &ValidationError{Fields: fieldErrors}
	}

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		s.passwords.VerifyDummy(password)
		s.record(portal, "invalid_credentials")
		return Result{}, ErrInvalidCredentials
	}

	user, err := s.accounts.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.passwords.VerifyDummy(password)
			s.record(portal, "invalid_credentials")
			return Result{}, ErrInvalidCredentials
		}
		s.record(portal, "error")
		return Result{}, mapPersistenceError(err)
	}

	if !s.passwords.Verify(user.PasswordHash, password) {
		s.record(portal, "invalid_credentials")
		return Result{}, ErrInvalidCredentials
	}

	switch user.Status {
	case persistence.StatusBlocked, persistence.StatusInactive:
		s.record(portal, "disabled")
		return Result{}, ErrAccountDisabled
	case persistence.StatusActive:
	default:
		s.record(portal, "invalid_credentials")
		return Result{}, ErrInvalidCredentials
	}

	if user.GlobalRole != portal {
		s.record(portal, "portal_mismatch")
		return Result{}, fmt.Errorf("%w: %s", ErrPortalMismatch, portal)
	}

	if user.GlobalRole.Privileged() {
		challenge := s.challenges.Create(user.ID)
		s.loggerFrom(ctx).Info("step-up challenge issued",
			zap.String("user_id", user.ID.String()),
			zap.Time("expires_at", challenge.ExpiresAt))
		s.record(portal, "step_up")
		return Result{StepUp: &challenge}, nil
	}

	sess, err := s.issue(mapAccount(user))
	if err != nil {
		s.record(portal, "error")
		return Result{}, err
	}
	s.record(portal, "success")
	return Result{Session: &sess}, nil
}

func (s *service) VerifyStepUp(ctx context.Context, challengeID, code string) (Session, error) {
	challengeID = strings.TrimSpace(challengeID)
	accountID, ok := s.challenges.Lookup(challengeID)
	if !ok {
		return Session{}, ErrVerificationFailed
	}

	decision, err := s.throttle.Allow(ctx, "stepup:"+accountID.String())
	if err != nil {
		return Session{}, fmt.Errorf("step-up throttle: %w", err)
	}
	if !decision.Allowed {
		s.loggerFrom(ctx).Warn("step-up attempts exhausted",
			zap.String("user_id", accountID.String()),
			zap.Duration("retry_after", decision.RetryAfter))
		return Session{}, &ThrottledError{RetryAfter: decision.RetryAfter}
	}

	user, err := s.accounts.GetUser(ctx, accountID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.challenges.Consume(challengeID)
			return Session{}, ErrVerificationFailed
		}
		return Session{}, mapPersistenceError(err)
	}
	account := mapAccount(user)

	if !s.codes.Check(ctx, account, code) {
		s.record(user.GlobalRole, "step_up_failed")
		return Session{}, ErrVerificationFailed
	}

	if !s.challenges.Consume(challengeID) {
		return Session{}, ErrVerificationFailed
	}

	if user.Status != persistence.StatusActive {
		s.record(user.GlobalRole, "disabled")
		return Session{}, ErrAccountDisabled
	}
	if !user.GlobalRole.Privileged() {
		return Session{}, ErrVerificationFailed
	}

	sess, err := s.issue(account)
	if err != nil {
		return Session{}, err
	}
	s.record(user.GlobalRole, "success")
	return sess, nil
}

func (s *service) issue(account Account) (Session, error) {
	claims := session.Claims{
		Email: account.Email,
		Name:  account.Name,
		Role:  string(account.Role),
	}
	if account.TenantID != nil {
		claims.TenantID = account.TenantID.String()
	}
	if account.TenantRole != nil {
		claims.TenantRole = string(*account.TenantRole)
	}

	token, err := s.sessions.Issue(account.ID.String(), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	return Session{Token: token.Value, ExpiresAt: token.ExpiresAt, Account: account}, nil
}

func (s *service) record(portal persistence.GlobalRole, outcome string) {
	if s.recorder != nil {
		s.recorder.AuthAttempt(string(portal), outcome)
	}
}

func (s *service) loggerFrom(ctx context.Context) *zap.Logger {
	return platformlogging.FromContextOr(ctx, s.logger)
}

func mapAccount(u persistence.User) Account {
	return Account{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Role:       u.GlobalRole,
		TenantID:   u.TenantID,
		TenantRole: u.TenantRole,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return ErrInvalidCredentials
	default:
		return err
	}
}
