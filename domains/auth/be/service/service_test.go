package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/session"
	"github.com/sata-agro/sata-platform/platform/go/throttle"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type mockAccounts struct {
	getFn        func(ctx context.Context, id uuid.UUID) (persistence.User, error)
	getByEmailFn func(ctx context.Context, email string) (persistence.User, error)
}

func (m *mockAccounts) GetUser(ctx context.Context, id uuid.UUID) (persistence.User, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, id)
}

func (m *mockAccounts) GetUserByEmail(ctx context.Context, email string) (persistence.User, error) {
	if m.getByEmailFn == nil {
		panic("getByEmailFn not configured")
	}
	return m.getByEmailFn(ctx, email)
}

type mockPasswords struct {
	verifyFn   func(hash, plain string) bool
	dummyCalls int
}

func (m *mockPasswords) Verify(hash, plain string) bool {
	if m.verifyFn == nil {
		panic("verifyFn not configured")
	}
	return m.verifyFn(hash, plain)
}

func (m *mockPasswords) VerifyDummy(string) { m.dummyCalls++ }

type mockThrottle struct {
	allowFn func(ctx context.Context, key string) (throttle.Decision, error)
}

func (m *mockThrottle) Allow(ctx context.Context, key string) (throttle.Decision, error) {
	if m.allowFn == nil {
		panic("allowFn not configured")
	}
	return m.allowFn(ctx, key)
}

type recorder struct {
	outcomes []string
}

func (r *recorder) AuthAttempt(portal, outcome string) {
	r.outcomes = append(r.outcomes, portal+":"+outcome)
}

type fixture struct {
	backend  *persistence.MemoryBackend
	hasher   *password.Hasher
	sessions *session.Manager
	recorder *recorder
	svc      Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend, err := persistence.NewMemoryBackend()
	require.NoError(t, err)

	sessions, err := session.NewManager(testSecret, time.Hour)
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		hasher:   password.NewHasher(bcrypt.MinCost),
		sessions: sessions,
		recorder: &recorder{},
	}
	f.svc = New(Dependencies{
		Accounts:  backend,
		Sessions:  sessions,
		Passwords: f.hasher,
		Codes:     StaticCodeChecker{},
		Throttle:  throttle.NewLocal(throttle.Config{Capacity: 3, RefillEvery: time.Hour}),
		Recorder:  f.recorder,
	})
	return f
}

func (f *fixture) addUser(t *testing.T, u persistence.User, plain string) persistence.User {
	t.Helper()

	hash, err := f.hasher.Hash(plain)
	require.NoError(t, err)
	u.ID = uuid.New()
	u.PasswordHash = hash
	if u.Name == "" {
		u.Name = "Usuario"
	}

	created, err := f.backend.InsertUser(context.Background(), u)
	require.NoError(t, err)
	return created
}

func (f *fixture) addFarmUser(t *testing.T, email, plain string, status persistence.AccountStatus) persistence.User {
	t.Helper()

	tenant, err := f.backend.InsertTenant(context.Background(), persistence.Tenant{ID: uuid.New(), Name: "AgroIndustrias Demo"})
	require.NoError(t, err)
	role := persistence.TenantRoleMember
	return f.addUser(t, persistence.User{
		Email:      email,
		Status:     status,
		GlobalRole: persistence.RoleFarmUser,
		TenantID:   &tenant.ID,
		TenantRole: &role,
	}, plain)
}

func TestAuthenticateFarmUserGetsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	user := f.addFarmUser(t, "gerente@empresa.com", "Secr3t!pass", persistence.StatusActive)

	result, err := f.svc.Authenticate(context.Background(), " Gerente@Empresa.com ", "Secr3t!pass", persistence.RoleFarmUser)
	require.NoError(t, err)
	require.Nil(t, result.StepUp)
	require.NotNil(t, result.Session)
	require.Equal(t, user.ID, result.Session.Account.ID)

	claims, err := f.sessions.Parse(result.Session.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID.String(), claims.Subject)
	require.Equal(t, "farm_user", claims.Role)
	require.Equal(t, user.TenantID.String(), claims.TenantID)
	require.Equal(t, "member", claims.TenantRole)
	require.Equal(t, []string{"farm_user:success"}, f.recorder.outcomes)
}

func TestAuthenticateInvalidCredentialsAreIndistinguishable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addFarmUser(t, "gerente@empresa.com", "Secr3t!pass", persistence.StatusActive)

	_, unknownErr := f.svc.Authenticate(context.Background(), "nadie@empresa.com", "Secr3t!pass", persistence.RoleFarmUser)
	_, wrongErr := f.svc.Authenticate(context.Background(), "gerente@empresa.com", "wrong-password", persistence.RoleFarmUser)

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	require.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestAuthenticateUnknownEmailRunsDummyComparison(t *testing.T) {
	t.Parallel()

	accounts := &mockAccounts{
		getByEmailFn: func(context.Context, string) (persistence.User, error) {
			return persistence.User{}, persistence.ErrNotFound
		},
	}
	passwords := &mockPasswords{}
	svc := New(Dependencies{
		Accounts:  accounts,
		Sessions:  &session.Manager{},
		Passwords: passwords,
		Codes:     StaticCodeChecker{},
		Throttle:  &mockThrottle{},
	})

	_, err := svc.Authenticate(context.Background(), "nadie@empresa.com", "whatever", persistence.RoleFarmUser)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, passwords.dummyCalls)
}

func TestAuthenticateStatusAndPortalChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addFarmUser(t, "bloqueado@empresa.com", "Secr3t!pass", persistence.StatusBlocked)
	f.addFarmUser(t, "inactivo@empresa.com", "Secr3t!pass", persistence.StatusInactive)
	f.addFarmUser(t, "pendiente@empresa.com", "Secr3t!pass", persistence.StatusPending)
	f.addFarmUser(t, "activo@empresa.com", "Secr3t!pass", persistence.StatusActive)

	cases := []struct {
		email  string
		pass   string
		portal persistence.GlobalRole
		want   error
	}{
		{email: "bloqueado@empresa.com", pass: "Secr3t!pass", portal: persistence.RoleFarmUser, want: ErrAccountDisabled},
		{email: "inactivo@empresa.com", pass: "Secr3t!pass", portal: persistence.RoleFarmUser, want: ErrAccountDisabled},
		{email: "bloqueado@empresa.com", pass: "wrong-password", portal: persistence.RoleFarmUser, want: ErrInvalidCredentials},
		{email: "pendiente@empresa.com", pass: "Secr3t!pass", portal: persistence.RoleFarmUser, want: ErrInvalidCredentials},
		{email: "activo@empresa.com", pass: "Secr3t!pass", portal: persistence.RolePlatformTech, want: ErrPortalMismatch},
	}

	for _, tc := range cases {
		_, err := f.svc.Authenticate(context.Background(), tc.email, tc.pass, tc.portal)
		require.ErrorIs(t, err, tc.want, tc.email)
	}

	_, err := f.svc.Authenticate(context.Background(), "activo@empresa.com", "Secr3t!pass", persistence.RolePlatformAdmin)
	require.ErrorContains(t, err, "sata_admin")
	require.NotContains(t, err.Error(), "farm_user")

	_, err = f.svc.Authenticate(context.Background(), "activo@empresa.com", "Secr3t!pass", "admin")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "portal")
}

func TestPrivilegedRolesAlwaysStepUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addUser(t, persistence.User{Email: "admin@sata.com", Status: persistence.StatusActive, GlobalRole: persistence.RolePlatformAdmin}, "password")
	f.addUser(t, persistence.User{Email: "tech@sata.com", Status: persistence.StatusActive, GlobalRole: persistence.RolePlatformTech}, "password")

	for email, portal := range map[string]persistence.GlobalRole{
		"admin@sata.com": persistence.RolePlatformAdmin,
		"tech@sata.com":  persistence.RolePlatformTech,
	} {
		result, err := f.svc.Authenticate(context.Background(), email, "password", portal)
		require.NoError(t, err)
		require.Nil(t, result.Session)
		require.NotNil(t, result.StepUp)
		require.NotEmpty(t, result.StepUp.ID)
	}
}

func TestAdminStepUpScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.addUser(t, persistence.User{Email: "admin@sata.com", Status: persistence.StatusActive, GlobalRole: persistence.RolePlatformAdmin}, "password")

	result, err := f.svc.Authenticate(context.Background(), "admin@sata.com", "password", persistence.RolePlatformAdmin)
	require.NoError(t, err)
	require.NotNil(t, result.StepUp)

	_, err = f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "000000")
	require.ErrorIs(t, err, ErrVerificationFailed)

	sess, err := f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "123456")
	require.NoError(t, err)
	require.Equal(t, admin.ID, sess.Account.ID)

	claims, err := f.sessions.Parse(sess.Token)
	require.NoError(t, err)
	require.Equal(t, "sata_admin", claims.Role)
	require.Empty(t, claims.TenantID)

	_, err = f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "123456")
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyStepUpIsThrottledPerAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addUser(t, persistence.User{Email: "admin@sata.com", Status: persistence.StatusActive, GlobalRole: persistence.RolePlatformAdmin}, "password")

	result, err := f.svc.Authenticate(context.Background(), "admin@sata.com", "password", persistence.RolePlatformAdmin)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "999999")
		require.ErrorIs(t, err, ErrVerificationFailed)
	}

	_, err = f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "123456")
	require.ErrorIs(t, err, ErrTooManyAttempts)

	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled))
	require.Positive(t, throttled.RetryAfter)
}

func TestVerifyStepUpRejectsBlockedAccount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.addUser(t, persistence.User{Email: "admin@sata.com", Status: persistence.StatusActive, GlobalRole: persistence.RolePlatformAdmin}, "password")

	result, err := f.svc.Authenticate(context.Background(), "admin@sata.com", "password", persistence.RolePlatformAdmin)
	require.NoError(t, err)

	_, err = f.backend.CompareAndSetUserStatus(context.Background(), admin.ID, persistence.StatusActive, persistence.StatusBlocked)
	require.NoError(t, err)

	_, err = f.svc.VerifyStepUp(context.Background(), result.StepUp.ID, "123456")
	require.ErrorIs(t, err, ErrAccountDisabled)
}

func TestVerifyStepUpUnknownChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.VerifyStepUp(context.Background(), uuid.NewString(), "123456")
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestChallengeStoreExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewChallengeStore(5 * time.Minute).WithClock(func() time.Time { return now })
	accountID := uuid.New()

	c := store.Create(accountID)
	require.Equal(t, now.Add(5*time.Minute), c.ExpiresAt)

	got, ok := store.Lookup(c.ID)
	require.True(t, ok)
	require.Equal(t, accountID, got)

	now = now.Add(5 * time.Minute)
	_, ok = store.Lookup(c.ID)
	require.False(t, ok)
	require.False(t, store.Consume(c.ID))

	store.Create(accountID)
	now = now.Add(10 * time.Minute)
	store.Create(accountID)
	require.Equal(t, 1, store.Len())
}

func TestStaticCodeChecker(t *testing.T) {
	t.Parallel()

	require.True(t, StaticCodeChecker{}.Check(context.Background(), Account{}, "123456"))
	require.True(t, StaticCodeChecker{}.Check(context.Background(), Account{}, " 123456 "))
	require.False(t, StaticCodeChecker{}.Check(context.Background(), Account{}, "000000"))
	require.True(t, StaticCodeChecker{Code: "424242"}.Check(context.Background(), Account{}, "424242"))
	require.False(t, StaticCodeChecker{Code: "424242"}.Check(context.Background(), Account{}, "123456"))
}
