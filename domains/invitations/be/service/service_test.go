package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	authservice "github.com/sata-agro/sata-platform/domains/auth/be/service"
	"github.com/sata-agro/sata-platform/platform/go/invitetoken"
	platformmail "github.com/sata-agro/sata-platform/platform/go/mail"
	"github.com/sata-agro/sata-platform/platform/go/password"
	"github.com/sata-agro/sata-platform/platform/go/persistence"
	"github.com/sata-agro/sata-platform/platform/go/session"
	"github.com/sata-agro/sata-platform/platform/go/throttle"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockMailer struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, msg platformmail.Message) error
	sent   []platformmail.Message
}

func (m *mockMailer) Send(ctx context.Context, msg platformmail.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return nil
}

func (m *mockMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) Invitation(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

type fixture struct {
	backend  *persistence.MemoryBackend
	hasher   *password.Hasher
	clock    *testClock
	mailer   *mockMailer
	outcomes *outcomes
	tenant   persistence.Tenant
	owner    Inviter
	svc      Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend, err := persistence.NewMemoryBackend()
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		hasher:   password.NewHasher(bcrypt.MinCost),
		clock:    &testClock{now: time.Now().UTC()},
		mailer:   &mockMailer{},
		outcomes: &outcomes{},
	}

	codec, err := invitetoken.New([]byte(testSecret), invitetoken.WithClock(f.clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	f.tenant, err = backend.InsertTenant(ctx, persistence.Tenant{ID: uuid.New(), Name: "AgroIndustrias Demo", Timezone: "America/Bogota"})
	require.NoError(t, err)

	ownerRole := persistence.TenantRoleOwner
	owner, err := backend.InsertUser(ctx, persistence.User{
		ID: uuid.New(), Name: "Gerente Demo", Email: "gerente@empresa.com", PasswordHash: "x",
		Status: persistence.StatusActive, GlobalRole: persistence.RoleFarmUser,
		TenantID: &f.tenant.ID, TenantRole: &ownerRole,
	})
	require.NoError(t, err)
	f.owner = Inviter{ID: owner.ID, Role: persistence.RoleFarmUser, TenantID: owner.TenantID, TenantRole: owner.TenantRole}

	f.svc = New(Dependencies{
		Store:     backend,
		Codec:     codec,
		Passwords: f.hasher,
		Mailer:    f.mailer,
		Recorder:  f.outcomes,
		BaseURL:   "https://app.sata-agro.com/",
		Logger:    zaptest.NewLogger(t),
		Clock:     f.clock.Now,
	})
	return f
}

func (f *fixture) authenticator(t *testing.T) authservice.Service {
	t.Helper()
	sessions, err := session.NewManager(testSecret, time.Hour)
	require.NoError(t, err)
	return authservice.New(authservice.Dependencies{
		Accounts:  f.backend,
		Sessions:  sessions,
		Passwords: f.hasher,
		Codes:     authservice.StaticCodeChecker{},
		Throttle:  throttle.NewLocal(throttle.Config{Capacity: 5, RefillEvery: time.Minute}),
	})
}

func member(name, email string, role persistence.TenantRole) Recipient {
	return Recipient{Name: name, Email: email, GlobalRole: persistence.RoleFarmUser, TenantRole: role}
}

func platformAdmin() Inviter {
	return Inviter{ID: uuid.New(), Role: persistence.RolePlatformAdmin}
}

func TestInvitationRoundTripForMaria(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("María López", "maria@empresa.com", persistence.TenantRoleAdmin))
	require.NoError(t, err)
	require.True(t, issued.Delivery.Sent)
	require.Equal(t, persistence.StatusPending, issued.Account.Status)
	require.Equal(t, "https://app.sata-agro.com/#token="+issued.Token, issued.Link)
	require.Equal(t, 1, f.mailer.count())
	require.Equal(t, []string{"maria@empresa.com"}, f.mailer.sent[0].To)

	invitation, err := f.svc.Validate(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "maria@empresa.com", invitation.Email)
	require.Equal(t, "admin", invitation.Role)
	require.Equal(t, "AgroIndustrias Demo", invitation.TenantName)
	require.Equal(t, invitation.IssuedAt.Add(24*time.Hour), invitation.ExpiresAt)

	account, err := f.svc.Redeem(ctx, issued.Token, "Secr3t!")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusActive, account.Status)

	result, err := f.authenticator(t).Authenticate(ctx, "maria@empresa.com", "Secr3t!", persistence.RoleFarmUser)
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	require.Equal(t, f.tenant.ID, *result.Session.Account.TenantID)

	_, err = f.svc.Redeem(ctx, issued.Token, "Otra-clave1")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	require.Equal(t, []string{"issued", "redeemed", "rejected"}, f.outcomes.seen)
}

func TestRedeemSucceedsExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("Pedro", "pedro@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Redeem(ctx, issued.Token, "Cosecha2024!")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidOrExpired):
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, attempts-1, rejected)
}

func TestIssueRejectsRegisteredAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), f.owner, member("Gerente", "Gerente@Empresa.com", persistence.TenantRoleMember))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.Zero(t, f.mailer.count())
}

func TestReissueKeepsSingleRowAndSupersedesOldToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	recipient := member("Ana", "ana@empresa.com", persistence.TenantRoleMember)

	first, err := f.svc.Issue(ctx, f.owner, recipient)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.svc.Issue(ctx, f.owner, recipient)
	require.NoError(t, err)
	require.Equal(t, first.Account.ID, second.Account.ID)
	require.NotEqual(t, first.Token, second.Token)
	require.True(t, second.Account.InvitedAt.After(*first.Account.InvitedAt))

	users, err := f.backend.ListUsers(ctx, persistence.UserFilter{Filter: persistence.ForTenant(f.tenant.ID)})
	require.NoError(t, err)
	require.Len(t, users, 2)

	_, err = f.svc.Redeem(ctx, first.Token, "Cosecha2024!")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = f.svc.Redeem(ctx, second.Token, "Cosecha2024!")
	require.NoError(t, err)
}

func TestDeliveryFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailer.sendFn = func(context.Context, platformmail.Message) error {
		return errors.New("resend: 503 service unavailable")
	}

	issued, err := f.svc.Issue(context.Background(), f.owner, member("Luis", "luis@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.False(t, issued.Delivery.Sent)
	require.Contains(t, issued.Delivery.Error, "503")
	require.NotEmpty(t, issued.Link)

	stored, err := f.backend.GetUserByEmail(context.Background(), "luis@empresa.com")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusPending, stored.Status)
	require.Equal(t, []string{"issued_undelivered"}, f.outcomes.seen)
}

func TestMissingMailerIsReportedAsNotConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	codec, err := invitetoken.New([]byte(testSecret))
	require.NoError(t, err)
	svc := New(Dependencies{Store: f.backend, Codec: codec, Passwords: f.hasher})

	issued, err := svc.Issue(context.Background(), f.owner, member("Luis", "luis@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.False(t, issued.Delivery.Sent)
	require.Equal(t, platformmail.ErrNotConfigured.Error(), issued.Delivery.Error)
}

func TestNothingIsSentWhenTheAccountCannotBeCreated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	missing := uuid.New()
	recipient := member("Luis", "luis@empresa.com", persistence.TenantRoleMember)
	recipient.TenantID = &missing

	_, err := f.svc.Issue(context.Background(), platformAdmin(), recipient)
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, f.mailer.count())
}

func TestSecondOwnerIsAConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	recipient := member("Otro Dueño", "dueno@empresa.com", persistence.TenantRoleOwner)
	recipient.TenantID = &f.tenant.ID

	_, err := f.svc.Issue(context.Background(), platformAdmin(), recipient)
	require.ErrorIs(t, err, ErrConflict)
	require.Zero(t, f.mailer.count())
}

func TestIssueAuthorization(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	memberRole := persistence.TenantRoleMember
	adminRole := persistence.TenantRoleAdmin

	memberInviter := Inviter{ID: uuid.New(), Role: persistence.RoleFarmUser, TenantID: &f.tenant.ID, TenantRole: &memberRole}
	_, err := f.svc.Issue(ctx, memberInviter, member("X", "x@empresa.com", persistence.TenantRoleMember))
	require.ErrorIs(t, err, ErrForbidden)

	tech := Inviter{ID: uuid.New(), Role: persistence.RolePlatformTech}
	_, err = f.svc.Issue(ctx, tech, Recipient{Name: "Y", Email: "y@sata.com", GlobalRole: persistence.RolePlatformTech})
	require.ErrorIs(t, err, ErrForbidden)

	tenantAdmin := Inviter{ID: uuid.New(), Role: persistence.RoleFarmUser, TenantID: &f.tenant.ID, TenantRole: &adminRole}
	_, err = f.svc.Issue(ctx, tenantAdmin, Recipient{Name: "Z", Email: "z@sata.com", GlobalRole: persistence.RolePlatformAdmin})
	require.ErrorIs(t, err, ErrForbidden)

	other := uuid.New()
	foreign := member("W", "w@empresa.com", persistence.TenantRoleMember)
	foreign.TenantID = &other
	_, err = f.svc.Issue(ctx, tenantAdmin, foreign)
	require.ErrorIs(t, err, ErrForbidden)

	issued, err := f.svc.Issue(ctx, tenantAdmin, member("V", "v@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.Equal(t, f.tenant.ID, *issued.Account.TenantID)

	require.Equal(t, 1, f.mailer.count())
}

func TestStaffInvitation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	issued, err := f.svc.Issue(context.Background(), platformAdmin(),
		Recipient{Name: "Técnico", Email: "soporte@sata.com", GlobalRole: persistence.RolePlatformTech})
	require.NoError(t, err)
	require.Nil(t, issued.Account.TenantID)
	require.Nil(t, issued.Account.TenantRole)
	require.Equal(t, persistence.RolePlatformTech, issued.Account.Role)
	require.Equal(t, "Bienvenido al Equipo - SATA CORP", f.mailer.sent[0].Subject)

	invitation, err := f.svc.Validate(context.Background(), issued.Token)
	require.NoError(t, err)
	require.Equal(t, "sata_tech", invitation.Role)
	require.Empty(t, invitation.TenantName)
}

func TestIssueValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.svc.Issue(context.Background(), f.owner, Recipient{Email: "not-an-email", GlobalRole: persistence.RoleFarmUser, TenantRole: "boss"})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "name")
	require.Contains(t, validationErr.Fields, "email")
	require.Contains(t, validationErr.Fields, "tenantRole")

	_, err = f.svc.Issue(context.Background(), platformAdmin(), member("Sin Empresa", "sin@empresa.com", persistence.TenantRoleMember))
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "tenantId")
}

func TestTokensExpireAfterOneDay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)

	f.clock.Advance(24*time.Hour - time.Second)
	_, err = f.svc.Validate(ctx, issued.Token)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.svc.Validate(ctx, issued.Token)
	require.ErrorIs(t, err, ErrInvalidOrExpired)
	_, err = f.svc.Redeem(ctx, issued.Token, "Cosecha2024!")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	stored, err := f.backend.GetUserByEmail(ctx, "ana@empresa.com")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusPending, stored.Status)
}

func TestRedeemForDeletedAccountIsInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.NoError(t, f.backend.DeleteUser(ctx, persistence.Filter{}, issued.Account.ID))

	_, err = f.svc.Redeem(ctx, issued.Token, "Cosecha2024!")
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRedeemRejectsWeakPassword(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	issued, err := f.svc.Issue(context.Background(), f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)

	_, err = f.svc.Redeem(context.Background(), issued.Token, "abc")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "password")
}

func TestResend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	again, err := f.svc.Resend(ctx, f.owner, issued.Account.ID)
	require.NoError(t, err)
	require.NotEqual(t, issued.Token, again.Token)
	require.Equal(t, 2, f.mailer.count())

	otherTenant := uuid.New()
	ownerRole := persistence.TenantRoleOwner
	stranger := Inviter{ID: uuid.New(), Role: persistence.RoleFarmUser, TenantID: &otherTenant, TenantRole: &ownerRole}
	_, err = f.svc.Resend(ctx, stranger, issued.Account.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Redeem(ctx, again.Token, "Cosecha2024!")
	require.NoError(t, err)

	_, err = f.svc.Resend(ctx, f.owner, issued.Account.ID)
	require.ErrorIs(t, err, ErrNotPending)

	_, err = f.svc.Resend(ctx, platformAdmin(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPasswordReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "nadie@empresa.com"))
	require.Zero(t, f.mailer.count())

	require.NoError(t, f.svc.RequestPasswordReset(ctx, " Gerente@Empresa.com "))
	require.Equal(t, 1, f.mailer.count())
	msg := f.mailer.sent[0]
	require.Equal(t, "Recuperar Contraseña - SATA", msg.Subject)

	token := resetToken(t, msg)

	_, err := f.svc.Redeem(ctx, token, "Nueva-clave1")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	account, err := f.svc.ResetPassword(ctx, token, "Nueva-clave1")
	require.NoError(t, err)
	require.Equal(t, "gerente@empresa.com", account.Email)

	stored, err := f.backend.GetUserByEmail(ctx, "gerente@empresa.com")
	require.NoError(t, err)
	require.True(t, f.hasher.Verify(stored.PasswordHash, "Nueva-clave1"))
}

func resetToken(t *testing.T, msg platformmail.Message) string {
	t.Helper()
	const marker = "https://app.sata-agro.com/?reset_token="
	start := strings.Index(msg.HTML, marker)
	require.GreaterOrEqual(t, start, 0)
	rest := msg.HTML[start+len(marker):]
	return rest[:strings.IndexAny(rest, `"'<& `)]
}

func TestPasswordResetTokenWorksOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "gerente@empresa.com"))
	token := resetToken(t, f.mailer.sent[0])

	_, err := f.svc.ResetPassword(ctx, token, "Nueva-clave1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.ResetPassword(ctx, token, "Robada-clave2")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	stored, err := f.backend.GetUserByEmail(ctx, "gerente@empresa.com")
	require.NoError(t, err)
	require.True(t, f.hasher.Verify(stored.PasswordHash, "Nueva-clave1"))

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "gerente@empresa.com"))
	fresh := resetToken(t, f.mailer.sent[1])
	_, err = f.svc.ResetPassword(ctx, fresh, "Otra-clave3")
	require.NoError(t, err)
}

// blockingStore blocks the account right after the reset flow has read it.
type blockingStore struct {
	*persistence.MemoryBackend
	once sync.Once
}

func (b *blockingStore) GetUserByEmail(ctx context.Context, email string) (persistence.User, error) {
	user, err := b.MemoryBackend.GetUserByEmail(ctx, email)
	if err != nil {
		return user, err
	}
	b.once.Do(func() {
		_, err = b.CompareAndSetUserStatus(ctx, user.ID, persistence.StatusActive, persistence.StatusBlocked)
	})
	return user, err
}

func TestPasswordResetKeepsConcurrentBlock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "gerente@empresa.com"))
	token := resetToken(t, f.mailer.sent[0])

	codec, err := invitetoken.New([]byte(testSecret), invitetoken.WithClock(f.clock.Now))
	require.NoError(t, err)
	racing := New(Dependencies{
		Store:     &blockingStore{MemoryBackend: f.backend},
		Codec:     codec,
		Passwords: f.hasher,
		BaseURL:   "https://app.sata-agro.com/",
		Logger:    zaptest.NewLogger(t),
		Clock:     f.clock.Now,
	})

	_, err = racing.ResetPassword(ctx, token, "Nueva-clave1")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	stored, err := f.backend.GetUserByEmail(ctx, "gerente@empresa.com")
	require.NoError(t, err)
	require.Equal(t, persistence.StatusBlocked, stored.Status)
	require.Equal(t, "x", stored.PasswordHash)
}

func TestReissueWithDifferentRecipientIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)

	var validationErr *ValidationError
	_, err = f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleAdmin))
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields, "tenantRole")

	_, err = f.svc.Issue(ctx, f.owner, member("Ana Pérez", "ana@empresa.com", persistence.TenantRoleMember))
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, validationErr.Fields, "name")
	require.Equal(t, 1, f.mailer.count())

	again, err := f.svc.Issue(ctx, f.owner, member(" ana ", "ANA@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.NotNil(t, again.Account.TenantRole)
	require.Equal(t, persistence.TenantRoleMember, *again.Account.TenantRole)
}

func TestPasswordResetSkipsPendingAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, f.owner, member("Ana", "ana@empresa.com", persistence.TenantRoleMember))
	require.NoError(t, err)
	require.Equal(t, 1, f.mailer.count())

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@empresa.com"))
	require.Equal(t, 1, f.mailer.count())

	_, err = f.svc.ResetPassword(ctx, issued.Token, "Nueva-clave1")
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}
