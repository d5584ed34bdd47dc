package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// runBackendContract exercises the behaviour every Backend must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("tenant owner is created atomically", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		existing := seedTenant(t, b, "Finca Uno")
		insertFarmUser(t, b, existing.ID, "taken@finca.com", StatusActive, TenantRoleOwner)

		tenant := Tenant{ID: uuid.New(), Name: "Finca Dos"}
		_, _, err := b.CreateTenantWithOwner(ctx, tenant, newFarmUser("TAKEN@finca.com", StatusPending, TenantRoleOwner))
		require.ErrorIs(t, err, ErrConflict)

		_, err = b.GetTenant(ctx, tenant.ID)
		require.ErrorIs(t, err, ErrNotFound)

		created, owner, err := b.CreateTenantWithOwner(ctx, tenant, newFarmUser("owner@dos.com", StatusPending, TenantRoleOwner))
		require.NoError(t, err)
		require.Equal(t, "UTC", created.Timezone)
		require.NotNil(t, owner.TenantID)
		require.Equal(t, created.ID, *owner.TenantID)
		require.True(t, owner.IsOwner())
	})

	t.Run("email is unique case-insensitively", func(t *testing.T) {
		b := newBackend(t)
		tenant := seedTenant(t, b, "Finca")
		insertFarmUser(t, b, tenant.ID, "Ana@Finca.com", StatusActive, TenantRoleMember)

		_, err := b.InsertUser(context.Background(), withTenant(newFarmUser("ana@finca.com ", StatusActive, TenantRoleMember), tenant.ID))
		require.ErrorIs(t, err, ErrConflict)

		got, err := b.GetUserByEmail(context.Background(), "ANA@finca.com")
		require.NoError(t, err)
		require.Equal(t, "ana@finca.com", got.Email)
	})

	t.Run("single owner per tenant", func(t *testing.T) {
		b := newBackend(t)
		tenant := seedTenant(t, b, "Finca")
		insertFarmUser(t, b, tenant.ID, "owner@finca.com", StatusActive, TenantRoleOwner)

		_, err := b.InsertUser(context.Background(), withTenant(newFarmUser("second@finca.com", StatusPending, TenantRoleOwner), tenant.ID))
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("user requires existing tenant", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.InsertUser(context.Background(), withTenant(newFarmUser("ghost@finca.com", StatusActive, TenantRoleMember), uuid.New()))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("compare and set status", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		tenant := seedTenant(t, b, "Finca")
		user := insertFarmUser(t, b, tenant.ID, "ana@finca.com", StatusActive, TenantRoleMember)

		updated, err := b.CompareAndSetUserStatus(ctx, user.ID, StatusActive, StatusBlocked)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, updated.Status)

		_, err = b.CompareAndSetUserStatus(ctx, user.ID, StatusActive, StatusBlocked)
		require.ErrorIs(t, err, ErrStateConflict)

		_, err = b.CompareAndSetUserStatus(ctx, uuid.New(), StatusActive, StatusBlocked)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("pending activation succeeds once under concurrency", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		tenant := seedTenant(t, b, "Finca")
		insertFarmUser(t, b, tenant.ID, "new@finca.com", StatusPending, TenantRoleAdmin)

		const attempts = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.ActivatePendingUser(ctx, "NEW@finca.com", "hash")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, ErrStateConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, successes)
		require.Equal(t, attempts-1, conflicts)

		got, err := b.GetUserByEmail(ctx, "new@finca.com")
		require.NoError(t, err)
		require.Equal(t, StatusActive, got.Status)
		require.Equal(t, "hash", got.PasswordHash)
	})

	t.Run("invitation refresh only applies to pending accounts", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		tenant := seedTenant(t, b, "Finca")
		pending := insertFarmUser(t, b, tenant.ID, "maria@finca.com", StatusPending, TenantRoleAdmin)
		active := insertFarmUser(t, b, tenant.ID, "ana@finca.com", StatusActive, TenantRoleMember)

		at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		refreshed, err := b.RefreshPendingInvitation(ctx, pending.ID, at)
		require.NoError(t, err)
		require.NotNil(t, refreshed.InvitedAt)
		require.True(t, at.Equal(*refreshed.InvitedAt))
		require.Equal(t, StatusPending, refreshed.Status)

		_, err = b.RefreshPendingInvitation(ctx, active.ID, at)
		require.ErrorIs(t, err, ErrStateConflict)

		_, err = b.RefreshPendingInvitation(ctx, uuid.New(), at)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("password reset applies once to active accounts", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		tenant := seedTenant(t, b, "Finca")
		active := insertFarmUser(t, b, tenant.ID, "ana@finca.com", StatusActive, TenantRoleMember)
		blocked := insertFarmUser(t, b, tenant.ID, "luis@finca.com", StatusBlocked, TenantRoleMember)
		pending := insertFarmUser(t, b, tenant.ID, "maria@finca.com", StatusPending, TenantRoleAdmin)

		issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		changed := issued.Add(time.Minute)

		reset, err := b.ResetActivePassword(ctx, active.ID, "new-hash", issued, changed)
		require.NoError(t, err)
		require.Equal(t, "new-hash", reset.PasswordHash)
		require.Equal(t, StatusActive, reset.Status)
		require.NotNil(t, reset.PasswordChangedAt)
		require.True(t, changed.Equal(*reset.PasswordChangedAt))

		_, err = b.ResetActivePassword(ctx, active.ID, "replayed-hash", issued, changed.Add(time.Minute))
		require.ErrorIs(t, err, ErrStateConflict)

		_, err = b.ResetActivePassword(ctx, active.ID, "later-hash", changed.Add(time.Second), changed.Add(time.Minute))
		require.NoError(t, err)

		_, err = b.ResetActivePassword(ctx, blocked.ID, "new-hash", issued, changed)
		require.ErrorIs(t, err, ErrStateConflict)
		_, err = b.ResetActivePassword(ctx, pending.ID, "new-hash", issued, changed)
		require.ErrorIs(t, err, ErrStateConflict)
		_, err = b.ResetActivePassword(ctx, uuid.New(), "new-hash", issued, changed)
		require.ErrorIs(t, err, ErrNotFound)

		got, err := b.GetUser(ctx, blocked.ID)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, got.Status)
		require.Equal(t, "hash", got.PasswordHash)

		// A regular update keeps the reset stamp.
		current, err := b.GetUser(ctx, active.ID)
		require.NoError(t, err)
		current.Name = "Ana María"
		current.PasswordChangedAt = nil
		renamed, err := b.UpdateUser(ctx, current)
		require.NoError(t, err)
		require.NotNil(t, renamed.PasswordChangedAt)
		require.Equal(t, "later-hash", renamed.PasswordHash)
	})

	t.Run("scoped records are invisible to other tenants", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		a := seedTenant(t, b, "A")
		other := seedTenant(t, b, "B")

		contact, err := b.InsertContact(ctx, Contact{ID: uuid.New(), TenantID: a.ID, Name: "Juan", Phone: "+573001112233"})
		require.NoError(t, err)

		_, err = b.GetContact(ctx, ForTenant(other.ID), contact.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, b.DeleteContact(ctx, ForTenant(other.ID), contact.ID), ErrNotFound)

		list, err := b.ListContacts(ctx, ForTenant(other.ID))
		require.NoError(t, err)
		require.Empty(t, list)

		got, err := b.GetContact(ctx, ForTenant(a.ID), contact.ID)
		require.NoError(t, err)
		require.Equal(t, "Juan", got.Name)
	})

	t.Run("rule must reference an asset of the same tenant", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		a := seedTenant(t, b, "A")
		other := seedTenant(t, b, "B")
		asset := insertAsset(t, b, a.ID, "Invernadero 1")

		_, err := b.InsertRule(ctx, Rule{ID: uuid.New(), TenantID: other.ID, AssetID: asset.ID, AlertType: AlertTempMax, Threshold: 30})
		require.ErrorIs(t, err, ErrNotFound)

		contactID := uuid.New()
		rule, err := b.InsertRule(ctx, Rule{ID: uuid.New(), TenantID: a.ID, AssetID: asset.ID, AlertType: AlertTempMax, Threshold: 30, ContactIDs: []uuid.UUID{contactID}})
		require.NoError(t, err)

		rule.ContactIDs[0] = uuid.Nil
		stored, err := b.GetRule(ctx, ForTenant(a.ID), rule.ID)
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{contactID}, stored.ContactIDs)
	})

	t.Run("cascade removes every scoped record", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		doomed := seedTenant(t, b, "Doomed")
		kept := seedTenant(t, b, "Kept")

		for _, tenantID := range []uuid.UUID{doomed.ID, kept.ID} {
			insertFarmUser(t, b, tenantID, "owner-"+tenantID.String()[:8]+"@finca.com", StatusActive, TenantRoleOwner)
			insertFarmUser(t, b, tenantID, "member-"+tenantID.String()[:8]+"@finca.com", StatusActive, TenantRoleMember)
			_, err := b.InsertContact(ctx, Contact{ID: uuid.New(), TenantID: tenantID, Name: "Contacto"})
			require.NoError(t, err)
			asset := insertAsset(t, b, tenantID, "Silo")
			_, err = b.InsertRule(ctx, Rule{ID: uuid.New(), TenantID: tenantID, AssetID: asset.ID, AlertType: AlertHumidityMax, Threshold: 80})
			require.NoError(t, err)
			_, err = b.InsertAlertLog(ctx, AlertLog{ID: uuid.New(), TenantID: tenantID, AssetID: asset.ID, AlertType: AlertHumidityMax, Value: 85, NotifiedContacts: []string{"Contacto"}})
			require.NoError(t, err)
		}

		result, err := b.DeleteTenantCascade(ctx, doomed.ID)
		require.NoError(t, err)
		require.Equal(t, CascadeResult{TenantID: doomed.ID, Users: 2, Contacts: 1, Assets: 1, Rules: 1, AlertLogs: 1}, result)

		_, err = b.GetTenant(ctx, doomed.ID)
		require.ErrorIs(t, err, ErrNotFound)

		users, err := b.ListUsers(ctx, UserFilter{Filter: ForTenant(doomed.ID)})
		require.NoError(t, err)
		require.Empty(t, users)

		_, err = b.InsertContact(ctx, Contact{ID: uuid.New(), TenantID: doomed.ID, Name: "Tarde"})
		require.ErrorIs(t, err, ErrNotFound)

		_, err = b.DeleteTenantCascade(ctx, doomed.ID)
		require.ErrorIs(t, err, ErrNotFound)

		keptUsers, err := b.ListUsers(ctx, UserFilter{Filter: ForTenant(kept.ID)})
		require.NoError(t, err)
		require.Len(t, keptUsers, 2)
		keptLogs, err := b.ListAlertLogs(ctx, ForTenant(kept.ID))
		require.NoError(t, err)
		require.Len(t, keptLogs, 1)
	})

	t.Run("list users filters by role and status", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		tenant := seedTenant(t, b, "Finca")
		insertFarmUser(t, b, tenant.ID, "a@finca.com", StatusActive, TenantRoleMember)
		insertFarmUser(t, b, tenant.ID, "b@finca.com", StatusBlocked, TenantRoleMember)

		admin := User{ID: uuid.New(), Name: "Admin", Email: "admin@sata.com", PasswordHash: "x", Status: StatusActive, GlobalRole: RolePlatformAdmin}
		_, err := b.InsertUser(ctx, admin)
		require.NoError(t, err)

		role := RolePlatformAdmin
		admins, err := b.ListUsers(ctx, UserFilter{Role: &role})
		require.NoError(t, err)
		require.Len(t, admins, 1)
		require.Nil(t, admins[0].TenantID)

		blocked := StatusBlocked
		blockedUsers, err := b.ListUsers(ctx, UserFilter{Filter: ForTenant(tenant.ID), Status: &blocked})
		require.NoError(t, err)
		require.Len(t, blockedUsers, 1)
		require.Equal(t, "b@finca.com", blockedUsers[0].Email)
	})
}

func seedTenant(t *testing.T, b Backend, name string) Tenant {
	t.Helper()
	tenant, err := b.InsertTenant(context.Background(), Tenant{ID: uuid.New(), Name: name, Timezone: "America/Bogota"})
	require.NoError(t, err)
	return tenant
}

func newFarmUser(email string, status AccountStatus, role TenantRole) User {
	return User{
		ID:           uuid.New(),
		Name:         "Usuario",
		Email:        email,
		PasswordHash: "hash",
		Status:       status,
		GlobalRole:   RoleFarmUser,
		TenantRole:   &role,
	}
}

func withTenant(u User, tenantID uuid.UUID) User {
	u.TenantID = &tenantID
	return u
}

func insertFarmUser(t *testing.T, b Backend, tenantID uuid.UUID, email string, status AccountStatus, role TenantRole) User {
	t.Helper()
	user, err := b.InsertUser(context.Background(), withTenant(newFarmUser(email, status, role), tenantID))
	require.NoError(t, err)
	return user
}

func insertAsset(t *testing.T, b Backend, tenantID uuid.UUID, name string) Asset {
	t.Helper()
	asset, err := b.InsertAsset(context.Background(), Asset{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     name,
		Type:     AssetGreenhouse,
		Location: LocationNorth,
		DevEUI:   "AA11" + uuid.NewString()[:4] + "01",
	})
	require.NoError(t, err)
	return asset
}
