package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
)

const (
	indexID     = "id"
	indexTenant = "tenant"
	indexEmail  = "email"
	indexOwner  = "owner"
	indexAsset  = "asset"
)

// Stored rows carry string keys so memdb's field indexers can be used directly.
type tenantRow struct {
	ID     string
	Tenant Tenant
}

type userRow struct {
	ID       string
	Email    string
	TenantID string
	OwnerOf  string
	User     User
}

type scopedRow[T any] struct {
	ID       string
	TenantID string
	AssetID  string
	Value    T
}

func idIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}}
}

func optionalIndex(name, field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: name, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: field}}
}

func memorySchema() *memdb.DBSchema {
	scoped := func(name string, byAsset bool) *memdb.TableSchema {
		table := &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				indexID:     idIndex(),
				indexTenant: optionalIndex(indexTenant, "TenantID"),
			},
		}
		if byAsset {
			table.Indexes[indexAsset] = optionalIndex(indexAsset, "AssetID")
		}
		return table
	}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			FarmsTable: {
				Name:    FarmsTable,
				Indexes: map[string]*memdb.IndexSchema{indexID: idIndex()},
			},
			UsersTable: {
				Name: UsersTable,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: idIndex(),
					indexEmail: {
						Name:    indexEmail,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true},
					},
					indexTenant: optionalIndex(indexTenant, "TenantID"),
					indexOwner:  optionalIndex(indexOwner, "OwnerOf"),
				},
			},
			ContactsTable:  scoped(ContactsTable, false),
			AssetsTable:    scoped(AssetsTable, false),
			RulesTable:     scoped(RulesTable, true),
			AlertLogsTable: scoped(AlertLogsTable, true),
		},
	}
}

// MemoryBackend is the process-local fallback Backend. Each write runs in one memdb write
// transaction; memdb admits a single writer at a time, so composite operations are atomic and
// serialized. Reads work on immutable snapshots and return deep copies.
type MemoryBackend struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend constructs an empty fallback store.
func NewMemoryBackend() (*MemoryBackend, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("init memdb: %w", err)
	}
	return &MemoryBackend{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Close() {}

// write runs fn in a write transaction committed only when fn succeeds.
func (b *MemoryBackend) write(fn func(txn *memdb.Txn) error) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	if err := fn(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (b *MemoryBackend) read() *memdb.Txn {
	return b.db.Txn(false)
}

func key(id uuid.UUID) string { return id.String() }

func optionalKey(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func requireTenant(txn *memdb.Txn, id uuid.UUID) error {
	raw, err := txn.First(FarmsTable, indexID, key(id))
	if err != nil {
		return fmt.Errorf("lookup tenant: %w", err)
	}
	if raw == nil {
		return ErrNotFound
	}
	return nil
}

// ---- tenants ----

func (b *MemoryBackend) GetTenant(_ context.Context, id uuid.UUID) (Tenant, error) {
	raw, err := b.read().First(FarmsTable, indexID, key(id))
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	if raw == nil {
		return Tenant{}, ErrNotFound
	}
	return raw.(*tenantRow).Tenant, nil
}

func (b *MemoryBackend) ListTenants(context.Context) ([]Tenant, error) {
	it, err := b.read().Get(FarmsTable, indexID+"_prefix", "")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	tenants := make([]Tenant, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tenants = append(tenants, raw.(*tenantRow).Tenant)
	}
	sort.SliceStable(tenants, func(i, j int) bool {
		if tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].Name < tenants[j].Name
		}
		return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
	})
	return tenants, nil
}

func (b *MemoryBackend) InsertTenant(_ context.Context, t Tenant) (Tenant, error) {
	var created Tenant
	err := b.write(func(txn *memdb.Txn) error {
		var err error
		created, err = b.insertTenant(txn, t)
		return err
	})
	return created, err
}

func (b *MemoryBackend) insertTenant(txn *memdb.Txn, t Tenant) (Tenant, error) {
	if t.ID == uuid.Nil {
		return Tenant{}, errors.New("tenant id is required")
	}
	if existing, err := txn.First(FarmsTable, indexID, key(t.ID)); err != nil {
		return Tenant{}, fmt.Errorf("lookup tenant: %w", err)
	} else if existing != nil {
		return Tenant{}, ErrConflict
	}

	t.Name = strings.TrimSpace(t.Name)
	t.Timezone = strings.TrimSpace(t.Timezone)
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	t.CreatedAt = b.now()

	if err := txn.Insert(FarmsTable, &tenantRow{ID: key(t.ID), Tenant: t}); err != nil {
		return Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

func (b *MemoryBackend) UpdateTenant(_ context.Context, t Tenant) (Tenant, error) {
	var updated Tenant
	err := b.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(FarmsTable, indexID, key(t.ID))
		if err != nil {
			return fmt.Errorf("lookup tenant: %w", err)
		}
		if raw == nil {
			return ErrNotFound
		}

		updated = raw.(*tenantRow).Tenant
		updated.Name = strings.TrimSpace(t.Name)
		updated.Timezone = strings.TrimSpace(t.Timezone)
		return txn.Insert(FarmsTable, &tenantRow{ID: key(updated.ID), Tenant: updated})
	})
	if err != nil {
		return Tenant{}, err
	}
	return updated, nil
}

func (b *MemoryBackend) CreateTenantWithOwner(_ context.Context, t Tenant, owner User) (Tenant, User, error) {
	var (
		createdTenant Tenant
		createdOwner  User
	)

	err := b.write(func(txn *memdb.Txn) error {
		var err error
		createdTenant, err = b.insertTenant(txn, t)
		if err != nil {
			return err
		}
		owner.TenantID = &createdTenant.ID
		createdOwner, err = b.insertUser(txn, owner)
		return err
	})
	if err != nil {
		return Tenant{}, User{}, err
	}
	return createdTenant, cloneUser(createdOwner), nil
}

func (b *MemoryBackend) DeleteTenantCascade(_ context.Context, id uuid.UUID) (CascadeResult, error) {
	result := CascadeResult{TenantID: id}

	err := b.write(func(txn *memdb.Txn) error {
		if err := requireTenant(txn, id); err != nil {
			return err
		}

		steps := []struct {
			table string
			count *int
		}{
			{AlertLogsTable, &result.AlertLogs},
			{RulesTable, &result.Rules},
			{AssetsTable, &result.Assets},
			{ContactsTable, &result.Contacts},
			{UsersTable, &result.Users},
		}
		for _, step := range steps {
			n, err := txn.DeleteAll(step.table, indexTenant, key(id))
			if err != nil {
				return fmt.Errorf("delete %s: %w", step.table, err)
			}
			*step.count = n
		}

		if _, err := txn.DeleteAll(FarmsTable, indexID, key(id)); err != nil {
			return fmt.Errorf("delete tenant: %w", err)
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}

// ---- users ----

func (b *MemoryBackend) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	return firstUser(b.read(), indexID, key(id))
}

func (b *MemoryBackend) GetUserByEmail(_ context.Context, email string) (User, error) {
	return firstUser(b.read(), indexEmail, normalizeEmail(email))
}

func firstUser(txn *memdb.Txn, index, value string) (User, error) {
	raw, err := txn.First(UsersTable, index, value)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if raw == nil {
		return User{}, ErrNotFound
	}
	return cloneUser(raw.(*userRow).User), nil
}

func (b *MemoryBackend) ListUsers(_ context.Context, filter UserFilter) ([]User, error) {
	txn := b.read()

	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.TenantID != nil {
		it, err = txn.Get(UsersTable, indexTenant, key(*filter.TenantID))
	} else {
		it, err = txn.Get(UsersTable, indexID+"_prefix", "")
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]User, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		u := raw.(*userRow).User
		if filter.Role != nil && u.GlobalRole != *filter.Role {
			continue
		}
		if filter.Status != nil && u.Status != *filter.Status {
			continue
		}
		users = append(users, cloneUser(u))
	}

	sort.SliceStable(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Email < users[j].Email
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (b *MemoryBackend) InsertUser(_ context.Context, u User) (User, error) {
	var created User
	err := b.write(func(txn *memdb.Txn) error {
		var err error
		created, err = b.insertUser(txn, u)
		return err
	})
	if err != nil {
		return User{}, err
	}
	return cloneUser(created), nil
}

func (b *MemoryBackend) insertUser(txn *memdb.Txn, u User) (User, error) {
	if u.ID == uuid.Nil {
		return User{}, errors.New("user id is required")
	}
	if existing, err := txn.First(UsersTable, indexID, key(u.ID)); err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	} else if existing != nil {
		return User{}, ErrConflict
	}

	now := b.now()
	u = cloneUser(u)
	u.Name = strings.TrimSpace(u.Name)
	u.Email = normalizeEmail(u.Email)
	u.CreatedAt = now
	u.UpdatedAt = now

	if err := b.putUser(txn, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// putUser enforces the same constraints as the relational schema before storing the row.
func (b *MemoryBackend) putUser(txn *memdb.Txn, u User) error {
	if u.TenantID != nil {
		if err := requireTenant(txn, *u.TenantID); err != nil {
			return err
		}
	}

	if raw, err := txn.First(UsersTable, indexEmail, u.Email); err != nil {
		return fmt.Errorf("lookup email: %w", err)
	} else if raw != nil && raw.(*userRow).User.ID != u.ID {
		return ErrConflict
	}

	row := &userRow{ID: key(u.ID), Email: u.Email, TenantID: optionalKey(u.TenantID), User: u}
	if u.IsOwner() && u.TenantID != nil {
		row.OwnerOf = key(*u.TenantID)
		if raw, err := txn.First(UsersTable, indexOwner, row.OwnerOf); err != nil {
			return fmt.Errorf("lookup owner: %w", err)
		} else if raw != nil && raw.(*userRow).User.ID != u.ID {
			return ErrConflict
		}
	}

	if err := txn.Insert(UsersTable, row); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

func (b *MemoryBackend) UpdateUser(_ context.Context, u User) (User, error) {
	var updated User
	err := b.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(UsersTable, indexID, key(u.ID))
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if raw == nil {
			return ErrNotFound
		}

		current := raw.(*userRow).User
		updated = cloneUser(u)
		updated.Name = strings.TrimSpace(updated.Name)
		updated.Email = normalizeEmail(updated.Email)
		updated.CreatedAt = current.CreatedAt
		updated.PasswordChangedAt = clonePtr(current.PasswordChangedAt)
		updated.UpdatedAt = b.now()
		return b.putUser(txn, updated)
	})
	if err != nil {
		return User{}, err
	}
	return cloneUser(updated), nil
}

func (b *MemoryBackend) DeleteUser(_ context.Context, filter Filter, id uuid.UUID) error {
	return b.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(UsersTable, indexID, key(id))
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if raw == nil || !filter.matches(raw.(*userRow).User.TenantID) {
			return ErrNotFound
		}
		return txn.Delete(UsersTable, raw)
	})
}

func (b *MemoryBackend) CompareAndSetUserStatus(_ context.Context, id uuid.UUID, expected, next AccountStatus) (User, error) {
	return b.conditionalUserUpdate(indexID, key(id), func(u *User) error {
		if u.Status != expected {
			return ErrStateConflict
		}
		u.Status = next
		return nil
	})
}

func (b *MemoryBackend) ActivatePendingUser(_ context.Context, email, passwordHash string) (User, error) {
	return b.conditionalUserUpdate(indexEmail, normalizeEmail(email), func(u *User) error {
		if u.Status != StatusPending {
			return ErrStateConflict
		}
		u.Status = StatusActive
		u.PasswordHash = passwordHash
		return nil
	})
}

func (b *MemoryBackend) RefreshPendingInvitation(_ context.Context, id uuid.UUID, invitedAt time.Time) (User, error) {
	return b.conditionalUserUpdate(indexID, key(id), func(u *User) error {
		if u.Status != StatusPending {
			return ErrStateConflict
		}
		at := invitedAt.UTC()
		u.InvitedAt = &at
		return nil
	})
}

func (b *MemoryBackend) ResetActivePassword(_ context.Context, id uuid.UUID, passwordHash string, notChangedSince, changedAt time.Time) (User, error) {
	return b.conditionalUserUpdate(indexID, key(id), func(u *User) error {
		if u.Status != StatusActive {
			return ErrStateConflict
		}
		if u.PasswordChangedAt != nil && !u.PasswordChangedAt.Before(notChangedSince) {
			return ErrStateConflict
		}
		at := changedAt.UTC()
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &at
		return nil
	})
}

// conditionalUserUpdate reads, checks and writes inside one write transaction.
func (b *MemoryBackend) conditionalUserUpdate(index, value string, mutate func(u *User) error) (User, error) {
	var updated User
	err := b.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(UsersTable, index, value)
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if raw == nil {
			return ErrNotFound
		}

		updated = cloneUser(raw.(*userRow).User)
		if err := mutate(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = b.now()
		return b.putUser(txn, updated)
	})
	if err != nil {
		return User{}, err
	}
	return cloneUser(updated), nil
}

// ---- tenant scoped collections ----

func scopedGet[T any](txn *memdb.Txn, table string, filter Filter, id uuid.UUID) (T, error) {
	var zero T
	raw, err := txn.First(table, indexID, key(id))
	if err != nil {
		return zero, fmt.Errorf("get from %s: %w", table, err)
	}
	if raw == nil {
		return zero, ErrNotFound
	}
	row := raw.(*scopedRow[T])
	if filter.TenantID != nil && row.TenantID != key(*filter.TenantID) {
		return zero, ErrNotFound
	}
	return row.Value, nil
}

func scopedList[T any](txn *memdb.Txn, table string, filter Filter) ([]T, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.TenantID != nil {
		it, err = txn.Get(table, indexTenant, key(*filter.TenantID))
	} else {
		it, err = txn.Get(table, indexID+"_prefix", "")
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}

	items := make([]T, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		items = append(items, raw.(*scopedRow[T]).Value)
	}
	return items, nil
}

// scopedPut stores the row after checking its tenant (and asset, when set) exist inside the same transaction.
func scopedPut[T any](txn *memdb.Txn, table string, row *scopedRow[T], mustExist bool) error {
	existing, err := txn.First(table, indexID, row.ID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", table, err)
	}
	switch {
	case mustExist && (existing == nil || existing.(*scopedRow[T]).TenantID != row.TenantID):
		return ErrNotFound
	case !mustExist && existing != nil:
		return ErrConflict
	}

	tenantID, err := uuid.Parse(row.TenantID)
	if err != nil {
		return ErrNotFound
	}
	if err := requireTenant(txn, tenantID); err != nil {
		return err
	}

	if row.AssetID != "" {
		asset, err := txn.First(AssetsTable, indexID, row.AssetID)
		if err != nil {
			return fmt.Errorf("lookup asset: %w", err)
		}
		if asset == nil || asset.(*scopedRow[Asset]).TenantID != row.TenantID {
			return ErrNotFound
		}
	}

	if err := txn.Insert(table, row); err != nil {
		return fmt.Errorf("store %s: %w", table, err)
	}
	return nil
}

func scopedDelete[T any](txn *memdb.Txn, table string, filter Filter, id uuid.UUID) error {
	raw, err := txn.First(table, indexID, key(id))
	if err != nil {
		return fmt.Errorf("lookup %s: %w", table, err)
	}
	if raw == nil {
		return ErrNotFound
	}
	if filter.TenantID != nil && raw.(*scopedRow[T]).TenantID != key(*filter.TenantID) {
		return ErrNotFound
	}
	return txn.Delete(table, raw)
}

// ---- contacts ----

func (b *MemoryBackend) GetContact(_ context.Context, filter Filter, id uuid.UUID) (Contact, error) {
	return scopedGet[Contact](b.read(), ContactsTable, filter, id)
}

func (b *MemoryBackend) ListContacts(_ context.Context, filter Filter) ([]Contact, error) {
	contacts, err := scopedList[Contact](b.read(), ContactsTable, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(contacts, func(i, j int) bool { return contacts[i].Name < contacts[j].Name })
	return contacts, nil
}

func (b *MemoryBackend) InsertContact(_ context.Context, c Contact) (Contact, error) {
	return b.putContact(c, false)
}

func (b *MemoryBackend) UpdateContact(_ context.Context, c Contact) (Contact, error) {
	return b.putContact(c, true)
}

func (b *MemoryBackend) putContact(c Contact, update bool) (Contact, error) {
	if c.ID == uuid.Nil {
		return Contact{}, errors.New("contact id is required")
	}
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.TrimSpace(c.Email)

	err := b.write(func(txn *memdb.Txn) error {
		return scopedPut(txn, ContactsTable, &scopedRow[Contact]{ID: key(c.ID), TenantID: key(c.TenantID), Value: c}, update)
	})
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (b *MemoryBackend) DeleteContact(_ context.Context, filter Filter, id uuid.UUID) error {
	return b.write(func(txn *memdb.Txn) error {
		return scopedDelete[Contact](txn, ContactsTable, filter, id)
	})
}

// ---- assets ----

func (b *MemoryBackend) GetAsset(_ context.Context, filter Filter, id uuid.UUID) (Asset, error) {
	a, err := scopedGet[Asset](b.read(), AssetsTable, filter, id)
	if err != nil {
		return Asset{}, err
	}
	return cloneAsset(a), nil
}

func (b *MemoryBackend) ListAssets(_ context.Context, filter Filter) ([]Asset, error) {
	assets, err := scopedList[Asset](b.read(), AssetsTable, filter)
	if err != nil {
		return nil, err
	}
	for i := range assets {
		assets[i] = cloneAsset(assets[i])
	}
	sort.SliceStable(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	return assets, nil
}

func (b *MemoryBackend) InsertAsset(_ context.Context, a Asset) (Asset, error) {
	return b.putAsset(a, false)
}

func (b *MemoryBackend) UpdateAsset(_ context.Context, a Asset) (Asset, error) {
	return b.putAsset(a, true)
}

func (b *MemoryBackend) putAsset(a Asset, update bool) (Asset, error) {
	if a.ID == uuid.Nil {
		return Asset{}, errors.New("asset id is required")
	}
	a = cloneAsset(a)
	a.Name = strings.TrimSpace(a.Name)

	err := b.write(func(txn *memdb.Txn) error {
		return scopedPut(txn, AssetsTable, &scopedRow[Asset]{ID: key(a.ID), TenantID: key(a.TenantID), Value: a}, update)
	})
	if err != nil {
		return Asset{}, err
	}
	return cloneAsset(a), nil
}

// DeleteAsset also removes the rules and logs attached to the asset, like the relational FK cascade.
func (b *MemoryBackend) DeleteAsset(_ context.Context, filter Filter, id uuid.UUID) error {
	return b.write(func(txn *memdb.Txn) error {
		if err := scopedDelete[Asset](txn, AssetsTable, filter, id); err != nil {
			return err
		}
		for _, table := range []string{RulesTable, AlertLogsTable} {
			if _, err := txn.DeleteAll(table, indexAsset, key(id)); err != nil {
				return fmt.Errorf("delete %s of asset: %w", table, err)
			}
		}
		return nil
	})
}

// ---- rules ----

func (b *MemoryBackend) GetRule(_ context.Context, filter Filter, id uuid.UUID) (Rule, error) {
	r, err := scopedGet[Rule](b.read(), RulesTable, filter, id)
	if err != nil {
		return Rule{}, err
	}
	return cloneRule(r), nil
}

func (b *MemoryBackend) ListRules(_ context.Context, filter Filter) ([]Rule, error) {
	rules, err := scopedList[Rule](b.read(), RulesTable, filter)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		rules[i] = cloneRule(rules[i])
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].AlertType == rules[j].AlertType {
			return rules[i].Threshold < rules[j].Threshold
		}
		return rules[i].AlertType < rules[j].AlertType
	})
	return rules, nil
}

func (b *MemoryBackend) InsertRule(_ context.Context, r Rule) (Rule, error) {
	return b.putRule(r, false)
}

func (b *MemoryBackend) UpdateRule(_ context.Context, r Rule) (Rule, error) {
	return b.putRule(r, true)
}

func (b *MemoryBackend) putRule(r Rule, update bool) (Rule, error) {
	if r.ID == uuid.Nil {
		return Rule{}, errors.New("rule id is required")
	}
	r = cloneRule(r)

	err := b.write(func(txn *memdb.Txn) error {
		if update {
			// The asset of an existing rule is immutable.
			current, err := scopedGet[Rule](txn, RulesTable, ForTenant(r.TenantID), r.ID)
			if err != nil {
				return err
			}
			r.AssetID = current.AssetID
		}
		row := &scopedRow[Rule]{ID: key(r.ID), TenantID: key(r.TenantID), AssetID: key(r.AssetID), Value: r}
		return scopedPut(txn, RulesTable, row, update)
	})
	if err != nil {
		return Rule{}, err
	}
	return cloneRule(r), nil
}

func (b *MemoryBackend) DeleteRule(_ context.Context, filter Filter, id uuid.UUID) error {
	return b.write(func(txn *memdb.Txn) error {
		return scopedDelete[Rule](txn, RulesTable, filter, id)
	})
}

// ---- alert logs ----

func (b *MemoryBackend) ListAlertLogs(_ context.Context, filter Filter) ([]AlertLog, error) {
	logs, err := scopedList[AlertLog](b.read(), AlertLogsTable, filter)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		logs[i] = cloneAlertLog(logs[i])
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].OccurredAt.After(logs[j].OccurredAt) })
	return logs, nil
}

func (b *MemoryBackend) InsertAlertLog(_ context.Context, l AlertLog) (AlertLog, error) {
	if l.ID == uuid.Nil {
		return AlertLog{}, errors.New("alert log id is required")
	}
	l = cloneAlertLog(l)
	if l.OccurredAt.IsZero() {
		l.OccurredAt = b.now()
	}

	err := b.write(func(txn *memdb.Txn) error {
		row := &scopedRow[AlertLog]{ID: key(l.ID), TenantID: key(l.TenantID), AssetID: key(l.AssetID), Value: l}
		return scopedPut(txn, AlertLogsTable, row, false)
	})
	if err != nil {
		return AlertLog{}, err
	}
	return cloneAlertLog(l), nil
}

// ---- copies ----

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneUser(u User) User {
	u.TenantID = clonePtr(u.TenantID)
	u.TenantRole = clonePtr(u.TenantRole)
	u.InvitedAt = clonePtr(u.InvitedAt)
	u.PasswordChangedAt = clonePtr(u.PasswordChangedAt)
	return u
}

func cloneAsset(a Asset) Asset {
	a.CustomType = clonePtr(a.CustomType)
	return a
}

func cloneRule(r Rule) Rule {
	r.ContactIDs = slices.Clone(r.ContactIDs)
	if r.ContactIDs == nil {
		r.ContactIDs = []uuid.UUID{}
	}
	return r
}

func cloneAlertLog(l AlertLog) AlertLog {
	l.NotifiedContacts = slices.Clone(l.NotifiedContacts)
	if l.NotifiedContacts == nil {
		l.NotifiedContacts = []string{}
	}
	return l
}
