package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `farm_id, name, timezone, created_at`

// GetTenant returns a farm by identifier.
func (b *PostgresBackend) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE farm_id = $1`, tenantColumns, FarmsTable), id)

	t, err := scanTenant(row)
	if err != nil {
		return Tenant{}, classify(err, "get tenant")
	}
	return t, nil
}

// ListTenants returns every farm ordered by creation time.
func (b *PostgresBackend) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := b.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at, name`, tenantColumns, FarmsTable))
	if err != nil {
		return nil, classify(err, "list tenants")
	}
	defer rows.Close()

	tenants := make([]Tenant, 0)
	for rows.Next() {
		t, scanErr := scanTenant(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan tenant: %w", scanErr)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate tenants")
	}
	return tenants, nil
}

// InsertTenant creates a farm without an owner (bootstrap and tests).
func (b *PostgresBackend) InsertTenant(ctx context.Context, t Tenant) (Tenant, error) {
	return insertTenant(ctx, b.db, t)
}

func insertTenant(ctx context.Context, q querier, t Tenant) (Tenant, error) {
	if t.ID == uuid.Nil {
		return Tenant{}, errors.New("tenant id is required")
	}

	timezone := strings.TrimSpace(t.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}

	row := q.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (farm_id, name, timezone)
        VALUES ($1, $2, $3)
        RETURNING %s
    `, FarmsTable, tenantColumns), t.ID, strings.TrimSpace(t.Name), timezone)

	created, err := scanTenant(row)
	if err != nil {
		return Tenant{}, classify(err, "insert tenant")
	}
	return created, nil
}

// UpdateTenant changes the farm name and timezone.
func (b *PostgresBackend) UpdateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET name = $2, timezone = $3
        WHERE farm_id = $1
        RETURNING %s
    `, FarmsTable, tenantColumns), t.ID, strings.TrimSpace(t.Name), strings.TrimSpace(t.Timezone))

	updated, err := scanTenant(row)
	if err != nil {
		return Tenant{}, classify(err, "update tenant")
	}
	return updated, nil
}

// CreateTenantWithOwner inserts the farm and its owner in one transaction.
func (b *PostgresBackend) CreateTenantWithOwner(ctx context.Context, t Tenant, owner User) (Tenant, User, error) {
	var (
		createdTenant Tenant
		createdOwner  User
	)

	err := withTx(ctx, b.tx, func(tx pgx.Tx) error {
		var err error
		createdTenant, err = insertTenant(ctx, tx, t)
		if err != nil {
			return err
		}

		owner.TenantID = &createdTenant.ID
		createdOwner, err = insertUser(ctx, tx, owner)
		return err
	})
	if err != nil {
		return Tenant{}, User{}, err
	}

	return createdTenant, createdOwner, nil
}

// DeleteTenantCascade locks the farm row, deletes children before the parent and commits once.
// Concurrent writers referencing the farm block on the lock and then fail their FK check (ErrNotFound).
func (b *PostgresBackend) DeleteTenantCascade(ctx context.Context, id uuid.UUID) (CascadeResult, error) {
	result := CascadeResult{TenantID: id}

	err := withTx(ctx, b.tx, func(tx pgx.Tx) error {
		var locked uuid.UUID
		lockQuery := fmt.Sprintf(`SELECT farm_id FROM %s WHERE farm_id = $1 FOR UPDATE`, FarmsTable)
		if err := tx.QueryRow(ctx, lockQuery, id).Scan(&locked); err != nil {
			return classify(err, "lock tenant")
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
			tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE farm_id = $1`, step.table), id)
			if err != nil {
				return classify(err, "delete "+step.table)
			}
			*step.count = int(tag.RowsAffected())
		}

		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE farm_id = $1`, FarmsTable), id)
		if err != nil {
			return classify(err, "delete tenant")
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}

	return result, nil
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Timezone, &t.CreatedAt); err != nil {
		return Tenant{}, err
	}
	return t, nil
}
