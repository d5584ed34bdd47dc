package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	contactColumns  = `contact_id, farm_id, name, phone, email`
	assetColumns    = `asset_id, farm_id, name, asset_type, custom_type, location, dev_eui`
	ruleColumns     = `rule_id, farm_id, asset_id, alert_type, threshold, contact_ids`
	alertLogColumns = `log_id, farm_id, asset_id, alert_type, value, notified_contacts, occurred_at`
)

// scopedQuery appends the tenant restriction of filter to a query whose first argument is the row id.
func scopedQuery(query string, filter Filter, id uuid.UUID) (string, []any) {
	args := []any{id}
	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		query += fmt.Sprintf(" AND farm_id = $%d", len(args))
	}
	return query, args
}

func listQuery(table, columns, order string, filter Filter) (string, []any) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, columns, table)
	var args []any
	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		query += " WHERE farm_id = $1"
	}
	return query + " ORDER BY " + order, args
}

func (b *PostgresBackend) deleteScoped(ctx context.Context, table, idColumn string, filter Filter, id uuid.UUID) error {
	query, args := scopedQuery(fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, idColumn), filter, id)
	tag, err := b.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "delete from "+table)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// collect drains rows with scan; used by every list operation.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	items := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate rows")
	}
	return items, nil
}

// ---- contacts ----

func (b *PostgresBackend) GetContact(ctx context.Context, filter Filter, id uuid.UUID) (Contact, error) {
	query, args := scopedQuery(fmt.Sprintf(`SELECT %s FROM %s WHERE contact_id = $1`, contactColumns, ContactsTable), filter, id)
	c, err := scanContact(b.db.QueryRow(ctx, query, args...))
	if err != nil {
		return Contact{}, classify(err, "get contact")
	}
	return c, nil
}

func (b *PostgresBackend) ListContacts(ctx context.Context, filter Filter) ([]Contact, error) {
	query, args := listQuery(ContactsTable, contactColumns, "name", filter)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list contacts")
	}
	return collect(rows, scanContact)
}

func (b *PostgresBackend) InsertContact(ctx context.Context, c Contact) (Contact, error) {
	if c.ID == uuid.Nil {
		return Contact{}, errors.New("contact id is required")
	}
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (contact_id, farm_id, name, phone, email)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING %s
    `, ContactsTable, contactColumns), c.ID, c.TenantID, strings.TrimSpace(c.Name), strings.TrimSpace(c.Phone), strings.TrimSpace(c.Email))

	created, err := scanContact(row)
	if err != nil {
		return Contact{}, classify(err, "insert contact")
	}
	return created, nil
}

func (b *PostgresBackend) UpdateContact(ctx context.Context, c Contact) (Contact, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET name = $3, phone = $4, email = $5
        WHERE contact_id = $1 AND farm_id = $2
        RETURNING %s
    `, ContactsTable, contactColumns), c.ID, c.TenantID, strings.TrimSpace(c.Name), strings.TrimSpace(c.Phone), strings.TrimSpace(c.Email))

	updated, err := scanContact(row)
	if err != nil {
		return Contact{}, classify(err, "update contact")
	}
	return updated, nil
}

func (b *PostgresBackend) DeleteContact(ctx context.Context, filter Filter, id uuid.UUID) error {
	return b.deleteScoped(ctx, ContactsTable, "contact_id", filter, id)
}

func scanContact(row pgx.Row) (Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// ---- assets ----

func (b *PostgresBackend) GetAsset(ctx context.Context, filter Filter, id uuid.UUID) (Asset, error) {
	query, args := scopedQuery(fmt.Sprintf(`SELECT %s FROM %s WHERE asset_id = $1`, assetColumns, AssetsTable), filter, id)
	a, err := scanAsset(b.db.QueryRow(ctx, query, args...))
	if err != nil {
		return Asset{}, classify(err, "get asset")
	}
	return a, nil
}

func (b *PostgresBackend) ListAssets(ctx context.Context, filter Filter) ([]Asset, error) {
	query, args := listQuery(AssetsTable, assetColumns, "name", filter)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list assets")
	}
	return collect(rows, scanAsset)
}

func (b *PostgresBackend) InsertAsset(ctx context.Context, a Asset) (Asset, error) {
	if a.ID == uuid.Nil {
		return Asset{}, errors.New("asset id is required")
	}
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (asset_id, farm_id, name, asset_type, custom_type, location, dev_eui)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING %s
    `, AssetsTable, assetColumns), a.ID, a.TenantID, strings.TrimSpace(a.Name), string(a.Type), a.CustomType, string(a.Location), a.DevEUI)

	created, err := scanAsset(row)
	if err != nil {
		return Asset{}, classify(err, "insert asset")
	}
	return created, nil
}

func (b *PostgresBackend) UpdateAsset(ctx context.Context, a Asset) (Asset, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET name = $3, asset_type = $4, custom_type = $5, location = $6, dev_eui = $7
        WHERE asset_id = $1 AND farm_id = $2
        RETURNING %s
    `, AssetsTable, assetColumns), a.ID, a.TenantID, strings.TrimSpace(a.Name), string(a.Type), a.CustomType, string(a.Location), a.DevEUI)

	updated, err := scanAsset(row)
	if err != nil {
		return Asset{}, classify(err, "update asset")
	}
	return updated, nil
}

func (b *PostgresBackend) DeleteAsset(ctx context.Context, filter Filter, id uuid.UUID) error {
	return b.deleteScoped(ctx, AssetsTable, "asset_id", filter, id)
}

func scanAsset(row pgx.Row) (Asset, error) {
	var (
		a         Asset
		assetType string
		location  string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &assetType, &a.CustomType, &location, &a.DevEUI); err != nil {
		return Asset{}, err
	}
	a.Type = AssetType(assetType)
	a.Location = AssetLocation(location)
	return a, nil
}

// ---- rules ----

func (b *PostgresBackend) GetRule(ctx context.Context, filter Filter, id uuid.UUID) (Rule, error) {
	query, args := scopedQuery(fmt.Sprintf(`SELECT %s FROM %s WHERE rule_id = $1`, ruleColumns, RulesTable), filter, id)
	r, err := scanRule(b.db.QueryRow(ctx, query, args...))
	if err != nil {
		return Rule{}, classify(err, "get rule")
	}
	return r, nil
}

func (b *PostgresBackend) ListRules(ctx context.Context, filter Filter) ([]Rule, error) {
	query, args := listQuery(RulesTable, ruleColumns, "alert_type, threshold", filter)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list rules")
	}
	return collect(rows, scanRule)
}

// InsertRule requires the asset to belong to the rule's farm.
func (b *PostgresBackend) InsertRule(ctx context.Context, r Rule) (Rule, error) {
	if r.ID == uuid.Nil {
		return Rule{}, errors.New("rule id is required")
	}
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (rule_id, farm_id, asset_id, alert_type, threshold, contact_ids)
        SELECT $1::uuid, a.farm_id, a.asset_id, $4::text, $5::double precision, $6::text[]
        FROM %s a WHERE a.asset_id = $3::uuid AND a.farm_id = $2::uuid
        RETURNING %s
    `, RulesTable, AssetsTable, ruleColumns), r.ID, r.TenantID, r.AssetID, string(r.AlertType), r.Threshold, uuidStrings(r.ContactIDs))

	created, err := scanRule(row)
	if err != nil {
		return Rule{}, classify(err, "insert rule")
	}
	return created, nil
}

func (b *PostgresBackend) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET alert_type = $3, threshold = $4, contact_ids = $5
        WHERE rule_id = $1 AND farm_id = $2
        RETURNING %s
    `, RulesTable, ruleColumns), r.ID, r.TenantID, string(r.AlertType), r.Threshold, uuidStrings(r.ContactIDs))

	updated, err := scanRule(row)
	if err != nil {
		return Rule{}, classify(err, "update rule")
	}
	return updated, nil
}

func (b *PostgresBackend) DeleteRule(ctx context.Context, filter Filter, id uuid.UUID) error {
	return b.deleteScoped(ctx, RulesTable, "rule_id", filter, id)
}

func scanRule(row pgx.Row) (Rule, error) {
	var (
		r          Rule
		alertType  string
		contactIDs []string
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.AssetID, &alertType, &r.Threshold, &contactIDs); err != nil {
		return Rule{}, err
	}
	r.AlertType = AlertType(alertType)

	ids, err := parseUUIDs(contactIDs)
	if err != nil {
		return Rule{}, err
	}
	r.ContactIDs = ids
	return r, nil
}

// ---- alert logs ----

func (b *PostgresBackend) ListAlertLogs(ctx context.Context, filter Filter) ([]AlertLog, error) {
	query, args := listQuery(AlertLogsTable, alertLogColumns, "occurred_at DESC", filter)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list alert logs")
	}
	return collect(rows, scanAlertLog)
}

func (b *PostgresBackend) InsertAlertLog(ctx context.Context, l AlertLog) (AlertLog, error) {
	if l.ID == uuid.Nil {
		return AlertLog{}, errors.New("alert log id is required")
	}
	notified := l.NotifiedContacts
	if notified == nil {
		notified = []string{}
	}

	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (log_id, farm_id, asset_id, alert_type, value, notified_contacts, occurred_at)
        SELECT $1::uuid, a.farm_id, a.asset_id, $4::text, $5::double precision, $6::text[], $7::timestamptz
        FROM %s a WHERE a.asset_id = $3::uuid AND a.farm_id = $2::uuid
        RETURNING %s
    `, AlertLogsTable, AssetsTable, alertLogColumns), l.ID, l.TenantID, l.AssetID, string(l.AlertType), l.Value, notified, l.OccurredAt)

	created, err := scanAlertLog(row)
	if err != nil {
		return AlertLog{}, classify(err, "insert alert log")
	}
	return created, nil
}

func scanAlertLog(row pgx.Row) (AlertLog, error) {
	var (
		l         AlertLog
		alertType string
	)
	if err := row.Scan(&l.ID, &l.TenantID, &l.AssetID, &alertType, &l.Value, &l.NotifiedContacts, &l.OccurredAt); err != nil {
		return AlertLog{}, err
	}
	l.AlertType = AlertType(alertType)
	return l, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parse contact id %q: %w", v, err)
		}
		out = append(out, id)
	}
	return out, nil
}
