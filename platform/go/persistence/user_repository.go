package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const userColumns = `user_id, name, email, password_hash, status, role, farm_id, company_role, invited_at, created_at, updated_at, password_changed_at`

// GetUser returns a single account by identifier.
func (b *PostgresBackend) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, userColumns, UsersTable), id)

	user, err := scanUser(row)
	if err != nil {
		return User{}, classify(err, "get user")
	}
	return user, nil
}

// GetUserByEmail matches the email case-insensitively.
func (b *PostgresBackend) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE LOWER(email) = $1`, userColumns, UsersTable), normalizeEmail(email))

	user, err := scanUser(row)
	if err != nil {
		return User{}, classify(err, "get user by email")
	}
	return user, nil
}

// ListUsers returns accounts matching the filter ordered by creation time.
func (b *PostgresBackend) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	whereParts := []string{"1=1"}
	var args []any

	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		whereParts = append(whereParts, fmt.Sprintf("farm_id = $%d", len(args)))
	}
	if filter.Role != nil {
		args = append(args, string(*filter.Role))
		whereParts = append(whereParts, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		whereParts = append(whereParts, fmt.Sprintf("status = $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at, email`,
		userColumns, UsersTable, strings.Join(whereParts, " AND "))

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list users")
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan user: %w", scanErr)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate users")
	}

	return users, nil
}

// InsertUser creates an account. A missing farm yields ErrNotFound, a duplicated email or owner ErrConflict.
func (b *PostgresBackend) InsertUser(ctx context.Context, u User) (User, error) {
	return insertUser(ctx, b.db, u)
}

func insertUser(ctx context.Context, q querier, u User) (User, error) {
	if u.ID == uuid.Nil {
		return User{}, errors.New("user id is required")
	}

	row := q.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (user_id, name, email, password_hash, status, role, farm_id, company_role, invited_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING %s
    `, UsersTable, userColumns),
		u.ID,
		strings.TrimSpace(u.Name),
		normalizeEmail(u.Email),
		u.PasswordHash,
		string(u.Status),
		string(u.GlobalRole),
		u.TenantID,
		tenantRoleArg(u.TenantRole),
		u.InvitedAt,
	)

	user, err := scanUser(row)
	if err != nil {
		return User{}, classify(err, "insert user")
	}
	return user, nil
}

// UpdateUser overwrites the mutable columns of an existing account.
func (b *PostgresBackend) UpdateUser(ctx context.Context, u User) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET name = $2, email = $3, password_hash = $4, status = $5, role = $6,
            farm_id = $7, company_role = $8, invited_at = $9, updated_at = NOW()
        WHERE user_id = $1
        RETURNING %s
    `, UsersTable, userColumns),
		u.ID,
		strings.TrimSpace(u.Name),
		normalizeEmail(u.Email),
		u.PasswordHash,
		string(u.Status),
		string(u.GlobalRole),
		u.TenantID,
		tenantRoleArg(u.TenantRole),
		u.InvitedAt,
	)

	user, err := scanUser(row)
	if err != nil {
		return User{}, classify(err, "update user")
	}
	return user, nil
}

// DeleteUser removes an account, optionally restricted to a tenant.
func (b *PostgresBackend) DeleteUser(ctx context.Context, filter Filter, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrNotFound
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, UsersTable)
	args := []any{id}
	if filter.TenantID != nil {
		query += " AND farm_id = $2"
		args = append(args, *filter.TenantID)
	}

	tag, err := b.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "delete user")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetUserStatus updates the status only while it still equals expected.
func (b *PostgresBackend) CompareAndSetUserStatus(ctx context.Context, id uuid.UUID, expected, next AccountStatus) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET status = $3, updated_at = NOW()
        WHERE user_id = $1 AND status = $2
        RETURNING %s
    `, UsersTable, userColumns), id, string(expected), string(next))

	user, err := scanUser(row)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, classify(err, "set user status")
	}

	if _, getErr := b.GetUser(ctx, id); getErr != nil {
		return User{}, getErr
	}
	return User{}, ErrStateConflict
}

// ActivatePendingUser is a single conditional UPDATE, so two concurrent redemptions cannot both succeed.
func (b *PostgresBackend) ActivatePendingUser(ctx context.Context, email, passwordHash string) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET password_hash = $2, status = $3, updated_at = NOW()
        WHERE LOWER(email) = $1 AND status = $4
        RETURNING %s
    `, UsersTable, userColumns), normalizeEmail(email), passwordHash, string(StatusActive), string(StatusPending))

	user, err := scanUser(row)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, classify(err, "activate user")
	}

	if _, getErr := b.GetUserByEmail(ctx, email); getErr != nil {
		return User{}, getErr
	}
	return User{}, ErrStateConflict
}

// RefreshPendingInvitation only touches rows that are still Pendiente, so it cannot undo a redemption.
func (b *PostgresBackend) RefreshPendingInvitation(ctx context.Context, id uuid.UUID, invitedAt time.Time) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET invited_at = $2, updated_at = NOW()
        WHERE user_id = $1 AND status = $3
        RETURNING %s
    `, UsersTable, userColumns), id, invitedAt.UTC(), string(StatusPending))

	user, err := scanUser(row)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, classify(err, "refresh invitation")
	}

	if _, getErr := b.GetUser(ctx, id); getErr != nil {
		return User{}, getErr
	}
	return User{}, ErrStateConflict
}

// ResetActivePassword is one conditional UPDATE: a concurrent block and a replayed reset token both leave
// the row untouched.
func (b *PostgresBackend) ResetActivePassword(ctx context.Context, id uuid.UUID, passwordHash string, notChangedSince, changedAt time.Time) (User, error) {
	row := b.db.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET password_hash = $2, password_changed_at = $3, updated_at = NOW()
        WHERE user_id = $1 AND status = $4
          AND (password_changed_at IS NULL OR password_changed_at < $5)
        RETURNING %s
    `, UsersTable, userColumns), id, passwordHash, changedAt.UTC(), string(StatusActive), notChangedSince.UTC())

	user, err := scanUser(row)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, classify(err, "reset password")
	}

	if _, getErr := b.GetUser(ctx, id); getErr != nil {
		return User{}, getErr
	}
	return User{}, ErrStateConflict
}

func tenantRoleArg(role *TenantRole) *string {
	if role == nil {
		return nil
	}
	value := string(*role)
	return &value
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user       User
		status     string
		role       string
		tenantID   *uuid.UUID
		tenantRole *string
		invitedAt  *time.Time
	)

	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&status,
		&role,
		&tenantID,
		&tenantRole,
		&invitedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.PasswordChangedAt,
	); err != nil {
		return User{}, err
	}

	user.Status = AccountStatus(status)
	user.GlobalRole = GlobalRole(role)
	user.TenantID = tenantID
	if tenantRole != nil {
		tr := TenantRole(*tenantRole)
		user.TenantRole = &tr
	}
	user.InvitedAt = invitedAt

	return user, nil
}
