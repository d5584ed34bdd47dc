package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	FarmsTable     = "farms"
	UsersTable     = "users"
	ContactsTable  = "contacts"
	AssetsTable    = "assets"
	RulesTable     = "alert_rules"
	AlertLogsTable = "alert_logs"
)

// PostgresBackend is the remote Backend. Simple operations are a single statement;
// composite operations run inside one transaction.
type PostgresBackend struct {
	pool *pgxpool.Pool
	db   querier
	tx   txBeginner
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend applies the embedded schema and returns a backend bound to pool.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool) (*PostgresBackend, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	if err := ApplySchema(ctx, pool); err != nil {
		return nil, err
	}

	return &PostgresBackend{pool: pool, db: pool, tx: pool}, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return classify(err, "ping postgres")
	}
	return nil
}

func (b *PostgresBackend) Close() {
	ClosePool(b.pool)
}
