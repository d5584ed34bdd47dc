package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/sata-agro/sata-platform/database"
)

// ApplySchema runs the embedded identity DDL in a single transaction.
// Every statement is idempotent so it is safe to call on each startup.
func ApplySchema(ctx context.Context, db txBeginner) error {
	if db == nil {
		return fmt.Errorf("apply schema: pool is required")
	}

	statements := splitStatements(sqlassets.IdentitySQL)
	if len(statements) == 0 {
		return fmt.Errorf("apply schema: embedded ddl is empty")
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func splitStatements(sql string) []string {
	raw := strings.Split(sql, ";")
	statements := make([]string, 0, len(raw))
	for _, part := range raw {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}
