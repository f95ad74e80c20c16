package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"ematrader/config"

	"github.com/lib/pq"
)

// ensureDatabase creates cfg.DBName through the admin database unless it
// already exists.
func ensureDatabase(ctx context.Context, cfg config.PostgresConfig) error {
	admin, err := sql.Open("postgres", cfg.AdminDSN())
	if err != nil {
		return err
	}
	defer admin.Close()

	var exists bool
	err = admin.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.DBName).Scan(&exists)
	if err != nil || exists {
		return err
	}

	// identifiers cannot be bound as parameters
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(cfg.DBName))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}
