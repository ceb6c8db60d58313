package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipstake/clipstake/internal/migrations"
)

// NewPool creates a pgx connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, config)
}

// OpenLedger connects, applies the embedded schema and returns the
// settlement repository.
func OpenLedger(ctx context.Context, dsn string) (*SettlementRepository, *pgxpool.Pool, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect ledger: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping ledger: %w", err)
	}
	if err := RunMigrations(ctx, pool, migrations.FS); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return NewSettlementRepository(pool), pool, nil
}
