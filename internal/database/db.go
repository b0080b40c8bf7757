package database

import (
	"context"
	"fmt"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	logger := logging.WithComponent("database")

	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("Connected to PostgreSQL", "database", pc.ConnConfig.Database, "host", pc.ConnConfig.Host)
	return &DB{Pool: pool, logger: logger}, nil
}

// poolConfig sizes the pool for the controller's workload: a handful of
// writers draining the persist queue plus the HTTP readiness check.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pc.MaxConns, pc.MinConns = 10, 1
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	return pc, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// legacyUsersMigration copies rows from the single-table users schema once.
// An empty credential_kind marks the legacy "ENV:" token encoding. The marker
// row keeps workers terminated after the copy from coming back on restart.
// lifetime_profit arrived late in that schema, so it is read only when present.
const legacyUsersMigration = `DO $$
DECLARE
	lifetime TEXT := '0';
BEGIN
	IF EXISTS (SELECT 1 FROM schema_markers WHERE name = 'legacy_users') THEN
		RETURN;
	END IF;
	IF NOT EXISTS (SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'users' AND column_name = 'api_token') THEN
		RETURN;
	END IF;
	IF EXISTS (SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'users' AND column_name = 'lifetime_profit') THEN
		lifetime := 'COALESCE(lifetime_profit, 0)';
	END IF;
	EXECUTE format(
		'INSERT INTO bot_workers (
			worker_id, credential_kind, credential_value, active,
			total_profit, lifetime_profit, trades_today, current_multiplier, is_running, trade_limit
		)
		SELECT user_id, %L, api_token, COALESCE(active, FALSE),
			COALESCE(total_profit, 0), %s, COALESCE(trades_today, 0),
			COALESCE(current_multiplier, 1), COALESCE(is_running, TRUE), COALESCE(trade_limit, 0)
		FROM users
		WHERE api_token IS NOT NULL AND api_token <> %L
		ON CONFLICT (worker_id) DO NOTHING',
		'', lifetime, '');
	INSERT INTO schema_markers (name) VALUES ('legacy_users');
END $$`

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bot_workers (
			worker_id VARCHAR(128) PRIMARY KEY,
			credential_kind VARCHAR(16) NOT NULL DEFAULT 'literal',
			credential_value TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			balance NUMERIC(20, 2) NOT NULL DEFAULT 0,
			total_profit NUMERIC(20, 2) NOT NULL DEFAULT 0,
			trades_today INTEGER NOT NULL DEFAULT 0,
			current_multiplier NUMERIC(20, 4) NOT NULL DEFAULT 1,
			is_running BOOLEAN NOT NULL DEFAULT TRUE,
			trade_limit INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// added after the first release; older tables lack it
		`ALTER TABLE bot_workers ADD COLUMN IF NOT EXISTS lifetime_profit NUMERIC(20, 2) NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_bot_workers_active ON bot_workers(active)`,
		`CREATE TABLE IF NOT EXISTS schema_markers (
			name VARCHAR(64) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		legacyUsersMigration,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info("Database migrations completed", "count", len(migrations))
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
