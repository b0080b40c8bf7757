package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"
	"deriv-bot-manager/internal/worker"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// WorkerRepository persists worker records in bot_workers
type WorkerRepository struct {
	db     *DB
	logger *logging.Logger
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *DB) *WorkerRepository {
	return &WorkerRepository{db: db, logger: logging.WithComponent("worker_repository")}
}

var _ lifecycle.Store = (*WorkerRepository)(nil)

const workerColumns = `
	worker_id, credential_kind, credential_value, active,
	balance::text, total_profit::text, lifetime_profit::text,
	trades_today, current_multiplier::text, is_running, trade_limit,
	created_at, updated_at`

// LoadActive returns every record flagged active, oldest first
func (r *WorkerRepository) LoadActive(ctx context.Context) ([]lifecycle.Record, error) {
	query := `SELECT ` + workerColumns + ` FROM bot_workers WHERE active = TRUE ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load active workers: %w", err)
	}
	defer rows.Close()

	var records []lifecycle.Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return records, nil
}

// Get retrieves one record, nil when absent
func (r *WorkerRepository) Get(ctx context.Context, identity string) (*lifecycle.Record, error) {
	query := `SELECT ` + workerColumns + ` FROM bot_workers WHERE worker_id = $1`

	rec, err := r.scanRecord(r.db.Pool.QueryRow(ctx, query, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts an active record. An existing row is only re-activated; its
// credential and counters are left as they were.
func (r *WorkerRepository) Create(ctx context.Context, identity string, ref credentials.Reference, baseline worker.Counters) error {
	kind, value := ref.Encode()
	baseline = baseline.Normalize()

	query := `
		INSERT INTO bot_workers (
			worker_id, credential_kind, credential_value, active,
			balance, total_profit, lifetime_profit, trades_today,
			current_multiplier, is_running, trade_limit
		) VALUES ($1, $2, $3, TRUE, $4::numeric, $5::numeric, $6::numeric, $7, $8::numeric, $9, $10)
		ON CONFLICT (worker_id) DO UPDATE SET active = TRUE, updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		identity,
		kind,
		value,
		baseline.Balance.String(),
		baseline.SessionProfit.String(),
		baseline.LifetimeProfit.String(),
		baseline.TradesToday,
		baseline.Multiplier.String(),
		baseline.IsRunning,
		baseline.TradeLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker %s: %w", identity, err)
	}
	return nil
}

// Upsert updates only the fields that are set. A missing row is not an error.
func (r *WorkerRepository) Upsert(ctx context.Context, identity string, fields lifecycle.Fields) error {
	query, args := buildUpdate(identity, fields)
	if query == "" {
		return nil
	}

	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("Update matched no worker record", "worker_id", identity)
	}
	return nil
}

// Delete removes the record. Deleting a missing row is not an error.
func (r *WorkerRepository) Delete(ctx context.Context, identity string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM bot_workers WHERE worker_id = $1`, identity); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", identity, err)
	}
	return nil
}

// buildUpdate renders the UPDATE for the non-nil fields
func buildUpdate(identity string, f lifecycle.Fields) (string, []interface{}) {
	var sets []string
	var args []interface{}
	argNum := 1

	add := func(column, cast string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d%s", column, argNum, cast))
		args = append(args, value)
		argNum++
	}

	if f.Active != nil {
		add("active", "", *f.Active)
	}
	if f.IsRunning != nil {
		add("is_running", "", *f.IsRunning)
	}
	if f.TradeLimit != nil {
		add("trade_limit", "", *f.TradeLimit)
	}
	if f.TradesToday != nil {
		add("trades_today", "", *f.TradesToday)
	}
	if f.Balance != nil {
		add("balance", "::numeric", f.Balance.String())
	}
	if f.SessionProfit != nil {
		add("total_profit", "::numeric", f.SessionProfit.String())
	}
	if f.LifetimeProfit != nil {
		add("lifetime_profit", "::numeric", f.LifetimeProfit.String())
	}
	if f.Multiplier != nil {
		add("current_multiplier", "::numeric", f.Multiplier.String())
	}
	if len(sets) == 0 {
		return "", nil
	}

	sets = append(sets, "updated_at = NOW()")
	query := fmt.Sprintf("UPDATE bot_workers SET %s WHERE worker_id = $%d", strings.Join(sets, ", "), argNum)
	args = append(args, identity)
	return query, args
}

func (r *WorkerRepository) scanRecord(row pgx.Row) (lifecycle.Record, error) {
	var (
		rec                                    lifecycle.Record
		kind, value                            string
		balance, session, lifetime, multiplier string
	)
	err := row.Scan(
		&rec.Identity, &kind, &value, &rec.Active,
		&balance, &session, &lifetime,
		&rec.Counters.TradesToday, &multiplier, &rec.Counters.IsRunning, &rec.Counters.TradeLimit,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan worker: %w", err)
	}

	ref, err := credentials.Decode(kind, value)
	if err != nil {
		// left zero so reconciliation reports it as unresolved
		r.logger.Warn("Stored credential could not be decoded", "worker_id", rec.Identity, "kind", kind, "error", err)
	} else {
		rec.Credential = ref
	}

	rec.Counters.Balance = parseDecimal(balance)
	rec.Counters.SessionProfit = parseDecimal(session)
	rec.Counters.LifetimeProfit = parseDecimal(lifetime)
	rec.Counters.Multiplier = parseDecimal(multiplier)
	rec.Counters = rec.Counters.Normalize()
	return rec, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
