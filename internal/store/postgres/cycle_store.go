package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// CycleStore implements domain.CycleStore using PostgreSQL.
type CycleStore struct {
	pool *pgxpool.Pool
}

var _ domain.CycleStore = (*CycleStore)(nil)

// NewCycleStore creates a new CycleStore backed by the given connection pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

const cycleSelectCols = `id, start_time, end_time, status, signals, score, action,
	rate_bps, commit_status, external_ref, commit_attempts, commit_error,
	supply_error, settlement, settled_at`

func scanCycle(row pgx.Row) (domain.Cycle, error) {
	var (
		c          domain.Cycle
		signals    []byte
		settlement []byte
		action     int16
	)
	if err := row.Scan(
		&c.ID, &c.StartTime, &c.EndTime, &c.Status, &signals, &c.Score, &action,
		&c.RateBps, &c.CommitStatus, &c.ExternalRef, &c.CommitAttempts, &c.CommitError,
		&c.SupplyError, &settlement, &c.SettledAt,
	); err != nil {
		return domain.Cycle{}, err
	}
	c.Action = domain.Action(action)
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &c.Signals); err != nil {
			return domain.Cycle{}, fmt.Errorf("unmarshal signals: %w", err)
		}
	}
	if len(settlement) > 0 {
		if err := json.Unmarshal(settlement, &c.Settlement); err != nil {
			return domain.Cycle{}, fmt.Errorf("unmarshal settlement: %w", err)
		}
	}
	return c, nil
}

func scanCycleRows(rows pgx.Rows) ([]domain.Cycle, error) {
	var cycles []domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Upsert inserts or replaces a cycle by id.
func (s *CycleStore) Upsert(ctx context.Context, c domain.Cycle) error {
	signals := c.Signals
	if signals == nil {
		signals = []domain.Signal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle signals: %w", err)
	}
	settlementJSON, err := json.Marshal(c.Settlement)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle settlement: %w", err)
	}

	const query = `
		INSERT INTO cycles (
			id, start_time, end_time, status, signals, score, action,
			rate_bps, commit_status, external_ref, commit_attempts, commit_error,
			supply_error, settlement, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			end_time        = EXCLUDED.end_time,
			status          = EXCLUDED.status,
			signals         = EXCLUDED.signals,
			score           = EXCLUDED.score,
			action          = EXCLUDED.action,
			rate_bps        = EXCLUDED.rate_bps,
			commit_status   = EXCLUDED.commit_status,
			external_ref    = EXCLUDED.external_ref,
			commit_attempts = EXCLUDED.commit_attempts,
			commit_error    = EXCLUDED.commit_error,
			supply_error    = EXCLUDED.supply_error,
			settlement      = EXCLUDED.settlement,
			settled_at      = EXCLUDED.settled_at,
			updated_at      = NOW()`

	_, err = s.pool.Exec(ctx, query,
		c.ID, c.StartTime, c.EndTime, string(c.Status), signalsJSON, c.Score, int16(c.Action),
		c.RateBps, string(c.CommitStatus), c.ExternalRef, c.CommitAttempts, c.CommitError,
		c.SupplyError, settlementJSON, c.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert cycle %d: %w", c.ID, err)
	}
	return nil
}

// GetByID returns one cycle or domain.ErrNotFound.
func (s *CycleStore) GetByID(ctx context.Context, id int64) (domain.Cycle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cycleSelectCols+` FROM cycles WHERE id = $1`, id)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Cycle{}, domain.ErrNotFound
		}
		return domain.Cycle{}, fmt.Errorf("postgres: get cycle %d: %w", id, err)
	}
	return c, nil
}

// LatestID returns the highest stored cycle id, or 0 when the table is empty.
func (s *CycleStore) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM cycles`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: latest cycle id: %w", err)
	}
	return id, nil
}

// ListRecent returns the newest cycles by id.
func (s *CycleStore) ListRecent(ctx context.Context, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+cycleSelectCols+` FROM cycles ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent cycles: %w", err)
	}
	defer rows.Close()

	cycles, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent cycles: %w", err)
	}
	return cycles, nil
}

// ListByCommitStatus returns cycles with the given commit status, newest
// first. Abandoned cycles are the reconciliation work queue.
func (s *CycleStore) ListByCommitStatus(ctx context.Context, status domain.CommitStatus, opts domain.ListOpts) ([]domain.Cycle, error) {
	query := `SELECT ` + cycleSelectCols + ` FROM cycles WHERE commit_status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND start_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND start_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles by commit status: %w", err)
	}
	defer rows.Close()

	cycles, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cycles by commit status: %w", err)
	}
	return cycles, nil
}

// ListSettledBefore returns settled cycles whose settlement is older than
// before, oldest first.
func (s *CycleStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Cycle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cycleSelectCols+` FROM cycles
		 WHERE status = 'settled' AND settled_at < $1
		 ORDER BY id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled cycles: %w", err)
	}
	defer rows.Close()

	cycles, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled cycles: %w", err)
	}
	return cycles, nil
}
