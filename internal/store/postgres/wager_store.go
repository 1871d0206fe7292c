package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// WagerStore implements domain.WagerStore using PostgreSQL.
type WagerStore struct {
	pool *pgxpool.Pool
}

var _ domain.WagerStore = (*WagerStore)(nil)

// NewWagerStore creates a new WagerStore backed by the given connection pool.
func NewWagerStore(pool *pgxpool.Pool) *WagerStore {
	return &WagerStore{pool: pool}
}

const wagerSelectCols = `id, participant, cycle_id, outcome, amount, result, payout, placed_at, settled_at`

func scanWagerRows(rows pgx.Rows) ([]domain.Wager, error) {
	var wagers []domain.Wager
	for rows.Next() {
		var (
			w       domain.Wager
			outcome int16
		)
		if err := rows.Scan(
			&w.ID, &w.Participant, &w.CycleID, &outcome, &w.Amount,
			&w.Result, &w.Payout, &w.PlacedAt, &w.SettledAt,
		); err != nil {
			return nil, err
		}
		w.Outcome = domain.Action(outcome)
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

// Upsert inserts a wager or records its resolution. A terminal row is never
// moved back to pending.
func (s *WagerStore) Upsert(ctx context.Context, w domain.Wager) error {
	const query = `
		INSERT INTO wagers (
			id, participant, cycle_id, outcome, amount, result, payout, placed_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			result     = EXCLUDED.result,
			payout     = EXCLUDED.payout,
			settled_at = EXCLUDED.settled_at
		WHERE wagers.result = 'pending'`

	_, err := s.pool.Exec(ctx, query,
		w.ID, w.Participant, w.CycleID, int16(w.Outcome), w.Amount,
		string(w.Result), w.Payout, w.PlacedAt, w.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert wager %s: %w", w.ID, err)
	}
	return nil
}

// ListByCycle returns every wager on a cycle, oldest first.
func (s *WagerStore) ListByCycle(ctx context.Context, cycleID int64) ([]domain.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerSelectCols+` FROM wagers WHERE cycle_id = $1 ORDER BY placed_at ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wagers by cycle: %w", err)
	}
	defer rows.Close()

	wagers, err := scanWagerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan wagers by cycle: %w", err)
	}
	return wagers, nil
}

// ListByParticipant returns a participant's wagers, newest first.
func (s *WagerStore) ListByParticipant(ctx context.Context, participant string, opts domain.ListOpts) ([]domain.Wager, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers WHERE participant = $1`
	args := []any{participant}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND placed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND placed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY placed_at DESC"

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
		return nil, fmt.Errorf("postgres: list wagers by participant: %w", err)
	}
	defer rows.Close()

	wagers, err := scanWagerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan wagers by participant: %w", err)
	}
	return wagers, nil
}

// ListPending returns every unresolved wager.
func (s *WagerStore) ListPending(ctx context.Context) ([]domain.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerSelectCols+` FROM wagers WHERE result = 'pending' ORDER BY cycle_id, placed_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending wagers: %w", err)
	}
	defer rows.Close()

	wagers, err := scanWagerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending wagers: %w", err)
	}
	return wagers, nil
}

// ListSettledBefore returns terminal wagers resolved before the cutoff.
func (s *WagerStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerSelectCols+` FROM wagers
		 WHERE result <> 'pending' AND settled_at < $1
		 ORDER BY settled_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled wagers: %w", err)
	}
	defer rows.Close()

	wagers, err := scanWagerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled wagers: %w", err)
	}
	return wagers, nil
}
