package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL. Pending
// wager references are not stored here; the ledger rebuilds them from the
// wagers table.
type BalanceStore struct {
	pool *pgxpool.Pool
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

const balanceSelectCols = `participant, spendable, total_wagered, total_won, total_lost,
	total_refunded, wins, losses, last_reconciled_at, updated_at`

func scanBalance(row pgx.Row) (domain.BalanceRecord, error) {
	var b domain.BalanceRecord
	err := row.Scan(
		&b.Participant, &b.Spendable, &b.TotalWagered, &b.TotalWon, &b.TotalLost,
		&b.TotalRefunded, &b.Wins, &b.Losses, &b.LastReconciledAt, &b.UpdatedAt,
	)
	return b, err
}

// Upsert writes a participant's record.
func (s *BalanceStore) Upsert(ctx context.Context, b domain.BalanceRecord) error {
	const query = `
		INSERT INTO balances (
			participant, spendable, total_wagered, total_won, total_lost,
			total_refunded, wins, losses, last_reconciled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (participant) DO UPDATE SET
			spendable          = EXCLUDED.spendable,
			total_wagered      = EXCLUDED.total_wagered,
			total_won          = EXCLUDED.total_won,
			total_lost         = EXCLUDED.total_lost,
			total_refunded     = EXCLUDED.total_refunded,
			wins               = EXCLUDED.wins,
			losses             = EXCLUDED.losses,
			last_reconciled_at = EXCLUDED.last_reconciled_at,
			updated_at         = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		b.Participant, b.Spendable, b.TotalWagered, b.TotalWon, b.TotalLost,
		b.TotalRefunded, b.Wins, b.Losses, b.LastReconciledAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert balance %s: %w", b.Participant, err)
	}
	return nil
}

// Get returns one participant's record or domain.ErrNotFound.
func (s *BalanceStore) Get(ctx context.Context, participant string) (domain.BalanceRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+balanceSelectCols+` FROM balances WHERE participant = $1`, participant)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BalanceRecord{}, domain.ErrNotFound
		}
		return domain.BalanceRecord{}, fmt.Errorf("postgres: get balance %s: %w", participant, err)
	}
	return b, nil
}

// List returns every record.
func (s *BalanceStore) List(ctx context.Context) ([]domain.BalanceRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+balanceSelectCols+` FROM balances ORDER BY participant`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceRecord
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return out, nil
}
