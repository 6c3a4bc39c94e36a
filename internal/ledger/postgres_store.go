package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one row per withdrawal in payout_ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS payout_ledger (
    withdrawal_id TEXT PRIMARY KEY,
    tx_hash TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('submitted', 'confirmed', 'reverted', 'reported', 'desync')),
    amount TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'automatic',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payout_ledger_state_idx ON payout_ledger (state);
`

// NewPostgresStore opens a small pool and creates the ledger table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	// A single operator desk writes a handful of rows per payout.
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "payoutdesk"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate payout_ledger: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, withdrawalID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT withdrawal_id, tx_hash, state, amount, source, created_at, updated_at
FROM payout_ledger
WHERE withdrawal_id = $1
`, withdrawalID)

	var (
		rec   Record
		state string
	)
	if err := row.Scan(&rec.WithdrawalID, &rec.TxHash, &state, &rec.Amount, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load payout %s: %w", withdrawalID, err)
	}
	rec.State = State(state)
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO payout_ledger (withdrawal_id, tx_hash, state, amount, source, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (withdrawal_id) DO UPDATE
SET tx_hash = EXCLUDED.tx_hash,
    state = EXCLUDED.state,
    amount = EXCLUDED.amount,
    source = EXCLUDED.source,
    updated_at = EXCLUDED.updated_at
`, record.WithdrawalID, record.TxHash, string(record.State), record.Amount, record.Source, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save payout %s: %w", record.WithdrawalID, err)
	}
	return nil
}
