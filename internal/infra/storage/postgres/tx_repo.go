package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/storage"
)

const txColumns = `tx_hash, event_name, block_number, block_hash, log_index, block_time,
	order_hash, maker, taker, maker_asset_id, taker_asset_id, maker_amount, taker_amount, fee,
	market_id, outcome, side, amount, price, wallet`

// TxRepo implements storage.TransactionRepository using PostgreSQL.
type TxRepo struct {
	db *DB
}

// NewTxRepo creates a new PostgreSQL transaction repository.
func NewTxRepo(db *DB) *TxRepo {
	return &TxRepo{db: db}
}

func tradeEvents() any {
	names := make([]string, len(storage.TradeEvents))
	for i, e := range storage.TradeEvents {
		names[i] = string(e)
	}
	return pq.Array(names)
}

// Save inserts a transaction; an existing tx hash is left untouched.
func (r *TxRepo) Save(ctx context.Context, tx *domain.TransactionRecord) (bool, error) {
	query := `
		INSERT INTO transactions (` + txColumns + `) VALUES (
			:tx_hash, :event_name, :block_number, :block_hash, :log_index, :block_time,
			:order_hash, :maker, :taker, :maker_asset_id, :taker_asset_id, :maker_amount, :taker_amount, :fee,
			:market_id, :outcome, :side, :amount, :price, :wallet
		)
		ON CONFLICT (tx_hash) DO NOTHING
	`
	rec := *tx
	rec.TxHash = strings.ToLower(rec.TxHash)

	res, err := r.db.NamedExecContext(ctx, query, &rec)
	if err != nil {
		return false, fmt.Errorf("failed to save transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByHash retrieves a transaction by hash.
func (r *TxRepo) GetByHash(ctx context.Context, txHash string) (*domain.TransactionRecord, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE tx_hash = $1`

	var rec domain.TransactionRecord
	err := r.db.GetContext(ctx, &rec, query, strings.ToLower(txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &rec, nil
}

// GetByWallet returns every trade the address took part in, oldest first.
func (r *TxRepo) GetByWallet(ctx context.Context, address string) ([]*domain.TransactionRecord, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE (wallet = $1 OR maker = $1 OR taker = $1) AND event_name = ANY($2)
		ORDER BY block_time ASC, tx_hash ASC
	`
	var recs []*domain.TransactionRecord
	if err := r.db.SelectContext(ctx, &recs, query, strings.ToLower(address), tradeEvents()); err != nil {
		return nil, fmt.Errorf("failed to get wallet transactions: %w", err)
	}
	return recs, nil
}

// OutcomeStats aggregates volume and count per outcome.
func (r *TxRepo) OutcomeStats(ctx context.Context, marketID string, from, to time.Time) ([]domain.OutcomeStat, error) {
	query := `
		SELECT outcome, COALESCE(SUM(amount), 0)::float8 AS volume, COUNT(*) AS count
		FROM transactions
		WHERE market_id = $1 AND block_time > $2 AND block_time <= $3 AND event_name = ANY($4)
		GROUP BY outcome
		ORDER BY outcome
	`
	var stats []domain.OutcomeStat
	if err := r.db.SelectContext(ctx, &stats, query, marketID, from, to, tradeEvents()); err != nil {
		return nil, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}
	return stats, nil
}

// HourlyVolumes returns non-empty hourly buckets.
func (r *TxRepo) HourlyVolumes(ctx context.Context, marketID string, from, to time.Time) ([]domain.VolumeBucket, error) {
	query := `
		SELECT date_trunc('hour', block_time) AS hour, SUM(amount)::float8 AS volume
		FROM transactions
		WHERE market_id = $1 AND block_time > $2 AND block_time <= $3 AND event_name = ANY($4)
		GROUP BY 1
		ORDER BY 1
	`
	var buckets []domain.VolumeBucket
	if err := r.db.SelectContext(ctx, &buckets, query, marketID, from, to, tradeEvents()); err != nil {
		return nil, fmt.Errorf("failed to aggregate hourly volume: %w", err)
	}
	return buckets, nil
}

// DistinctWallets counts wallets trading one outcome.
func (r *TxRepo) DistinctWallets(ctx context.Context, marketID, outcome string, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT wallet)
		FROM transactions
		WHERE market_id = $1 AND outcome = $2 AND block_time > $3 AND block_time <= $4 AND event_name = ANY($5)
	`
	var n int
	if err := r.db.GetContext(ctx, &n, query, marketID, outcome, from, to, tradeEvents()); err != nil {
		return 0, fmt.Errorf("failed to count wallets: %w", err)
	}
	return n, nil
}

// WalletOutcomeVolume sums one wallet's volume on one outcome.
func (r *TxRepo) WalletOutcomeVolume(ctx context.Context, wallet, marketID, outcome string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::float8
		FROM transactions
		WHERE wallet = $1 AND market_id = $2 AND outcome = $3
			AND block_time > $4 AND block_time <= $5 AND event_name = ANY($6)
	`
	var v float64
	if err := r.db.GetContext(ctx, &v, query, strings.ToLower(wallet), marketID, outcome, from, to, tradeEvents()); err != nil {
		return 0, fmt.Errorf("failed to sum wallet volume: %w", err)
	}
	return v, nil
}

// MarketsActiveSince lists markets with trades after since.
func (r *TxRepo) MarketsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT market_id
		FROM transactions
		WHERE block_time > $1 AND event_name = ANY($2)
	`
	var markets []string
	if err := r.db.SelectContext(ctx, &markets, query, since, tradeEvents()); err != nil {
		return nil, fmt.Errorf("failed to list active markets: %w", err)
	}
	return markets, nil
}

// CountSince counts records after since.
func (r *TxRepo) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE block_time > $1`, since); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}
