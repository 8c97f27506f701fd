package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/polywatch/internal/core/domain"
)

const walletColumns = `address, total_volume, tx_count, largest_bet, is_whale, whale_score, win_rate,
	first_seen_at, last_active_at, updated_at`

// WalletRepo implements storage.WalletRepository using PostgreSQL.
type WalletRepo struct {
	db *DB
}

// NewWalletRepo creates a new PostgreSQL wallet repository.
func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

// Save upserts a wallet profile.
func (r *WalletRepo) Save(ctx context.Context, profile *domain.WalletProfile) error {
	query := `
		INSERT INTO wallet_profiles (` + walletColumns + `) VALUES (
			:address, :total_volume, :tx_count, :largest_bet, :is_whale, :whale_score, :win_rate,
			:first_seen_at, :last_active_at, :updated_at
		)
		ON CONFLICT (address) DO UPDATE SET
			total_volume = EXCLUDED.total_volume,
			tx_count = EXCLUDED.tx_count,
			largest_bet = EXCLUDED.largest_bet,
			is_whale = EXCLUDED.is_whale,
			whale_score = EXCLUDED.whale_score,
			win_rate = EXCLUDED.win_rate,
			first_seen_at = EXCLUDED.first_seen_at,
			last_active_at = EXCLUDED.last_active_at,
			updated_at = EXCLUDED.updated_at
	`
	p := *profile
	p.Address = strings.ToLower(p.Address)
	if _, err := r.db.NamedExecContext(ctx, query, &p); err != nil {
		return fmt.Errorf("failed to save wallet profile: %w", err)
	}
	return nil
}

// Get retrieves a wallet profile by address.
func (r *WalletRepo) Get(ctx context.Context, address string) (*domain.WalletProfile, error) {
	var p domain.WalletProfile
	err := r.db.GetContext(ctx, &p,
		`SELECT `+walletColumns+` FROM wallet_profiles WHERE address = $1`, strings.ToLower(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet profile: %w", err)
	}
	return &p, nil
}

// ListWhales returns all whale-flagged profiles.
func (r *WalletRepo) ListWhales(ctx context.Context) ([]*domain.WalletProfile, error) {
	var out []*domain.WalletProfile
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+walletColumns+` FROM wallet_profiles WHERE is_whale ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list whales: %w", err)
	}
	return out, nil
}

// TopWhales ranks whale-flagged profiles.
func (r *WalletRepo) TopWhales(ctx context.Context, limit int, sortBy domain.WhaleSort) ([]*domain.WalletProfile, error) {
	orderBy := map[domain.WhaleSort]string{
		domain.SortByVolume:  "total_volume",
		domain.SortByScore:   "whale_score",
		domain.SortByWinRate: "win_rate",
	}[sortBy]
	if orderBy == "" {
		orderBy = "total_volume"
	}

	query := `SELECT ` + walletColumns + ` FROM wallet_profiles WHERE is_whale ORDER BY ` +
		orderBy + ` DESC, address LIMIT $1`

	var out []*domain.WalletProfile
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get top whales: %w", err)
	}
	return out, nil
}
