package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// TokenRepo implements storage.TokenRepository using PostgreSQL.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo creates a new PostgreSQL token repository.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// SaveToken upserts a token mapping.
func (r *TokenRepo) SaveToken(ctx context.Context, info *domain.TokenInfo) error {
	query := `
		INSERT INTO tokens (token_id, complement_id, condition_id, outcome)
		VALUES (:token_id, :complement_id, :condition_id, :outcome)
		ON CONFLICT (token_id) DO UPDATE SET
			complement_id = EXCLUDED.complement_id,
			condition_id = EXCLUDED.condition_id,
			outcome = EXCLUDED.outcome
	`
	if _, err := r.db.NamedExecContext(ctx, query, info); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken retrieves a token mapping.
func (r *TokenRepo) GetToken(ctx context.Context, tokenID string) (*domain.TokenInfo, error) {
	var info domain.TokenInfo
	err := r.db.GetContext(ctx, &info,
		`SELECT token_id, complement_id, condition_id, outcome FROM tokens WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &info, nil
}
