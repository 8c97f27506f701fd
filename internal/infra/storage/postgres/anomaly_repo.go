package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// AnomalyRepo implements storage.AnomalyRepository using PostgreSQL.
type AnomalyRepo struct {
	db *DB
}

// NewAnomalyRepo creates a new PostgreSQL anomaly repository.
func NewAnomalyRepo(db *DB) *AnomalyRepo {
	return &AnomalyRepo{db: db}
}

type anomalyRow struct {
	ID         string    `db:"id"`
	Pattern    string    `db:"pattern"`
	Severity   string    `db:"severity"`
	MarketID   string    `db:"market_id"`
	TxHash     string    `db:"tx_hash"`
	Metrics    []byte    `db:"metrics"`
	DetectedAt time.Time `db:"detected_at"`
}

// Save persists a finding.
func (r *AnomalyRepo) Save(ctx context.Context, f *domain.AnomalyFinding) error {
	payload := []byte("{}")
	if f.Metrics != nil {
		var err error
		if payload, err = json.Marshal(f.Metrics); err != nil {
			return fmt.Errorf("failed to encode anomaly metrics: %w", err)
		}
	}

	query := `
		INSERT INTO anomalies (id, pattern, severity, market_id, tx_hash, metrics, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		f.ID, string(f.Pattern), f.Severity.String(), f.MarketID, f.TxHash, string(payload), f.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to save anomaly: %w", err)
	}
	return nil
}

// Recent returns the newest findings.
func (r *AnomalyRepo) Recent(ctx context.Context, limit int) ([]*domain.AnomalyFinding, error) {
	query := `
		SELECT id, pattern, severity, market_id, tx_hash, metrics, detected_at
		FROM anomalies
		ORDER BY detected_at DESC
		LIMIT $1
	`
	var rows []anomalyRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}

	out := make([]*domain.AnomalyFinding, 0, len(rows))
	for _, row := range rows {
		f := &domain.AnomalyFinding{
			ID:         row.ID,
			Detected:   true,
			Pattern:    domain.AnomalyPattern(row.Pattern),
			Severity:   domain.ParseSeverity(row.Severity),
			MarketID:   row.MarketID,
			TxHash:     row.TxHash,
			DetectedAt: row.DetectedAt,
		}
		if len(row.Metrics) > 0 {
			if err := json.Unmarshal(row.Metrics, &f.Metrics); err != nil {
				return nil, fmt.Errorf("failed to decode anomaly metrics: %w", err)
			}
		}
		out = append(out, f)
	}
	return out, nil
}
