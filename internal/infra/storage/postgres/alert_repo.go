package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// AlertRepo implements storage.AlertRepository using PostgreSQL.
type AlertRepo struct {
	db *DB
}

// NewAlertRepo creates a new PostgreSQL alert repository.
func NewAlertRepo(db *DB) *AlertRepo {
	return &AlertRepo{db: db}
}

type alertRow struct {
	ID          string       `db:"id"`
	Type        string       `db:"type"`
	Severity    string       `db:"severity"`
	Title       string       `db:"title"`
	Message     string       `db:"message"`
	Context     []byte       `db:"context"`
	Fingerprint string       `db:"fingerprint"`
	Sent        bool         `db:"sent"`
	SentAt      sql.NullTime `db:"sent_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (a *alertRow) toDomain() (*domain.Alert, error) {
	alert := &domain.Alert{
		ID:          a.ID,
		Type:        domain.AlertType(a.Type),
		Severity:    domain.ParseSeverity(a.Severity),
		Title:       a.Title,
		Message:     a.Message,
		Fingerprint: a.Fingerprint,
		Sent:        a.Sent,
		CreatedAt:   a.CreatedAt,
	}
	if a.SentAt.Valid {
		t := a.SentAt.Time
		alert.SentAt = &t
	}
	if len(a.Context) > 0 {
		if err := json.Unmarshal(a.Context, &alert.Context); err != nil {
			return nil, fmt.Errorf("failed to decode alert context: %w", err)
		}
	}
	return alert, nil
}

// Create persists a new alert.
func (r *AlertRepo) Create(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert.Context)
	if err != nil {
		return fmt.Errorf("failed to encode alert context: %w", err)
	}
	if alert.Context == nil {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO alerts (id, type, severity, title, message, context, fingerprint, sent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		alert.ID, string(alert.Type), alert.Severity.String(), alert.Title, alert.Message,
		string(payload), alert.Fingerprint, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// FindSentByFingerprintSince returns the latest delivered alert for the fingerprint.
func (r *AlertRepo) FindSentByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (*domain.Alert, error) {
	query := `
		SELECT id, type, severity, title, message, context, fingerprint, sent, sent_at, created_at
		FROM alerts
		WHERE fingerprint = $1 AND sent AND sent_at >= $2
		ORDER BY sent_at DESC
		LIMIT 1
	`
	var row alertRow
	err := r.db.GetContext(ctx, &row, query, fingerprint, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find alert: %w", err)
	}
	return row.toDomain()
}

// MarkSent records delivery.
func (r *AlertRepo) MarkSent(ctx context.Context, id, fingerprint string, sentAt time.Time) error {
	query := `UPDATE alerts SET sent = TRUE, sent_at = $1, fingerprint = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, sentAt, fingerprint, id); err != nil {
		return fmt.Errorf("failed to mark alert sent: %w", err)
	}
	return nil
}
