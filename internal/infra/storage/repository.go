package storage

import (
	"context"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// TradeEvents are the event names that carry a notional amount. Aggregation
// queries only consider these.
var TradeEvents = []domain.EventName{domain.EventOrderFilled, domain.EventOrdersMatched}

// Time-range queries use (from, to]: exclusive start, inclusive end.

// TransactionRepository handles transaction storage operations
type TransactionRepository interface {
	// GetByHash retrieves a transaction by hash
	GetByHash(ctx context.Context, txHash string) (*domain.TransactionRecord, error)

	// Save inserts a record. inserted is false when the tx hash already exists.
	Save(ctx context.Context, tx *domain.TransactionRecord) (inserted bool, err error)

	// GetByWallet returns trades where the address is the maker, taker or
	// attributed wallet, oldest first
	GetByWallet(ctx context.Context, address string) ([]*domain.TransactionRecord, error)

	// OutcomeStats aggregates trade volume and count per outcome of a market
	OutcomeStats(ctx context.Context, marketID string, from, to time.Time) ([]domain.OutcomeStat, error)

	// HourlyVolumes returns non-empty hourly trade volume buckets for a market
	HourlyVolumes(ctx context.Context, marketID string, from, to time.Time) ([]domain.VolumeBucket, error)

	// DistinctWallets counts wallets trading one outcome of a market
	DistinctWallets(ctx context.Context, marketID, outcome string, from, to time.Time) (int, error)

	// WalletOutcomeVolume sums a wallet's trade volume on one outcome of a market
	WalletOutcomeVolume(ctx context.Context, wallet, marketID, outcome string, from, to time.Time) (float64, error)

	// MarketsActiveSince lists markets with at least one trade after since
	MarketsActiveSince(ctx context.Context, since time.Time) ([]string, error)

	// CountSince counts records after since
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// WalletRepository handles wallet profile storage
type WalletRepository interface {
	// Get retrieves a profile by address
	Get(ctx context.Context, address string) (*domain.WalletProfile, error)

	// Save upserts a profile
	Save(ctx context.Context, profile *domain.WalletProfile) error

	// ListWhales returns every whale-flagged profile ordered by address
	ListWhales(ctx context.Context) ([]*domain.WalletProfile, error)

	// TopWhales returns whale-flagged profiles ranked by sortBy, descending
	TopWhales(ctx context.Context, limit int, sortBy domain.WhaleSort) ([]*domain.WalletProfile, error)
}

// AlertRepository handles alert records
type AlertRepository interface {
	// Create persists a new alert
	Create(ctx context.Context, alert *domain.Alert) error

	// FindSentByFingerprintSince returns the latest alert with the fingerprint
	// delivered at or after since
	FindSentByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (*domain.Alert, error)

	// MarkSent records delivery with the computed fingerprint
	MarkSent(ctx context.Context, id, fingerprint string, sentAt time.Time) error
}

// AnomalyRepository persists anomaly findings as audit records
type AnomalyRepository interface {
	Save(ctx context.Context, finding *domain.AnomalyFinding) error

	// Recent returns the newest findings first
	Recent(ctx context.Context, limit int) ([]*domain.AnomalyFinding, error)
}

// TokenRepository maps outcome tokens to markets
type TokenRepository interface {
	SaveToken(ctx context.Context, info *domain.TokenInfo) error
	GetToken(ctx context.Context, tokenID string) (*domain.TokenInfo, error)
}
