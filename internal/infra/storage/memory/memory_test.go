package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
)

func trade(hash, wallet, market, outcome string, amount int64, ts time.Time) *domain.TransactionRecord {
	return &domain.TransactionRecord{
		TxHash:    hash,
		EventName: domain.EventOrderFilled,
		Timestamp: ts,
		Maker:     wallet,
		Wallet:    wallet,
		MarketID:  market,
		Outcome:   outcome,
		Side:      domain.SideBuy,
		Amount:    decimal.NewFromInt(amount),
	}
}

func TestTxRepo_SaveIsInsertOnly(t *testing.T) {
	repo := NewTxRepo(NewMemoryStorage())
	ctx := context.Background()
	now := time.Now()

	inserted, err := repo.Save(ctx, trade("0xAA", "0x1", "m1", "YES", 10, now))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Save(ctx, trade("0xaa", "0x2", "m1", "NO", 99, now))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.GetByHash(ctx, "0xaa")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0x1", got.Wallet, "original record must not be overwritten")

	missing, err := repo.GetByHash(ctx, "0xbb")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTxRepo_Aggregations(t *testing.T) {
	repo := NewTxRepo(NewMemoryStorage())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	fixtures := []*domain.TransactionRecord{
		trade("0x1", "0xa", "m1", "YES", 100, now.Add(-time.Minute)),
		trade("0x2", "0xb", "m1", "YES", 50, now.Add(-2*time.Minute)),
		trade("0x3", "0xa", "m1", "NO", 25, now.Add(-3*time.Minute)),
		trade("0x4", "0xc", "m1", "YES", 10, now.Add(-2*time.Hour)),
		trade("0x5", "0xd", "m2", "YES", 70, now.Add(-time.Minute)),
	}
	for _, f := range fixtures {
		_, err := repo.Save(ctx, f)
		require.NoError(t, err)
	}

	stats, err := repo.OutcomeStats(ctx, "m1", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.OutcomeStat{Outcome: "NO", Volume: 25, Count: 1}, stats[0])
	assert.Equal(t, domain.OutcomeStat{Outcome: "YES", Volume: 150, Count: 2}, stats[1])

	n, err := repo.DistinctWallets(ctx, "m1", "YES", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vol, err := repo.WalletOutcomeVolume(ctx, "0xa", "m1", "NO", now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 25.0, vol)

	buckets, err := repo.HourlyVolumes(ctx, "m1", now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, 10.0, buckets[0].Volume)
	assert.Equal(t, 175.0, buckets[1].Volume)

	markets, err := repo.MarketsActiveSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, markets)

	history, err := repo.GetByWallet(ctx, "0xA")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "0x3", history[0].TxHash)
}

func TestWalletRepo_TopWhales(t *testing.T) {
	repo := NewWalletRepo(NewMemoryStorage())
	ctx := context.Background()

	profiles := []*domain.WalletProfile{
		{Address: "0xa", TotalVolume: 500, WhaleScore: 60, WinRate: 0.2, IsWhale: true},
		{Address: "0xb", TotalVolume: 300, WhaleScore: 90, WinRate: 0.9, IsWhale: true},
		{Address: "0xc", TotalVolume: 900, WhaleScore: 10, IsWhale: false},
	}
	for _, p := range profiles {
		require.NoError(t, repo.Save(ctx, p))
	}

	byVolume, err := repo.TopWhales(ctx, 10, domain.SortByVolume)
	require.NoError(t, err)
	require.Len(t, byVolume, 2)
	assert.Equal(t, "0xa", byVolume[0].Address)

	byScore, err := repo.TopWhales(ctx, 1, domain.SortByScore)
	require.NoError(t, err)
	require.Len(t, byScore, 1)
	assert.Equal(t, "0xb", byScore[0].Address)
}

func TestAlertRepo_FindSentByFingerprint(t *testing.T) {
	repo := NewAlertRepo(NewMemoryStorage())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &domain.Alert{ID: "a1", Type: domain.AlertWhaleBet}))

	found, err := repo.FindSentByFingerprintSince(ctx, "whale_bet:0x1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found, "unsent alerts do not count")

	require.NoError(t, repo.MarkSent(ctx, "a1", "whale_bet:0x1", now))

	found, err = repo.FindSentByFingerprintSince(ctx, "whale_bet:0x1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "a1", found.ID)

	found, err = repo.FindSentByFingerprintSince(ctx, "whale_bet:0x1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, found)
}
