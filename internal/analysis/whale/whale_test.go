package whale

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/cache"
	"github.com/vietddude/polywatch/internal/infra/storage/memory"
)

type fixture struct {
	det     *Detector
	txs     *memory.TxRepo
	wallets *memory.WalletRepo
	cache   *cache.Cache
}

func newFixture() *fixture {
	store := memory.NewMemoryStorage()
	f := &fixture{
		txs:     memory.NewTxRepo(store),
		wallets: memory.NewWalletRepo(store),
		cache:   cache.New(nil, cache.Config{FallbackSize: 100}),
	}
	f.det = New(f.txs, f.wallets, f.cache, DefaultConfig())
	return f
}

var seq int

func (f *fixture) trade(t *testing.T, wallet string, side domain.TradeSide, amount int64, price string, ts time.Time) {
	t.Helper()
	seq++
	_, err := f.txs.Save(context.Background(), &domain.TransactionRecord{
		TxHash:    fmt.Sprintf("0x%04d", seq),
		EventName: domain.EventOrderFilled,
		Timestamp: ts,
		Maker:     wallet,
		Wallet:    wallet,
		MarketID:  "m1",
		Outcome:   domain.OutcomeYes,
		Side:      side,
		Amount:    decimal.NewFromInt(amount),
		Price:     decimal.RequireFromString(price),
	})
	require.NoError(t, err)
}

func TestUpdateWallet_ComputesProfile(t *testing.T) {
	f := newFixture()
	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	f.trade(t, "0xa", domain.SideBuy, 1000, "0.4", t0)
	f.trade(t, "0xa", domain.SideBuy, 3000, "0.6", t0.Add(time.Hour))
	f.trade(t, "0xa", domain.SideSell, 500, "0.7", t0.Add(2*time.Hour))

	p, err := f.det.UpdateWallet(context.Background(), "0xA")
	require.NoError(t, err)

	assert.Equal(t, "0xa", p.Address)
	assert.Equal(t, 4500.0, p.TotalVolume)
	assert.Equal(t, 3, p.TxCount)
	assert.Equal(t, 3000.0, p.LargestBet)
	assert.True(t, p.FirstSeenAt.Equal(t0))
	assert.True(t, p.LastActiveAt.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, 100.0, p.WinRate)
	assert.False(t, p.IsWhale)

	stored, err := f.wallets.Get(context.Background(), "0xa")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, p.WhaleScore, stored.WhaleScore)
}

func TestScore(t *testing.T) {
	det := newFixture().det

	full := det.score(&domain.WalletProfile{TotalVolume: 500_000, LargestBet: 200_000, TxCount: 300})
	assert.Equal(t, 100.0, full)

	half := det.score(&domain.WalletProfile{TotalVolume: 50_000, LargestBet: 50_000, TxCount: 50})
	assert.Equal(t, 50.0, half)
}

func TestCheckAndUpdateWhaleStatus_NewWhale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	f.trade(t, "0xw", domain.SideBuy, 10_000, "0.5", now)
	isWhale, err := f.det.CheckAndUpdateWhaleStatus(ctx, "0xw")
	require.NoError(t, err)
	assert.False(t, isWhale)

	f.trade(t, "0xw", domain.SideBuy, 150_000, "0.5", now)
	isWhale, err = f.det.CheckAndUpdateWhaleStatus(ctx, "0xw")
	require.NoError(t, err)
	assert.True(t, isWhale)
	assert.Equal(t, uint64(1), f.det.Stats().NewWhales)

	// staying a whale is not a new transition
	isWhale, err = f.det.CheckAndUpdateWhaleStatus(ctx, "0xw")
	require.NoError(t, err)
	assert.True(t, isWhale)
	assert.Equal(t, uint64(1), f.det.Stats().NewWhales)
}

func TestNewWhale_CountedOnceUnderConcurrentUpdates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trade(t, "0xw", domain.SideBuy, 150_000, "0.5", time.Now())

	// the processor and the orchestrator both refresh the maker of each trade
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.det.UpdateWallet(ctx, "0xw")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			isWhale, err := f.det.CheckAndUpdateWhaleStatus(ctx, "0xW")
			assert.NoError(t, err)
			assert.True(t, isWhale)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1), f.det.Stats().NewWhales)
	assert.Equal(t, uint64(16), f.det.Stats().Updates)
}

func TestIsWhale_InvalidatedOnUpdate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	isWhale, err := f.det.IsWhale(ctx, "0xb")
	require.NoError(t, err)
	assert.False(t, isWhale)

	f.trade(t, "0xb", domain.SideBuy, 200_000, "0.5", time.Now())
	_, err = f.det.UpdateWallet(ctx, "0xb")
	require.NoError(t, err)

	isWhale, err = f.det.IsWhale(ctx, "0xb")
	require.NoError(t, err)
	assert.True(t, isWhale)
}

func TestGetTopWhales_CachedAndInvalidated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now()

	f.trade(t, "0x1", domain.SideBuy, 200_000, "0.5", now)
	f.trade(t, "0x2", domain.SideBuy, 400_000, "0.5", now)
	for _, w := range []string{"0x1", "0x2"} {
		_, err := f.det.UpdateWallet(ctx, w)
		require.NoError(t, err)
	}

	top, err := f.det.GetTopWhales(ctx, 10, domain.SortByVolume)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "0x2", top[0].Address)

	f.trade(t, "0x1", domain.SideBuy, 500_000, "0.5", now)
	_, err = f.det.UpdateWallet(ctx, "0x1")
	require.NoError(t, err)

	top, err = f.det.GetTopWhales(ctx, 10, domain.SortByVolume)
	require.NoError(t, err)
	assert.Equal(t, "0x1", top[0].Address)

	_, err = f.det.GetTopWhales(ctx, 10, "size")
	assert.Error(t, err)
}

func TestUpdateAllWhales_ReportsProgress(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.wallets.Save(ctx, &domain.WalletProfile{
			Address: fmt.Sprintf("0xw%d", i),
			IsWhale: true,
		}))
	}

	var mu sync.Mutex
	var progress []float64
	updated, err := f.det.UpdateAllWhales(ctx, 2, func(pct float64) {
		mu.Lock()
		progress = append(progress, pct)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated)
	assert.Equal(t, []float64{40, 80, 100}, progress)

	// no history left them below the threshold
	whales, err := f.wallets.ListWhales(ctx)
	require.NoError(t, err)
	assert.Empty(t, whales)
}
