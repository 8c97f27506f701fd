package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/storage/memory"
)

type recordingUpdater struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *recordingUpdater) UpdateWallet(ctx context.Context, address string) (*domain.WalletProfile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, address)
	if u.err != nil {
		return nil, u.err
	}
	return &domain.WalletProfile{Address: address}, nil
}

func (u *recordingUpdater) addresses() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

type fixture struct {
	proc    *Processor
	txs     *memory.TxRepo
	tokens  *memory.TokenRepo
	updater *recordingUpdater
}

func newFixture() *fixture {
	store := memory.NewMemoryStorage()
	f := &fixture{
		txs:     memory.NewTxRepo(store),
		tokens:  memory.NewTokenRepo(store),
		updater: &recordingUpdater{},
	}
	f.proc = New(f.txs, f.tokens, f.updater)
	return f
}

func orderFilled(hash, maker, makerAsset, takerAsset string, makerAmt, takerAmt int64) *domain.ContractEvent {
	return &domain.ContractEvent{
		Name:        domain.EventOrderFilled,
		TxHash:      hash,
		BlockNumber: 100,
		Timestamp:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			"orderHash":         "0xorder",
			"maker":             maker,
			"taker":             "0xTAKER",
			"makerAssetId":      makerAsset,
			"takerAssetId":      takerAsset,
			"makerAmountFilled": decimal.NewFromInt(makerAmt),
			"takerAmountFilled": decimal.NewFromInt(takerAmt),
			"fee":               decimal.Zero,
		},
	}
}

func registerTokens(t *testing.T, f *fixture, yes, no, condition string) {
	t.Helper()
	_, err := f.proc.ProcessEvent(context.Background(), &domain.ContractEvent{
		Name:   domain.EventTokenRegistered,
		TxHash: "0xreg-" + condition,
		Fields: map[string]any{"token0": yes, "token1": no, "conditionId": condition},
	})
	require.NoError(t, err)
}

func TestProcessEvent_BuyResolvesRegisteredToken(t *testing.T) {
	f := newFixture()
	registerTokens(t, f, "111", "222", "0xcond")

	res, err := f.proc.ProcessEvent(context.Background(), orderFilled("0xAB", "0xMAKER", "0", "111", 600, 1000))
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	rec := res.Record
	assert.Equal(t, "0xab", rec.TxHash)
	assert.Equal(t, domain.SideBuy, rec.Side)
	assert.Equal(t, "0xcond", rec.MarketID)
	assert.Equal(t, domain.OutcomeYes, rec.Outcome)
	assert.Equal(t, "0xmaker", rec.Wallet)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, "0.6", rec.Price.String())

	stored, err := f.txs.GetByHash(context.Background(), "0xab")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.OutcomeYes, stored.Outcome)
}

func TestProcessEvent_SellUsesTakerAmount(t *testing.T) {
	f := newFixture()
	registerTokens(t, f, "111", "222", "0xcond")

	res, err := f.proc.ProcessEvent(context.Background(), orderFilled("0x01", "0xm", "222", "0", 500, 200))
	require.NoError(t, err)

	assert.Equal(t, domain.SideSell, res.Record.Side)
	assert.Equal(t, domain.OutcomeNo, res.Record.Outcome)
	assert.True(t, res.Record.Amount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, "0.4", res.Record.Price.String())
}

func TestProcessEvent_UnknownTokenFallsBack(t *testing.T) {
	f := newFixture()

	res, err := f.proc.ProcessEvent(context.Background(), orderFilled("0x02", "0xm", "0", "999", 10, 20))
	require.NoError(t, err)
	assert.Equal(t, "999", res.Record.MarketID)
	assert.Equal(t, domain.OutcomeUnknown, res.Record.Outcome)
}

func TestProcessEvent_DuplicateTxHash(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.proc.ProcessEvent(ctx, orderFilled("0xDUP", "0xm", "0", "1", 10, 20))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.proc.ProcessEvent(ctx, orderFilled("0xdup", "0xother", "0", "1", 99, 20))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "0xm", second.Record.Maker)

	stats := f.proc.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.Saved)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestProcessEvent_OrdersMatchedUsesTakerOrderMaker(t *testing.T) {
	f := newFixture()

	res, err := f.proc.ProcessEvent(context.Background(), &domain.ContractEvent{
		Name:   domain.EventOrdersMatched,
		TxHash: "0x03",
		Fields: map[string]any{
			"takerOrderHash":    "0xh",
			"takerOrderMaker":   "0xWHO",
			"makerAssetId":      "0",
			"takerAssetId":      "5",
			"makerAmountFilled": decimal.NewFromInt(50),
			"takerAmountFilled": decimal.NewFromInt(100),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xwho", res.Record.Wallet)
	assert.Equal(t, domain.SideBuy, res.Record.Side)
	assert.True(t, res.Record.Amount.Equal(decimal.NewFromInt(50)))
}

func TestProcessEvent_FeeCharged(t *testing.T) {
	f := newFixture()
	registerTokens(t, f, "7", "8", "0xc")

	res, err := f.proc.ProcessEvent(context.Background(), &domain.ContractEvent{
		Name:   domain.EventFeeCharged,
		TxHash: "0x04",
		Fields: map[string]any{"receiver": "0xFEE", "tokenId": "8", "amount": "1.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfee", res.Record.Maker)
	assert.Equal(t, "1.5", res.Record.Fee.String())
	assert.Equal(t, domain.OutcomeNo, res.Record.Outcome)
	assert.False(t, res.Record.IsTrade())
}

func TestProcessEvent_TokenRegisteredPersistsRegistry(t *testing.T) {
	f := newFixture()
	registerTokens(t, f, "11", "12", "0xcc")

	yes, err := f.tokens.GetToken(context.Background(), "11")
	require.NoError(t, err)
	require.NotNil(t, yes)
	assert.Equal(t, domain.OutcomeYes, yes.Outcome)
	assert.Equal(t, "12", yes.ComplementID)

	no, err := f.tokens.GetToken(context.Background(), "12")
	require.NoError(t, err)
	require.NotNil(t, no)
	assert.Equal(t, domain.OutcomeNo, no.Outcome)
	assert.Equal(t, "0xcc", no.ConditionID)
}

func TestProcessEvent_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.proc.ProcessEvent(ctx, &domain.ContractEvent{Name: "Transfer", TxHash: "0x05"})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	evt := orderFilled("0x06", "0xm", "0", "1", 1, 1)
	delete(evt.Fields, "maker")
	_, err = f.proc.ProcessEvent(ctx, evt)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = f.proc.ProcessEvent(ctx, &domain.ContractEvent{Name: domain.EventOrderFilled})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	saved, err := f.txs.GetByHash(ctx, "0x06")
	require.NoError(t, err)
	assert.Nil(t, saved)
	assert.Equal(t, uint64(3), f.proc.Stats().Errors)
}

func TestProcessEvent_UpdatesMakerAndTaker(t *testing.T) {
	f := newFixture()

	_, err := f.proc.ProcessEvent(context.Background(), orderFilled("0x07", "0xMAKER", "0", "1", 10, 20))
	require.NoError(t, err)
	f.proc.Wait()

	assert.ElementsMatch(t, []string{"0xmaker", "0xtaker"}, f.updater.addresses())
	assert.Equal(t, uint64(2), f.proc.Stats().WalletUpdates)
}

func TestProcessEvent_WalletFailureDoesNotFailEvent(t *testing.T) {
	f := newFixture()
	f.updater.err = errors.New("db down")

	res, err := f.proc.ProcessEvent(context.Background(), orderFilled("0x08", "0xm", "0", "1", 10, 20))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	f.proc.Wait()
	assert.Equal(t, uint64(2), f.proc.Stats().WalletErrors)
}

func TestProcessEvent_CancelledSkipsWalletUpdate(t *testing.T) {
	f := newFixture()

	_, err := f.proc.ProcessEvent(context.Background(), &domain.ContractEvent{
		Name:   domain.EventOrderCancelled,
		TxHash: "0x09",
		Fields: map[string]any{"orderHash": "0xo"},
	})
	require.NoError(t, err)
	f.proc.Wait()
	assert.Empty(t, f.updater.addresses())
}

func TestProcessBatch(t *testing.T) {
	f := newFixture()
	events := []*domain.ContractEvent{
		orderFilled("0xa1", "0xm", "0", "1", 10, 20),
		orderFilled("0xa2", "0xm", "0", "1", 10, 20),
		orderFilled("0xa1", "0xm", "0", "1", 10, 20),
		{Name: "Unknown", TxHash: "0xa3"},
	}

	out := f.proc.ProcessBatch(context.Background(), events)
	f.proc.Wait()

	assert.Equal(t, 4, out.Processed)
	assert.Equal(t, 2, out.Saved)
	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, 1, out.Errors)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "0xa1", out.Records[0].TxHash)
	assert.Equal(t, "0xa2", out.Records[1].TxHash)
}
