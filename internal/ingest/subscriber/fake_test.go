package subscriber

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/polywatch/internal/infra/rpc/provider"
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (f *fakeSub) Unsubscribe()      { f.once.Do(func() {}) }
func (f *fakeSub) Err() <-chan error { return f.errCh }

type fakeClient struct {
	mu          sync.Mutex
	ch          chan<- types.Log
	sub         *fakeSub
	head        uint64
	history     []types.Log
	filterCalls []ethereum.FilterQuery
	filterErrs  []error
	closed      bool
	subscribed  chan struct{}
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{head: head, subscribed: make(chan struct{})}
}

func (f *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
	f.sub = newFakeSub()
	close(f.subscribed)
	return f.sub, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls = append(f.filterCalls, q)
	if len(f.filterErrs) > 0 {
		err := f.filterErrs[0]
		f.filterErrs = f.filterErrs[1:]
		return nil, err
	}

	var out []types.Log
	for _, lg := range f.history {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) filterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filterCalls)
}

func (f *fakeClient) emit(lg types.Log) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- lg
}

func (f *fakeClient) fail(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.errCh <- err
}

// fakeDialer hands out clients in order; once exhausted it fails.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	urls    []string
}

func (d *fakeDialer) dial(ctx context.Context, url string) (LogClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.clients) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.clients[0]
	d.clients = d.clients[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeEndpoints struct {
	url string
}

func (e *fakeEndpoints) StreamingURL(ctx context.Context) (string, error) {
	return e.url, nil
}

func (e *fakeEndpoints) GetProvider(ctx context.Context) (provider.Provider, error) {
	return provider.NewHTTPProvider("fake", strings.Replace(e.url, "wss://", "https://", 1), "", time.Second), nil
}

var (
	testExchange = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	testMaker    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTaker    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func mustABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(exchangeABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

// orderFilledLog builds an OrderFilled log with raw 6-decimal amounts.
func orderFilledLog(t *testing.T, block uint64, txByte byte, makerAsset, takerAsset, makerAmt, takerAmt, fee int64) types.Log {
	t.Helper()
	ev := mustABI(t).Events["OrderFilled"]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(makerAsset), big.NewInt(takerAsset),
		big.NewInt(makerAmt), big.NewInt(takerAmt), big.NewInt(fee),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: testExchange,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash([]byte{0xab, txByte}),
			addressTopic(testMaker),
			addressTopic(testTaker),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{txByte}),
		Index:       uint(txByte),
	}
}
