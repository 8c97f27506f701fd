package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []*domain.ContractEvent
}

func (r *recorder) handle(ctx context.Context, evt *domain.ContractEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) blocks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, e := range r.events {
		out = append(out, e.BlockNumber)
	}
	return out
}

func newTestSubscriber(t *testing.T, dialer *fakeDialer, maxAttempts int) *Subscriber {
	t.Helper()
	s, err := New(Config{
		Contracts:            []string{testExchange.Hex()},
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
		BackfillChunkSize:    10,
	}, &fakeEndpoints{url: "wss://rpc.example/key"}, dialer.dial, nil)
	require.NoError(t, err)
	return s
}

func TestSubscriber_DispatchesToHandlers(t *testing.T) {
	client := newFakeClient(100)
	s := newTestSubscriber(t, &fakeDialer{clients: []*fakeClient{client}}, 3)

	rec := &recorder{}
	s.On(domain.EventOrderFilled, rec.handle)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateListening, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	client.emit(orderFilledLog(t, 100, 0x01, 0, 7, 1_000_000, 2_000_000, 0))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.ByEvent["OrderFilled"])
	assert.Equal(t, uint64(100), stats.LastBlock)
	assert.True(t, client.isClosed())
}

func TestSubscriber_HandlerIsolation(t *testing.T) {
	client := newFakeClient(100)
	s := newTestSubscriber(t, &fakeDialer{clients: []*fakeClient{client}}, 3)

	rec := &recorder{}
	s.On(domain.EventOrderFilled, func(context.Context, *domain.ContractEvent) error { panic("boom") })
	s.On(domain.EventOrderFilled, func(context.Context, *domain.ContractEvent) error { return errors.New("bad") })
	s.On(domain.EventOrderFilled, rec.handle)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	client.emit(orderFilledLog(t, 100, 0x01, 0, 7, 1_000_000, 2_000_000, 0))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().HandlerErrors == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateListening, s.State())
}

func TestSubscriber_ReconnectBackfillsGap(t *testing.T) {
	first := newFakeClient(100)
	second := newFakeClient(103)
	second.history = append(second.history,
		orderFilledLog(t, 101, 0x02, 0, 7, 1_000_000, 2_000_000, 0),
		orderFilledLog(t, 103, 0x03, 0, 7, 1_000_000, 2_000_000, 0),
	)
	dialer := &fakeDialer{clients: []*fakeClient{first, second}}
	s := newTestSubscriber(t, dialer, 3)

	rec := &recorder{}
	s.On(domain.EventOrderFilled, rec.handle)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	first.emit(orderFilledLog(t, 100, 0x01, 0, 7, 1_000_000, 2_000_000, 0))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	first.fail(errors.New("websocket: close 1006"))
	<-second.subscribed

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint64{100, 101, 103}, rec.blocks())
	assert.Equal(t, StateListening, s.State())
	assert.Equal(t, uint64(1), s.Stats().Reconnections)
	assert.Equal(t, 0, s.Stats().Attempts, "attempts reset after a successful resubscribe")

	second.mu.Lock()
	require.NotEmpty(t, second.filterCalls)
	assert.Equal(t, uint64(101), second.filterCalls[0].FromBlock.Uint64())
	second.mu.Unlock()

	// backfilled events carry block timestamps
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.BlockNumber == 101 {
			assert.Equal(t, int64(1_700_000_101), e.Timestamp.Unix())
		}
	}
	rec.mu.Unlock()
}

func TestSubscriber_HaltsAfterMaxAttempts(t *testing.T) {
	client := newFakeClient(100)
	dialer := &fakeDialer{clients: []*fakeClient{client}}
	s := newTestSubscriber(t, dialer, 2)

	require.NoError(t, s.Start(context.Background()))
	client.fail(errors.New("eof"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber did not halt")
	}

	assert.Equal(t, StateHalted, s.State())
	assert.ErrorIs(t, s.Err(), ErrMaxReconnectAttempts)
	assert.Equal(t, 3, dialer.dialCount(), "initial dial plus two reconnect attempts")

	// an external restart is allowed once a new endpoint is available
	dialer.mu.Lock()
	dialer.clients = []*fakeClient{newFakeClient(100)}
	dialer.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateListening, s.State())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSubscriber_StartFailsWhenDialFails(t *testing.T) {
	s := newTestSubscriber(t, &fakeDialer{}, 2)
	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSubscriber_QueryHistoricalEvents(t *testing.T) {
	live := newFakeClient(100)
	hist := newFakeClient(500)
	for i := uint64(0); i < 25; i++ {
		hist.history = append(hist.history, orderFilledLog(t, 400+i, byte(i+1), 0, 7, 1_000_000, 2_000_000, 0))
	}
	dialer := &fakeDialer{clients: []*fakeClient{hist, live}}
	s := newTestSubscriber(t, dialer, 2)

	events, err := s.QueryHistoricalEvents(context.Background(), domain.EventOrderFilled, 400, 424)
	require.NoError(t, err)
	assert.Len(t, events, 25)
	assert.Equal(t, 3, hist.filterCount(), "25 blocks in chunks of 10")
	assert.True(t, hist.isClosed())
	assert.Equal(t, StateDisconnected, s.State(), "historical queries do not touch live state")

	_, err = s.QueryHistoricalEvents(context.Background(), "Transfer", 1, 2)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestSubscriber_RangeQueryRetries(t *testing.T) {
	newSub := func(dialer *fakeDialer, maxRetries int) *Subscriber {
		s, err := New(Config{
			Contracts:         []string{testExchange.Hex()},
			BackfillChunkSize: 100,
			MaxRetries:        maxRetries,
			RetryDelay:        time.Millisecond,
		}, &fakeEndpoints{url: "wss://rpc.example/key"}, dialer.dial, nil)
		require.NoError(t, err)
		return s
	}
	flaky := func() *fakeClient {
		c := newFakeClient(500)
		c.history = []types.Log{orderFilledLog(t, 410, 1, 0, 7, 1_000_000, 2_000_000, 0)}
		c.filterErrs = []error{errors.New("connection reset"), errors.New("connection reset")}
		return c
	}

	recovers := flaky()
	events, err := newSub(&fakeDialer{clients: []*fakeClient{recovers}}, 3).
		QueryHistoricalEvents(context.Background(), domain.EventOrderFilled, 400, 420)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 3, recovers.filterCount())

	exhausted := flaky()
	_, err = newSub(&fakeDialer{clients: []*fakeClient{exhausted}}, 2).
		QueryHistoricalEvents(context.Background(), domain.EventOrderFilled, 400, 420)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.Equal(t, 2, exhausted.filterCount())
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "wss://polygon-mainnet.g.alchemy.com", redactURL("wss://polygon-mainnet.g.alchemy.com/v2/secret"))
	assert.Equal(t, "not-a-url", redactURL("not-a-url"))
}
