package provider

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockProvider struct {
	name    string
	url     string
	healthy atomic.Bool
	checks  atomic.Int32
	delay   time.Duration
}

func newMockProvider(name string, healthy bool) *mockProvider {
	p := &mockProvider{name: name, url: "https://" + name + ".example"}
	p.healthy.Store(healthy)
	return p
}

func (m *mockProvider) Name() string      { return m.name }
func (m *mockProvider) URL() string       { return m.url }
func (m *mockProvider) StreamURL() string { return StreamURLFor(m.url) }
func (m *mockProvider) Close() error      { return nil }

func (m *mockProvider) Call(ctx context.Context, method string, params []any) (any, error) {
	return nil, nil
}

func (m *mockProvider) BlockNumber(ctx context.Context) (uint64, error) {
	m.checks.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if !m.healthy.Load() {
		return 0, errors.New("connection refused")
	}
	return 100, nil
}

func (m *mockProvider) Balance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func testPoolConfig() PoolConfig {
	return PoolConfig{HealthCheckInterval: time.Hour, Timeout: time.Second}
}

func TestNewPool_RequiresProviders(t *testing.T) {
	if _, err := NewPool(testPoolConfig()); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestPool_GetProviderHealthyActive(t *testing.T) {
	a := newMockProvider("a", true)
	b := newMockProvider("b", true)
	pool, _ := NewPool(testPoolConfig(), a, b)

	prov, err := pool.GetProvider(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Name() != "a" {
		t.Errorf("expected a, got %s", prov.Name())
	}
	if pool.ActiveIndex() != 0 {
		t.Errorf("expected active index 0, got %d", pool.ActiveIndex())
	}
}

func TestPool_FailoverSkipsUnhealthy(t *testing.T) {
	a := newMockProvider("a", false)
	b := newMockProvider("b", false)
	c := newMockProvider("c", true)
	pool, _ := NewPool(testPoolConfig(), a, b, c)

	prov, err := pool.GetProvider(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Name() != "c" {
		t.Errorf("expected c, got %s", prov.Name())
	}
	if pool.ActiveIndex() != 2 {
		t.Errorf("expected active index 2, got %d", pool.ActiveIndex())
	}
	if got := pool.Stats().Failovers; got != 1 {
		t.Errorf("expected 1 failover, got %d", got)
	}
}

func TestPool_FailoverWrapsAround(t *testing.T) {
	a := newMockProvider("a", true)
	b := newMockProvider("b", true)
	c := newMockProvider("c", true)
	pool, _ := NewPool(testPoolConfig(), a, b, c)

	// move to c, then fail c; next candidate is a
	b.healthy.Store(false)
	a.healthy.Store(false)
	if _, err := pool.GetProvider(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.healthy.Store(true)
	c.healthy.Store(false)

	prov, err := pool.GetProvider(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov.Name() != "a" {
		t.Errorf("expected wrap-around to a, got %s", prov.Name())
	}
}

func TestPool_AllUnhealthyKeepsIndex(t *testing.T) {
	a := newMockProvider("a", true)
	b := newMockProvider("b", false)
	pool, _ := NewPool(testPoolConfig(), a, b)

	a.healthy.Store(false)
	_, err := pool.GetProvider(context.Background())
	if !errors.Is(err, ErrAllProvidersUnhealthy) {
		t.Fatalf("expected ErrAllProvidersUnhealthy, got %v", err)
	}
	if pool.ActiveIndex() != 0 {
		t.Errorf("expected active index unchanged, got %d", pool.ActiveIndex())
	}
	if got := pool.Stats().Errors; got != 1 {
		t.Errorf("expected 1 error, got %d", got)
	}
}

func TestPool_ConcurrentFailoverSwitchesOnce(t *testing.T) {
	a := newMockProvider("a", false)
	b := newMockProvider("b", true)
	b.delay = 10 * time.Millisecond
	c := newMockProvider("c", true)
	pool, _ := NewPool(testPoolConfig(), a, b, c)

	var wg sync.WaitGroup
	names := make([]string, 8)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prov, err := pool.GetProvider(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			names[i] = prov.Name()
		}(i)
	}
	wg.Wait()

	for _, n := range names {
		if n != "b" {
			t.Errorf("expected every caller on b, got %s", n)
		}
	}
	if got := pool.Stats().Failovers; got != 1 {
		t.Errorf("expected exactly 1 failover, got %d", got)
	}
}

func TestPool_StreamingURL(t *testing.T) {
	a := newMockProvider("a", true)
	pool, _ := NewPool(testPoolConfig(), a)

	url, err := pool.StreamingURL(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if url != "wss://a.example" {
		t.Errorf("unexpected stream url %s", url)
	}
}

func TestPool_BackgroundCheckFailsOver(t *testing.T) {
	a := newMockProvider("a", true)
	b := newMockProvider("b", true)
	pool, _ := NewPool(testPoolConfig(), a, b)

	a.healthy.Store(false)
	pool.performHealthCheck(context.Background())

	if pool.ActiveIndex() != 1 {
		t.Errorf("expected background check to move to b, got %d", pool.ActiveIndex())
	}
	if b.checks.Load() == 0 {
		t.Error("expected b to be probed")
	}

	eps := pool.Endpoints()
	if eps[0].Healthy || !eps[1].Healthy || !eps[1].Active {
		t.Errorf("unexpected endpoint snapshot: %+v", eps)
	}
}

func TestStreamURLFor(t *testing.T) {
	tests := map[string]string{
		"https://polygon-rpc.com": "wss://polygon-rpc.com",
		"http://localhost:8545":   "ws://localhost:8545",
		"wss://already.ws":        "wss://already.ws",
	}
	for in, want := range tests {
		if got := StreamURLFor(in); got != want {
			t.Errorf("StreamURLFor(%s) = %s, want %s", in, got, want)
		}
	}
}
