package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/polywatch/internal/metrics"
)

// Endpoint is the pool's view of one upstream. Fields are mutated only by
// health checks and failover.
type Endpoint struct {
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Healthy     bool          `json:"healthy"`
	LastChecked time.Time     `json:"last_checked"`
	LastLatency time.Duration `json:"last_latency"`
	Active      bool          `json:"active"`

	provider Provider
}

// PoolConfig controls health checking.
type PoolConfig struct {
	HealthCheckInterval time.Duration
	Timeout             time.Duration
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Requests     uint64 `json:"requests"`
	Errors       uint64 `json:"errors"`
	Failovers    uint64 `json:"failovers"`
	ActiveIndex  int    `json:"active_index"`
	ActiveName   string `json:"active_name"`
	HealthyCount int    `json:"healthy_count"`
}

// Pool holds an ordered list of interchangeable endpoints and an active index.
type Pool struct {
	mu         sync.RWMutex // guards active and endpoint fields
	failoverMu sync.Mutex   // serializes failover scans

	endpoints []*Endpoint
	active    int
	cfg       PoolConfig
	log       *slog.Logger

	requests  atomic.Uint64
	errors    atomic.Uint64
	failovers atomic.Uint64

	stopHealthCheck chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewPool creates a pool. The first provider starts as active.
func NewPool(cfg PoolConfig, providers ...Provider) (*Pool, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	endpoints := make([]*Endpoint, len(providers))
	for i, p := range providers {
		endpoints[i] = &Endpoint{
			Name:     p.Name(),
			URL:      p.URL(),
			Healthy:  true,
			provider: p,
		}
	}

	return &Pool{
		endpoints:       endpoints,
		cfg:             cfg,
		log:             slog.Default().With("component", "provider_pool"),
		stopHealthCheck: make(chan struct{}),
	}, nil
}

// Start launches the background health check of the active endpoint.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.healthCheckLoop(ctx)
}

// Close stops health checks and closes all providers.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopHealthCheck) })
	p.wg.Wait()

	var firstErr error
	for _, ep := range p.endpoints {
		if err := ep.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetProvider health-checks the active endpoint and fails over when it is down.
func (p *Pool) GetProvider(ctx context.Context) (Provider, error) {
	p.requests.Add(1)

	p.mu.RLock()
	idx := p.active
	ep := p.endpoints[idx]
	p.mu.RUnlock()

	err := p.check(ctx, ep)
	if err == nil {
		return ep.provider, nil
	}
	p.log.Warn("Active provider failed health check", "provider", ep.Name, "error", err)

	prov, err := p.failover(ctx, idx)
	if err != nil {
		p.errors.Add(1)
		return nil, err
	}
	return prov, nil
}

// Failover switches away from the current active endpoint.
func (p *Pool) Failover(ctx context.Context) (Provider, error) {
	p.mu.RLock()
	idx := p.active
	p.mu.RUnlock()
	return p.failover(ctx, idx)
}

// failover scans endpoints starting at (failed+1) mod N. Concurrent callers
// that observed the same failure wait for the first scan and reuse its result.
func (p *Pool) failover(ctx context.Context, failed int) (Provider, error) {
	p.failoverMu.Lock()
	defer p.failoverMu.Unlock()

	p.mu.RLock()
	current := p.active
	currentEp := p.endpoints[current]
	healthy := currentEp.Healthy
	p.mu.RUnlock()

	if current != failed && healthy {
		return currentEp.provider, nil
	}

	n := len(p.endpoints)
	for i := 1; i < n; i++ {
		idx := (failed + i) % n
		ep := p.endpoints[idx]
		if err := p.check(ctx, ep); err != nil {
			p.log.Debug("Failover candidate unhealthy", "provider", ep.Name, "error", err)
			continue
		}

		p.mu.Lock()
		from := p.endpoints[p.active].Name
		p.active = idx
		p.mu.Unlock()

		p.failovers.Add(1)
		metrics.ProviderFailovers.WithLabelValues(from, ep.Name).Inc()
		p.log.Info("Provider failover", "from", from, "to", ep.Name)
		return ep.provider, nil
	}

	return nil, fmt.Errorf("%w: tried %d endpoints", ErrAllProvidersUnhealthy, n)
}

// StreamingURL returns the websocket URL of the (possibly new) active endpoint.
func (p *Pool) StreamingURL(ctx context.Context) (string, error) {
	prov, err := p.GetProvider(ctx)
	if err != nil {
		return "", err
	}
	return prov.StreamURL(), nil
}

// TestConnection performs a one-shot end-to-end sanity call.
func (p *Pool) TestConnection(ctx context.Context) (uint64, error) {
	prov, err := p.GetProvider(ctx)
	if err != nil {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	block, err := prov.BlockNumber(cctx)
	if err != nil {
		return 0, fmt.Errorf("test call on %s: %w", prov.Name(), err)
	}
	if _, err := prov.Balance(cctx, "0x0000000000000000000000000000000000000000"); err != nil {
		return 0, fmt.Errorf("balance call on %s: %w", prov.Name(), err)
	}
	return block, nil
}

// ActiveIndex returns the current active endpoint index.
func (p *Pool) ActiveIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Endpoints returns a snapshot of all endpoints.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
		out[i].provider = nil
		out[i].Active = i == p.active
	}
	return out
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			healthy++
		}
	}
	return PoolStats{
		Requests:     p.requests.Load(),
		Errors:       p.errors.Load(),
		Failovers:    p.failovers.Load(),
		ActiveIndex:  p.active,
		ActiveName:   p.endpoints[p.active].Name,
		HealthyCount: healthy,
	}
}

func (p *Pool) check(ctx context.Context, ep *Endpoint) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := ep.provider.BlockNumber(cctx)
	latency := time.Since(start)

	p.mu.Lock()
	ep.Healthy = err == nil
	ep.LastChecked = time.Now()
	ep.LastLatency = latency
	p.mu.Unlock()

	if err == nil {
		metrics.ProviderHealthy.WithLabelValues(ep.Name).Set(1)
	} else {
		metrics.ProviderHealthy.WithLabelValues(ep.Name).Set(0)
	}
	return err
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopHealthCheck:
			return
		case <-ticker.C:
			p.performHealthCheck(ctx)
		}
	}
}

// performHealthCheck re-checks only the active endpoint.
func (p *Pool) performHealthCheck(ctx context.Context) {
	p.mu.RLock()
	idx := p.active
	ep := p.endpoints[idx]
	p.mu.RUnlock()

	if err := p.check(ctx, ep); err == nil {
		return
	}
	if _, err := p.failover(ctx, idx); err != nil {
		p.log.Error("Background failover failed", "error", err)
	}
}
