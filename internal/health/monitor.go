package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/polywatch/internal/infra/rpc/provider"
	"github.com/vietddude/polywatch/internal/ingest/subscriber"
)

// Check reports the health of one component.
type Check func(ctx context.Context) ComponentHealth

// Monitor aggregates health status from registered checks. Reports are
// reused for ttl to keep probes off the RPC budget.
type Monitor struct {
	ttl        time.Duration
	names      []string
	checks     map[string]Check
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(ttl time.Duration) *Monitor {
	return &Monitor{
		ttl:    ttl,
		checks: make(map[string]Check),
	}
}

// Register adds a named check. Registering a name twice replaces it.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[name]; !ok {
		m.names = append(m.names, name)
	}
	m.checks[name] = check
	m.lastReport = nil
}

// CheckHealth runs every check. The worst component status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.ttl {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.names)),
		CheckedAt:    time.Now(),
	}
	for _, name := range m.names {
		ch := m.checks[name](ctx)
		ch.Name = name
		if ch.Status == "" {
			ch.Status = StatusHealthy
		}
		report.Components[name] = ch
		if ch.Status.rank() > report.SystemStatus.rank() {
			report.SystemStatus = ch.Status
		}
	}

	m.lastCheck = report.CheckedAt
	m.lastReport = &report
	return report
}

// PoolSource is the provider pool surface used by PoolCheck.
type PoolSource interface {
	Stats() provider.PoolStats
	Endpoints() []provider.Endpoint
}

type endpointView struct {
	Name        string        `json:"name"`
	Healthy     bool          `json:"healthy"`
	Active      bool          `json:"active"`
	LastChecked time.Time     `json:"last_checked"`
	LastLatency time.Duration `json:"last_latency"`
}

// PoolCheck is critical when no endpoint is healthy.
func PoolCheck(pool PoolSource) Check {
	return func(ctx context.Context) ComponentHealth {
		stats := pool.Stats()
		eps := pool.Endpoints()
		views := make([]endpointView, 0, len(eps))
		for _, ep := range eps {
			views = append(views, endpointView{
				Name:        ep.Name,
				Healthy:     ep.Healthy,
				Active:      ep.Active,
				LastChecked: ep.LastChecked,
				LastLatency: ep.LastLatency,
			})
		}

		ch := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"stats":     stats,
				"endpoints": views,
			},
		}
		switch {
		case stats.HealthyCount == 0:
			ch.Status = StatusCritical
			ch.Message = "no healthy endpoint"
		case stats.HealthyCount < len(eps):
			ch.Status = StatusDegraded
			ch.Message = fmt.Sprintf("%d/%d endpoints healthy", stats.HealthyCount, len(eps))
		}
		return ch
	}
}

// SubscriberSource is the subscriber surface used by SubscriberCheck.
type SubscriberSource interface {
	Stats() subscriber.Stats
}

// SubscriberCheck is critical when the subscriber halted and degraded while
// it is not listening.
func SubscriberCheck(sub SubscriberSource) Check {
	return func(ctx context.Context) ComponentHealth {
		stats := sub.Stats()
		ch := ComponentHealth{Status: StatusHealthy, Details: stats}
		switch stats.State {
		case subscriber.StateHalted:
			ch.Status = StatusCritical
			ch.Message = "subscriber halted, restart required"
		case subscriber.StateListening:
		default:
			ch.Status = StatusDegraded
			ch.Message = "subscriber " + string(stats.State)
		}
		return ch
	}
}

// PingCheck is degraded when ping fails.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := ping(pctx); err != nil {
			return ComponentHealth{Status: StatusDegraded, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// StatsCheck always reports healthy and exposes counters.
func StatsCheck(stats func() any) Check {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy, Details: stats()}
	}
}
