package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/polywatch/internal/analysis/anomaly"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/core/worker"
	"github.com/vietddude/polywatch/internal/metrics"
)

// WhaleRefresher recomputes every known wallet profile.
type WhaleRefresher interface {
	UpdateAllWhales(ctx context.Context, batchSize int, onProgress func(pct float64)) (int, error)
}

// AnomalyBatcher drains the deferred anomaly queue.
type AnomalyBatcher interface {
	RunBatch(ctx context.Context) ([]anomaly.BatchFinding, error)
	GetAdaptiveInterval(ctx context.Context) time.Duration
	Pending() int
}

// AlertDispatcher turns findings into persisted, delivered alerts.
type AlertDispatcher interface {
	AnomalyAlert(f *domain.AnomalyFinding, tx *domain.TransactionRecord) *domain.Alert
	DispatchAlerts(ctx context.Context, alerts ...*domain.Alert)
}

// BatchConfig controls the periodic jobs.
type BatchConfig struct {
	WhaleInterval  time.Duration
	WhaleBatchSize int
	AlertSeverity  domain.Severity // minimum severity that raises an alert
}

// BatchWorker runs the periodic whale refresh and the adaptive anomaly
// batch. Both loops stop with the context passed to Start.
type BatchWorker struct {
	cfg       BatchConfig
	whales    WhaleRefresher
	anomalies AnomalyBatcher
	alerts    AlertDispatcher
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewBatchWorker creates the worker.
func NewBatchWorker(cfg BatchConfig, whales WhaleRefresher, anomalies AnomalyBatcher, alerts AlertDispatcher) *BatchWorker {
	if cfg.WhaleInterval <= 0 {
		cfg.WhaleInterval = time.Hour
	}
	if cfg.WhaleBatchSize <= 0 {
		cfg.WhaleBatchSize = 50
	}
	if cfg.AlertSeverity == domain.SeverityNone {
		cfg.AlertSeverity = domain.SeverityHigh
	}
	return &BatchWorker{
		cfg:       cfg,
		whales:    whales,
		anomalies: anomalies,
		alerts:    alerts,
		log:       slog.Default().With("component", "batch"),
	}
}

// Start launches both loops.
func (b *BatchWorker) Start(ctx context.Context) {
	whaleJob := worker.NewPeriodic("update_whales",
		func() time.Duration { return b.cfg.WhaleInterval },
		b.RunWhaleUpdate,
	)
	anomalyJob := worker.NewPeriodic("anomaly_batch",
		func() time.Duration { return b.anomalies.GetAdaptiveInterval(ctx) },
		b.RunAnomalyBatch,
	)

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		whaleJob.Start(ctx)
	}()
	go func() {
		defer b.wg.Done()
		anomalyJob.Start(ctx)
	}()
	b.log.Info("Batch worker started", "whale_interval", b.cfg.WhaleInterval)
}

// Wait blocks until both loops have exited.
func (b *BatchWorker) Wait() {
	b.wg.Wait()
}

// RunWhaleUpdate refreshes all wallet profiles once.
func (b *BatchWorker) RunWhaleUpdate(ctx context.Context) error {
	start := time.Now()
	n, err := b.whales.UpdateAllWhales(ctx, b.cfg.WhaleBatchSize, func(pct float64) {
		b.log.Debug("Whale update progress", "percent", pct)
	})
	if err != nil {
		metrics.BatchRuns.WithLabelValues("update_whales", "error").Inc()
		return err
	}
	metrics.BatchRuns.WithLabelValues("update_whales", "ok").Inc()
	b.log.Info("Whale profiles refreshed", "wallets", n, "duration", time.Since(start))
	return nil
}

// RunAnomalyBatch checks the queued NORMAL transactions and alerts on
// findings at or above the configured severity.
func (b *BatchWorker) RunAnomalyBatch(ctx context.Context) error {
	defer func() { metrics.AnomalyQueueDepth.Set(float64(b.anomalies.Pending())) }()

	found, err := b.anomalies.RunBatch(ctx)
	if err != nil {
		metrics.BatchRuns.WithLabelValues("anomaly_batch", "error").Inc()
		return err
	}
	metrics.BatchRuns.WithLabelValues("anomaly_batch", "ok").Inc()

	for _, bf := range found {
		b.HandleFinding(ctx, bf.Finding, bf.Tx)
	}
	return nil
}

// HandleFinding dispatches an alert for f when it is severe enough. It also
// serves as the detector's handler for delayed flash whale findings.
func (b *BatchWorker) HandleFinding(ctx context.Context, f *domain.AnomalyFinding, tx *domain.TransactionRecord) {
	if f == nil || !f.Detected || f.Severity < b.cfg.AlertSeverity {
		return
	}
	b.alerts.DispatchAlerts(ctx, b.alerts.AnomalyAlert(f, tx))
}
