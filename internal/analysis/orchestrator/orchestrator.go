// Package orchestrator routes each saved trade through the analyzers and
// turns their results into alerts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/polywatch/internal/alert"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/metrics"
)

// WhaleTracker is the whale detector surface used here.
type WhaleTracker interface {
	IsWhale(ctx context.Context, address string) (bool, error)
	CheckAndUpdateWhaleStatus(ctx context.Context, address string) (bool, error)
}

// MarketAnalyzer produces sentiment snapshots.
type MarketAnalyzer interface {
	AnalyzeMarket(ctx context.Context, marketID string) (*domain.MarketSentimentSnapshot, error)
}

// AnomalyChecker runs inline checks and accepts deferred work.
type AnomalyChecker interface {
	CheckTransaction(ctx context.Context, tx *domain.TransactionRecord, priority domain.Priority) (*domain.AnomalyFinding, error)
	Enqueue(tx *domain.TransactionRecord)
}

// AlertSender delivers alerts.
type AlertSender interface {
	SendAlert(ctx context.Context, a *domain.Alert) (alert.Outcome, error)
}

// Config holds routing and alert thresholds.
type Config struct {
	CriticalAmount   float64
	WhaleAlertAmount float64
	SlowThreshold    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalAmount:   100_000,
		WhaleAlertAmount: 250_000,
		SlowThreshold:    5 * time.Second,
	}
}

// Result is the analysis outcome for one transaction. Analyzer failures are
// reported through the Unavailable flags instead of an error.
type Result struct {
	Tx                   *domain.TransactionRecord       `json:"tx"`
	Priority             domain.Priority                 `json:"priority"`
	IsWhale              bool                            `json:"is_whale"`
	Sentiment            *domain.MarketSentimentSnapshot `json:"sentiment,omitempty"`
	SentimentUnavailable bool                            `json:"sentiment_unavailable,omitempty"`
	Anomaly              *domain.AnomalyFinding          `json:"anomaly,omitempty"`
	AnomalyDeferred      bool                            `json:"anomaly_deferred,omitempty"`
	AnomalyUnavailable   bool                            `json:"anomaly_unavailable,omitempty"`
	Alerts               []*domain.Alert                 `json:"alerts,omitempty"`
	Duration             time.Duration                   `json:"duration"`
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	Processed     uint64 `json:"processed"`
	Critical      uint64 `json:"critical"`
	Deferred      uint64 `json:"deferred"`
	AlertsCreated uint64 `json:"alerts_created"`
	Slow          uint64 `json:"slow"`
}

// Orchestrator wires the analyzers together.
type Orchestrator struct {
	whales    WhaleTracker
	sentiment MarketAnalyzer
	anomalies AnomalyChecker
	sender    AlertSender
	alerts    storage.AlertRepository
	cfg       Config
	now       func() time.Time
	log       *slog.Logger

	wg sync.WaitGroup

	processed     atomic.Uint64
	critical      atomic.Uint64
	deferred      atomic.Uint64
	alertsCreated atomic.Uint64
	slow          atomic.Uint64
}

// New creates an orchestrator. alerts may be nil to skip persistence.
func New(whales WhaleTracker, sentiment MarketAnalyzer, anomalies AnomalyChecker, sender AlertSender, alerts storage.AlertRepository, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.CriticalAmount <= 0 {
		cfg.CriticalAmount = def.CriticalAmount
	}
	if cfg.WhaleAlertAmount <= 0 {
		cfg.WhaleAlertAmount = def.WhaleAlertAmount
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	return &Orchestrator{
		whales:    whales,
		sentiment: sentiment,
		anomalies: anomalies,
		sender:    sender,
		alerts:    alerts,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default().With("component", "orchestrator"),
	}
}

// ProcessTransaction analyzes tx and dispatches any alerts it triggers.
// Alert delivery and the whale status update run in the background.
func (o *Orchestrator) ProcessTransaction(ctx context.Context, tx *domain.TransactionRecord) (*Result, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	start := o.now()
	o.processed.Add(1)

	res := &Result{Tx: tx}
	res.Priority, res.IsWhale = o.classify(ctx, tx)
	if res.Priority == domain.PriorityCritical {
		o.critical.Add(1)
	}

	snap, err := o.sentiment.AnalyzeMarket(ctx, tx.MarketID)
	if err != nil {
		metrics.AnalyzerErrors.WithLabelValues("sentiment").Inc()
		o.log.Warn("Sentiment unavailable", "market", tx.MarketID, "tx", tx.TxHash, "error", err)
		res.SentimentUnavailable = true
	} else {
		res.Sentiment = snap
	}

	if res.Priority == domain.PriorityCritical {
		finding, err := o.anomalies.CheckTransaction(ctx, tx, res.Priority)
		if err != nil {
			metrics.AnalyzerErrors.WithLabelValues("anomaly").Inc()
			o.log.Warn("Anomaly check unavailable", "tx", tx.TxHash, "error", err)
			res.AnomalyUnavailable = true
		} else {
			res.Anomaly = finding
		}
	} else {
		o.anomalies.Enqueue(tx)
		o.deferred.Add(1)
		res.AnomalyDeferred = true
	}

	o.updateWhale(ctx, tx.Wallet)

	res.Alerts = o.GenerateAlerts(res)
	o.dispatch(ctx, res.Alerts)

	res.Duration = o.now().Sub(start)
	metrics.PipelineDuration.WithLabelValues(string(res.Priority)).Observe(res.Duration.Seconds())
	if res.Duration > o.cfg.SlowThreshold {
		o.slow.Add(1)
		o.log.Warn("Slow transaction analysis", "tx", tx.TxHash, "priority", res.Priority, "duration", res.Duration)
	}
	return res, nil
}

// classify marks large bets and whale wallets CRITICAL.
func (o *Orchestrator) classify(ctx context.Context, tx *domain.TransactionRecord) (domain.Priority, bool) {
	isWhale, err := o.whales.IsWhale(ctx, tx.Wallet)
	if err != nil {
		metrics.AnalyzerErrors.WithLabelValues("whale").Inc()
		o.log.Warn("Whale lookup failed", "wallet", tx.Wallet, "error", err)
	}
	if tx.AmountFloat() >= o.cfg.CriticalAmount || isWhale {
		return domain.PriorityCritical, isWhale
	}
	return domain.PriorityNormal, isWhale
}

func (o *Orchestrator) updateWhale(ctx context.Context, wallet string) {
	if wallet == "" {
		return
	}
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.whales.CheckAndUpdateWhaleStatus(bg, wallet); err != nil {
			o.log.Warn("Whale status update failed", "wallet", wallet, "error", err)
		}
	}()
}

// GenerateAlerts evaluates every alert rule independently against res.
func (o *Orchestrator) GenerateAlerts(res *Result) []*domain.Alert {
	tx := res.Tx
	var out []*domain.Alert

	if amount := tx.AmountFloat(); amount >= o.cfg.WhaleAlertAmount {
		sev := domain.SeverityHigh
		if amount >= 4*o.cfg.WhaleAlertAmount {
			sev = domain.SeverityCritical
		}
		out = append(out, o.newAlert(domain.AlertWhaleBet, sev,
			"Whale bet",
			fmt.Sprintf("%s bet $%.2f on %s", shortAddr(tx.Wallet), amount, tx.Outcome),
			map[string]any{
				"wallet":    tx.Wallet,
				"amount":    amount,
				"market_id": tx.MarketID,
				"outcome":   tx.Outcome,
				"side":      string(tx.Side),
				"tx_hash":   tx.TxHash,
				"is_whale":  res.IsWhale,
			}))
	}

	if snap := res.Sentiment; snap != nil {
		if spike := snap.VolumeSpike; spike.Detected {
			sev := domain.SeverityMedium
			if spike.Percentage >= 500 {
				sev = domain.SeverityHigh
			}
			out = append(out, o.newAlert(domain.AlertVolumeSpike, sev,
				"Volume spike",
				fmt.Sprintf("Hourly volume up %.2f%% over baseline", spike.Percentage),
				map[string]any{
					"market_id":      tx.MarketID,
					"percentage":     spike.Percentage,
					"current_volume": spike.CurrentVolume,
					"baseline":       spike.Baseline,
				}))
		}
		if shift := snap.SentimentShift; shift.Detected {
			sev := domain.SeverityMedium
			if math.Abs(shift.Delta) >= 25 {
				sev = domain.SeverityHigh
			}
			out = append(out, o.newAlert(domain.AlertSentimentShift, sev,
				"Sentiment shift",
				fmt.Sprintf("%s moved from %.2f%% to %.2f%%", shift.DominantOutcome, shift.PreviousPercentage, shift.CurrentPercentage),
				map[string]any{
					"market_id":           tx.MarketID,
					"dominant_outcome":    shift.DominantOutcome,
					"previous_percentage": shift.PreviousPercentage,
					"current_percentage":  shift.CurrentPercentage,
					"delta":               shift.Delta,
				}))
		}
	}

	if f := res.Anomaly; f != nil && f.Detected && f.Severity >= domain.SeverityHigh {
		out = append(out, o.AnomalyAlert(f, tx))
	}
	return out
}

// AnomalyAlert builds the alert for an anomaly finding.
func (o *Orchestrator) AnomalyAlert(f *domain.AnomalyFinding, tx *domain.TransactionRecord) *domain.Alert {
	fields := map[string]any{
		"pattern":   string(f.Pattern),
		"market_id": f.MarketID,
		"tx_hash":   f.TxHash,
	}
	for k, v := range f.Metrics {
		fields[k] = v
	}
	if tx != nil && tx.Wallet != "" {
		fields["wallet"] = tx.Wallet
	}
	return o.newAlert(domain.AlertAnomaly, f.Severity,
		"Anomaly: "+strings.ReplaceAll(string(f.Pattern), "_", " "),
		fmt.Sprintf("%s anomaly on market %s", f.Severity, f.MarketID),
		fields)
}

func (o *Orchestrator) newAlert(t domain.AlertType, sev domain.Severity, title, msg string, fields map[string]any) *domain.Alert {
	a := &domain.Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Title:     title,
		Message:   msg,
		Context:   fields,
		CreatedAt: o.now(),
	}
	a.Fingerprint = alert.Fingerprint(a)
	return a
}

// DispatchAlerts persists and sends alerts created outside ProcessTransaction.
func (o *Orchestrator) DispatchAlerts(ctx context.Context, alerts ...*domain.Alert) {
	o.dispatch(ctx, alerts)
}

// dispatch persists each alert and sends it in the background. An alert
// that cannot be persisted is dropped.
func (o *Orchestrator) dispatch(ctx context.Context, alerts []*domain.Alert) {
	bg := context.WithoutCancel(ctx)
	for _, a := range alerts {
		if o.alerts != nil {
			if err := o.alerts.Create(ctx, a); err != nil {
				o.log.Error("Failed to persist alert, skipping", "type", a.Type, "error", err)
				continue
			}
		}
		o.alertsCreated.Add(1)

		o.wg.Add(1)
		go func(a *domain.Alert) {
			defer o.wg.Done()
			if _, err := o.sender.SendAlert(bg, a); err != nil {
				o.log.Warn("Alert not delivered", "type", a.Type, "id", a.ID, "error", err)
			}
		}(a)
	}
}

// Wait blocks until background work finishes.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stats returns a snapshot of orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:     o.processed.Load(),
		Critical:      o.critical.Load(),
		Deferred:      o.deferred.Load(),
		AlertsCreated: o.alertsCreated.Load(),
		Slow:          o.slow.Load(),
	}
}

func shortAddr(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:6] + "..." + a[len(a)-4:]
}
