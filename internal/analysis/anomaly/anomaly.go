// Package anomaly detects coordinated betting, sudden reversals and flash
// whale round-trips on individual trades.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/polywatch/internal/analysis"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/core/worker"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/metrics"
)

const (
	coordinatedWindow = time.Minute
	reversalWindow    = 5 * time.Minute
	throughputWindow  = time.Minute
)

// Config holds detection thresholds.
type Config struct {
	CriticalAmount         float64
	CoordinatedMinWallets  int
	ReversalShiftThreshold float64
	FlashWhaleRatio        float64
	FlashWhaleDelay        time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalAmount:         100_000,
		CoordinatedMinWallets:  5,
		ReversalShiftThreshold: 30,
		FlashWhaleRatio:        0.5,
		FlashWhaleDelay:        60 * time.Second,
	}
}

// FindingHandler receives findings produced outside CheckTransaction.
type FindingHandler func(ctx context.Context, finding *domain.AnomalyFinding, tx *domain.TransactionRecord)

// Stats is a snapshot of detector counters.
type Stats struct {
	Checks        uint64 `json:"checks"`
	Detections    uint64 `json:"detections"`
	FlashChecks   uint64 `json:"flash_checks"`
	Pending       int    `json:"pending"`
	DelayedQueued int    `json:"delayed_queued"`
}

// Detector runs anomaly checks and persists what it finds.
type Detector struct {
	txs       storage.TransactionRepository
	anomalies storage.AnomalyRepository
	delayer   *worker.Delayer
	cfg       Config
	now       func() time.Time
	log       *slog.Logger

	onDeferred FindingHandler

	mu      sync.Mutex
	pending []*domain.TransactionRecord

	checks      atomic.Uint64
	detections  atomic.Uint64
	flashChecks atomic.Uint64
}

// New creates an anomaly detector. Flash whale checks are scheduled on
// delayer.
func New(txs storage.TransactionRepository, anomalies storage.AnomalyRepository, delayer *worker.Delayer, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.CriticalAmount <= 0 {
		cfg.CriticalAmount = def.CriticalAmount
	}
	if cfg.CoordinatedMinWallets <= 0 {
		cfg.CoordinatedMinWallets = def.CoordinatedMinWallets
	}
	if cfg.ReversalShiftThreshold <= 0 {
		cfg.ReversalShiftThreshold = def.ReversalShiftThreshold
	}
	if cfg.FlashWhaleRatio <= 0 {
		cfg.FlashWhaleRatio = def.FlashWhaleRatio
	}
	if cfg.FlashWhaleDelay <= 0 {
		cfg.FlashWhaleDelay = def.FlashWhaleDelay
	}
	return &Detector{
		txs:       txs,
		anomalies: anomalies,
		delayer:   delayer,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default().With("component", "anomaly"),
	}
}

// OnDeferredFinding registers fn for flash whale findings detected after the
// delay. It must be set before the first check.
func (d *Detector) OnDeferredFinding(fn FindingHandler) {
	d.onDeferred = fn
}

// CheckTransaction runs the coordinated betting and reversal checks and,
// for CRITICAL priority, schedules a flash whale check. It returns the most
// severe detection or a negative result. Detections are persisted.
func (d *Detector) CheckTransaction(ctx context.Context, tx *domain.TransactionRecord, priority domain.Priority) (*domain.AnomalyFinding, error) {
	d.checks.Add(1)
	if !tx.IsTrade() || tx.MarketID == "" {
		return domain.NoAnomaly(), nil
	}

	coordinated, err := d.checkCoordinated(ctx, tx)
	if err != nil {
		return nil, err
	}
	reversal, err := d.checkReversal(ctx, tx)
	if err != nil {
		return nil, err
	}
	if priority == domain.PriorityCritical {
		d.scheduleFlashWhale(ctx, tx)
	}

	best := domain.NoAnomaly()
	for _, f := range []*domain.AnomalyFinding{coordinated, reversal} {
		if f.Detected && (!best.Detected || f.Severity > best.Severity) {
			best = f
		}
	}
	if !best.Detected {
		return best, nil
	}

	d.record(ctx, best)
	return best, nil
}

func (d *Detector) record(ctx context.Context, f *domain.AnomalyFinding) {
	d.detections.Add(1)
	metrics.AnomaliesDetected.WithLabelValues(string(f.Pattern), f.Severity.String()).Inc()

	f.ID = uuid.NewString()
	if f.DetectedAt.IsZero() {
		f.DetectedAt = d.now()
	}
	if err := d.anomalies.Save(ctx, f); err != nil {
		d.log.Warn("Failed to persist anomaly", "pattern", f.Pattern, "market", f.MarketID, "error", err)
	}
	d.log.Info("Anomaly detected",
		"pattern", f.Pattern,
		"severity", f.Severity.String(),
		"market", f.MarketID,
		"tx", f.TxHash,
	)
}

func (d *Detector) finding(tx *domain.TransactionRecord, p domain.AnomalyPattern, sev domain.Severity, m map[string]any) *domain.AnomalyFinding {
	return &domain.AnomalyFinding{
		Detected:   true,
		Pattern:    p,
		Severity:   sev,
		MarketID:   tx.MarketID,
		TxHash:     tx.TxHash,
		Metrics:    m,
		DetectedAt: d.now(),
	}
}

// anchor is the end of the windows a trade is judged against. Queued and
// replayed trades are checked against the market as it was when they
// happened.
func (d *Detector) anchor(tx *domain.TransactionRecord) time.Time {
	if tx.Timestamp.IsZero() {
		return d.now()
	}
	return tx.Timestamp
}

// checkCoordinated counts distinct wallets on the same market outcome in the
// minute leading up to tx.
func (d *Detector) checkCoordinated(ctx context.Context, tx *domain.TransactionRecord) (*domain.AnomalyFinding, error) {
	at := d.anchor(tx)
	count, err := d.txs.DistinctWallets(ctx, tx.MarketID, tx.Outcome, at.Add(-coordinatedWindow), at)
	if err != nil {
		return nil, fmt.Errorf("distinct wallets %s: %w", tx.MarketID, err)
	}
	if count < d.cfg.CoordinatedMinWallets {
		return domain.NoAnomaly(), nil
	}

	return d.finding(tx, domain.PatternCoordinatedBetting, coordinatedSeverity(count), map[string]any{
		"wallet_count": count,
		"outcome":      tx.Outcome,
		"window_sec":   int(coordinatedWindow.Seconds()),
	}), nil
}

func coordinatedSeverity(count int) domain.Severity {
	switch {
	case count > 20:
		return domain.SeverityCritical
	case count > 10:
		return domain.SeverityHigh
	case count > 5:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// checkReversal flags a change of dominant outcome between the two 5-minute
// windows ending at tx when the new leader gained more than the threshold.
func (d *Detector) checkReversal(ctx context.Context, tx *domain.TransactionRecord) (*domain.AnomalyFinding, error) {
	at := d.anchor(tx)
	cur, err := d.txs.OutcomeStats(ctx, tx.MarketID, at.Add(-reversalWindow), at)
	if err != nil {
		return nil, fmt.Errorf("current window %s: %w", tx.MarketID, err)
	}
	prev, err := d.txs.OutcomeStats(ctx, tx.MarketID, at.Add(-2*reversalWindow), at.Add(-reversalWindow))
	if err != nil {
		return nil, fmt.Errorf("previous window %s: %w", tx.MarketID, err)
	}

	curW, prevW := analysis.Summarize(cur), analysis.Summarize(prev)
	if curW.Count == 0 || prevW.Count == 0 {
		return domain.NoAnomaly(), nil
	}

	curDom, curPct := curW.Dominant()
	prevDom, prevPct := prevW.Dominant()
	shift := analysis.Round2(curPct - prevW.Share(curDom))
	if curDom == prevDom || shift <= d.cfg.ReversalShiftThreshold {
		return domain.NoAnomaly(), nil
	}

	return d.finding(tx, domain.PatternSuddenReversal, reversalSeverity(shift), map[string]any{
		"previous_dominant":   prevDom,
		"previous_percentage": analysis.Round2(prevPct),
		"current_dominant":    curDom,
		"current_percentage":  analysis.Round2(curPct),
		"shift":               shift,
	}), nil
}

func reversalSeverity(shift float64) domain.Severity {
	switch {
	case shift > 70:
		return domain.SeverityCritical
	case shift > 50:
		return domain.SeverityHigh
	case shift > 30:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// scheduleFlashWhale queues a check of the wallet's opposite-outcome volume
// in the delay window following tx. The check fires when that window has
// closed, immediately for replayed trades. The caller never sees its result.
func (d *Detector) scheduleFlashWhale(ctx context.Context, tx *domain.TransactionRecord) {
	amount := tx.AmountFloat()
	opposite := analysis.Opposite(tx.Outcome)
	if amount < d.cfg.CriticalAmount || opposite == "" || d.delayer == nil {
		return
	}

	snapshot := *tx
	snapshot.Timestamp = d.anchor(tx)
	wait := max(snapshot.Timestamp.Add(d.cfg.FlashWhaleDelay).Sub(d.now()), 0)
	d.delayer.Schedule(context.WithoutCancel(ctx), "flash_whale:"+tx.TxHash, wait,
		func(ctx context.Context) {
			d.checkFlashWhale(ctx, &snapshot, opposite)
		})
}

func (d *Detector) checkFlashWhale(ctx context.Context, tx *domain.TransactionRecord, opposite string) {
	d.flashChecks.Add(1)
	amount := tx.AmountFloat()

	vol, err := d.txs.WalletOutcomeVolume(ctx, tx.Wallet, tx.MarketID, opposite, tx.Timestamp, tx.Timestamp.Add(d.cfg.FlashWhaleDelay))
	if err != nil {
		d.log.Warn("Flash whale check failed", "tx", tx.TxHash, "error", err)
		return
	}
	ratio := vol / amount
	if ratio <= d.cfg.FlashWhaleRatio {
		return
	}

	sev := domain.SeverityHigh
	if ratio >= 1 {
		sev = domain.SeverityCritical
	}
	f := d.finding(tx, domain.PatternFlashWhale, sev, map[string]any{
		"wallet":          tx.Wallet,
		"original_amount": amount,
		"opposite_volume": vol,
		"ratio":           analysis.Round2(ratio),
	})
	d.record(ctx, f)

	if d.onDeferred != nil {
		d.onDeferred(ctx, f, tx)
	}
}

// Enqueue defers tx to the next batch run.
func (d *Detector) Enqueue(tx *domain.TransactionRecord) {
	d.mu.Lock()
	d.pending = append(d.pending, tx)
	d.mu.Unlock()
}

// Pending returns the number of queued transactions.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// BatchFinding pairs a detection with the transaction that triggered it.
type BatchFinding struct {
	Finding *domain.AnomalyFinding
	Tx      *domain.TransactionRecord
}

// RunBatch drains the queue and checks each transaction at NORMAL
// priority. A failed check is logged and skipped.
func (d *Detector) RunBatch(ctx context.Context) ([]BatchFinding, error) {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	var found []BatchFinding
	for i, tx := range batch {
		if err := ctx.Err(); err != nil {
			d.requeue(batch[i:])
			return found, err
		}
		f, err := d.CheckTransaction(ctx, tx, domain.PriorityNormal)
		if err != nil {
			d.log.Warn("Batch anomaly check failed", "tx", tx.TxHash, "error", err)
			continue
		}
		if f.Detected {
			found = append(found, BatchFinding{Finding: f, Tx: tx})
		}
	}

	d.log.Debug("Anomaly batch complete", "checked", len(batch), "detected", len(found))
	return found, nil
}

func (d *Detector) requeue(txs []*domain.TransactionRecord) {
	d.mu.Lock()
	d.pending = append(txs, d.pending...)
	d.mu.Unlock()
}

// GetAdaptiveInterval picks the batch cadence from the last minute's event
// throughput.
func (d *Detector) GetAdaptiveInterval(ctx context.Context) time.Duration {
	n, err := d.txs.CountSince(ctx, d.now().Add(-throughputWindow))
	if err != nil {
		d.log.Warn("Throughput query failed", "error", err)
		return 60 * time.Second
	}
	return intervalFor(n)
}

func intervalFor(perMinute int) time.Duration {
	switch {
	case perMinute > 100:
		return 15 * time.Second
	case perMinute > 20:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// Stats returns a snapshot of detector counters.
func (d *Detector) Stats() Stats {
	s := Stats{
		Checks:      d.checks.Load(),
		Detections:  d.detections.Load(),
		FlashChecks: d.flashChecks.Load(),
		Pending:     d.Pending(),
	}
	if d.delayer != nil {
		s.DelayedQueued = d.delayer.Pending()
	}
	return s
}
