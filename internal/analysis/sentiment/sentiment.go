// Package sentiment computes per-market outcome sentiment, volume spikes and
// short-window sentiment shifts.
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/vietddude/polywatch/internal/analysis"
	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/cache"
	"github.com/vietddude/polywatch/internal/infra/storage"
)

const (
	ReasonInsufficientBaseline     = "insufficient_baseline"
	ReasonInsufficientTransactions = "insufficient_transactions"

	analysisWindow = time.Hour
	baselineWindow = 24 * time.Hour
	shiftWindow    = 5 * time.Minute
)

// Config holds detection thresholds and cache TTLs.
type Config struct {
	SpikeThreshold  float64 // percent increase over baseline
	ShiftThreshold  float64 // absolute percentage-point change
	MinTransactions int     // per shift window
	SnapshotTTL     time.Duration
	BaselineTTL     time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SpikeThreshold:  200,
		ShiftThreshold:  10,
		MinTransactions: 3,
		SnapshotTTL:     60 * time.Second,
		BaselineTTL:     5 * time.Minute,
	}
}

// Analyzer reads trade aggregates and caches its results.
type Analyzer struct {
	txs   storage.TransactionRepository
	cache *cache.Cache
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

// New creates a sentiment analyzer.
func New(txs storage.TransactionRepository, c *cache.Cache, cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = def.SpikeThreshold
	}
	if cfg.ShiftThreshold <= 0 {
		cfg.ShiftThreshold = def.ShiftThreshold
	}
	if cfg.MinTransactions <= 0 {
		cfg.MinTransactions = def.MinTransactions
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if cfg.BaselineTTL <= 0 {
		cfg.BaselineTTL = def.BaselineTTL
	}
	return &Analyzer{
		txs:   txs,
		cache: c,
		cfg:   cfg,
		now:   time.Now,
		log:   slog.Default().With("component", "sentiment"),
	}
}

// AnalyzeMarket returns the sentiment snapshot for marketID over the last
// hour, served from cache when fresh.
func (a *Analyzer) AnalyzeMarket(ctx context.Context, marketID string) (*domain.MarketSentimentSnapshot, error) {
	return cache.GetOrCompute(ctx, a.cache, "sentiment:"+marketID, a.cfg.SnapshotTTL,
		func(ctx context.Context) (*domain.MarketSentimentSnapshot, error) {
			return a.computeSnapshot(ctx, marketID)
		})
}

func (a *Analyzer) computeSnapshot(ctx context.Context, marketID string) (*domain.MarketSentimentSnapshot, error) {
	now := a.now()
	stats, err := a.txs.OutcomeStats(ctx, marketID, now.Add(-analysisWindow), now)
	if err != nil {
		return nil, fmt.Errorf("outcome stats %s: %w", marketID, err)
	}
	w := analysis.Summarize(stats)

	snap := &domain.MarketSentimentSnapshot{
		MarketID:    marketID,
		Outcomes:    make(map[string]domain.OutcomeSentiment, len(w.Stats)),
		TotalVolume: w.Volume,
		ComputedAt:  now,
	}
	for outcome, s := range w.Stats {
		o := domain.OutcomeSentiment{Volume: s.Volume, Count: s.Count}
		if s.Count > 0 {
			o.AvgBet = analysis.Round2(s.Volume / float64(s.Count))
		}
		snap.Outcomes[outcome] = o
	}
	dominant, pct := w.Dominant()
	snap.DominantOutcome = dominant
	snap.DominantPercentage = analysis.Round2(pct)

	spike, err := a.DetectVolumeSpike(ctx, marketID)
	if err != nil {
		return nil, err
	}
	snap.VolumeSpike = *spike

	shift, err := a.DetectSentimentShift(ctx, marketID)
	if err != nil {
		return nil, err
	}
	snap.SentimentShift = *shift

	a.log.Debug("Market analyzed",
		"market", marketID,
		"total_volume", snap.TotalVolume,
		"dominant", dominant,
		"spike", spike.Detected,
		"shift", shift.Detected,
	)
	return snap, nil
}

// baseline is the average of non-empty hourly buckets over the 24 hours
// before the current hour.
func (a *Analyzer) baseline(ctx context.Context, marketID string, now time.Time) (float64, error) {
	return cache.GetOrCompute(ctx, a.cache, "baseline:"+marketID, a.cfg.BaselineTTL,
		func(ctx context.Context) (float64, error) {
			end := now.Add(-analysisWindow)
			buckets, err := a.txs.HourlyVolumes(ctx, marketID, end.Add(-baselineWindow), end)
			if err != nil {
				return 0, fmt.Errorf("hourly volumes %s: %w", marketID, err)
			}
			var sum float64
			var n int
			for _, b := range buckets {
				if b.Volume > 0 {
					sum += b.Volume
					n++
				}
			}
			if n == 0 {
				return 0, nil
			}
			return sum / float64(n), nil
		})
}

// DetectVolumeSpike compares the last hour of volume to the hourly baseline.
func (a *Analyzer) DetectVolumeSpike(ctx context.Context, marketID string) (*domain.VolumeSpike, error) {
	now := a.now()
	stats, err := a.txs.OutcomeStats(ctx, marketID, now.Add(-analysisWindow), now)
	if err != nil {
		return nil, fmt.Errorf("outcome stats %s: %w", marketID, err)
	}
	current := analysis.Summarize(stats).Volume

	base, err := a.baseline(ctx, marketID, now)
	if err != nil {
		return nil, err
	}

	spike := &domain.VolumeSpike{CurrentVolume: current, Baseline: base}
	if base <= 0 {
		spike.Reason = ReasonInsufficientBaseline
		return spike, nil
	}
	spike.Percentage = analysis.Round2((current - base) / base * 100)
	spike.Detected = spike.Percentage >= a.cfg.SpikeThreshold
	return spike, nil
}

// DetectSentimentShift compares the dominant outcome's share across the two
// most recent 5-minute windows.
func (a *Analyzer) DetectSentimentShift(ctx context.Context, marketID string) (*domain.SentimentShift, error) {
	now := a.now()
	current, previous, err := a.shiftWindows(ctx, marketID, now)
	if err != nil {
		return nil, err
	}

	shift := &domain.SentimentShift{}
	if current.Count < a.cfg.MinTransactions || previous.Count < a.cfg.MinTransactions {
		shift.Reason = ReasonInsufficientTransactions
		return shift, nil
	}

	dominant, curPct := current.Dominant()
	prevPct := previous.Share(dominant)

	shift.DominantOutcome = dominant
	shift.CurrentPercentage = analysis.Round2(curPct)
	shift.PreviousPercentage = analysis.Round2(prevPct)
	shift.Delta = analysis.Round2(curPct - prevPct)
	shift.Detected = math.Abs(shift.Delta) >= a.cfg.ShiftThreshold
	return shift, nil
}

func (a *Analyzer) shiftWindows(ctx context.Context, marketID string, now time.Time) (analysis.Window, analysis.Window, error) {
	cur, err := a.txs.OutcomeStats(ctx, marketID, now.Add(-shiftWindow), now)
	if err != nil {
		return analysis.Window{}, analysis.Window{}, fmt.Errorf("current window %s: %w", marketID, err)
	}
	prev, err := a.txs.OutcomeStats(ctx, marketID, now.Add(-2*shiftWindow), now.Add(-shiftWindow))
	if err != nil {
		return analysis.Window{}, analysis.Window{}, fmt.Errorf("previous window %s: %w", marketID, err)
	}
	return analysis.Summarize(cur), analysis.Summarize(prev), nil
}

// GetTrendingMarkets ranks markets traded in the last hour by spike size.
// Only detected spikes are returned.
func (a *Analyzer) GetTrendingMarkets(ctx context.Context, limit int) ([]domain.TrendingMarket, error) {
	markets, err := a.txs.MarketsActiveSince(ctx, a.now().Add(-analysisWindow))
	if err != nil {
		return nil, fmt.Errorf("active markets: %w", err)
	}

	var out []domain.TrendingMarket
	for _, m := range markets {
		spike, err := a.DetectVolumeSpike(ctx, m)
		if err != nil {
			a.log.Warn("Spike check failed", "market", m, "error", err)
			continue
		}
		if spike.Detected {
			out = append(out, domain.TrendingMarket{MarketID: m, Spike: *spike})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Spike.Percentage > out[j].Spike.Percentage
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
