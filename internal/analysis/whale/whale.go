// Package whale maintains wallet profiles and flags high-volume wallets.
package whale

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/core/worker"
	"github.com/vietddude/polywatch/internal/infra/cache"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/metrics"
)

const (
	topWhalesPattern = "whales:top:*"
	defaultTopLimit  = 10

	// score weights; the total is 100
	volumeWeight  = 60.0
	largestWeight = 25.0
	countWeight   = 15.0
	countCeiling  = 100.0
)

// Config holds scoring thresholds and cache TTLs.
type Config struct {
	VolumeThreshold float64 // total volume that earns the full volume weight
	CriticalAmount  float64 // single bet that earns the full largest-bet weight
	ScoreThreshold  float64
	BatchSize       int
	WalletTTL       time.Duration
	TopWhalesTTL    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold: 100_000,
		CriticalAmount:  100_000,
		ScoreThreshold:  50,
		BatchSize:       50,
		WalletTTL:       5 * time.Minute,
		TopWhalesTTL:    5 * time.Minute,
	}
}

// Stats is a snapshot of detector counters.
type Stats struct {
	Updates   uint64 `json:"updates"`
	Errors    uint64 `json:"errors"`
	NewWhales uint64 `json:"new_whales"`
}

// Detector recomputes wallet profiles from full trade history.
type Detector struct {
	txs     storage.TransactionRepository
	wallets storage.WalletRepository
	cache   *cache.Cache
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	locks   *worker.KeyLock

	updates   atomic.Uint64
	errors    atomic.Uint64
	newWhales atomic.Uint64
}

// New creates a whale detector.
func New(txs storage.TransactionRepository, wallets storage.WalletRepository, c *cache.Cache, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = def.VolumeThreshold
	}
	if cfg.CriticalAmount <= 0 {
		cfg.CriticalAmount = def.CriticalAmount
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = def.ScoreThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WalletTTL <= 0 {
		cfg.WalletTTL = def.WalletTTL
	}
	if cfg.TopWhalesTTL <= 0 {
		cfg.TopWhalesTTL = def.TopWhalesTTL
	}

	return &Detector{
		txs:     txs,
		wallets: wallets,
		cache:   c,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default().With("component", "whale"),
		locks:   worker.NewKeyLock(),
	}
}

func walletKey(address string) string {
	return "wallet:" + strings.ToLower(address)
}

func topWhalesKey(limit int, sortBy domain.WhaleSort) string {
	return fmt.Sprintf("whales:top:%s:%d", sortBy, limit)
}

// UpdateWallet recomputes the profile of address and drops its cached
// entries. Updates of one address are serialized so a false to true whale
// transition is seen, and logged, exactly once.
func (d *Detector) UpdateWallet(ctx context.Context, address string) (*domain.WalletProfile, error) {
	addr := strings.ToLower(address)
	defer d.locks.Lock(addr)()

	history, err := d.txs.GetByWallet(ctx, addr)
	if err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("load history %s: %w", addr, err)
	}
	prev, err := d.wallets.Get(ctx, addr)
	if err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("load profile %s: %w", addr, err)
	}

	profile := d.buildProfile(addr, history)
	if prev != nil && !prev.FirstSeenAt.IsZero() &&
		(profile.FirstSeenAt.IsZero() || prev.FirstSeenAt.Before(profile.FirstSeenAt)) {
		profile.FirstSeenAt = prev.FirstSeenAt
	}

	if err := d.wallets.Save(ctx, profile); err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("save profile %s: %w", addr, err)
	}
	d.updates.Add(1)

	d.cache.Del(ctx, walletKey(addr))
	d.cache.Flush(ctx, topWhalesPattern)

	if profile.IsWhale && (prev == nil || !prev.IsWhale) {
		d.newWhales.Add(1)
		metrics.NewWhales.Inc()
		d.log.Info("New whale detected",
			"wallet", addr,
			"score", profile.WhaleScore,
			"total_volume", profile.TotalVolume,
			"largest_bet", profile.LargestBet,
		)
	}
	return profile, nil
}

func (d *Detector) buildProfile(addr string, history []*domain.TransactionRecord) *domain.WalletProfile {
	p := &domain.WalletProfile{
		Address:   addr,
		UpdatedAt: d.now(),
	}
	for _, tx := range history {
		amount := tx.AmountFloat()
		p.TotalVolume += amount
		p.TxCount++
		if amount > p.LargestBet {
			p.LargestBet = amount
		}
		if p.FirstSeenAt.IsZero() || tx.Timestamp.Before(p.FirstSeenAt) {
			p.FirstSeenAt = tx.Timestamp
		}
		if tx.Timestamp.After(p.LastActiveAt) {
			p.LastActiveAt = tx.Timestamp
		}
	}

	p.WhaleScore = d.score(p)
	p.IsWhale = p.WhaleScore >= d.cfg.ScoreThreshold
	p.WinRate = winRate(history)
	return p
}

// score weighs total volume, the largest single bet and activity, each
// capped at its full weight.
func (d *Detector) score(p *domain.WalletProfile) float64 {
	s := math.Min(p.TotalVolume/d.cfg.VolumeThreshold, 1)*volumeWeight +
		math.Min(p.LargestBet/d.cfg.CriticalAmount, 1)*largestWeight +
		math.Min(float64(p.TxCount)/countCeiling, 1)*countWeight
	return math.Round(s*100) / 100
}

// winRate is the percentage of sells priced above the wallet's average buy
// price for the same market outcome.
func winRate(history []*domain.TransactionRecord) float64 {
	type position struct {
		cost, shares float64
	}
	positions := make(map[string]*position)
	key := func(tx *domain.TransactionRecord) string { return tx.MarketID + "/" + tx.Outcome }

	for _, tx := range history {
		if tx.Side != domain.SideBuy {
			continue
		}
		price, _ := tx.Price.Float64()
		if price <= 0 {
			continue
		}
		pos, ok := positions[key(tx)]
		if !ok {
			pos = &position{}
			positions[key(tx)] = pos
		}
		pos.cost += tx.AmountFloat()
		pos.shares += tx.AmountFloat() / price
	}

	var sells, wins int
	for _, tx := range history {
		if tx.Side != domain.SideSell {
			continue
		}
		pos, ok := positions[key(tx)]
		if !ok || pos.shares == 0 {
			continue
		}
		sells++
		price, _ := tx.Price.Float64()
		if price > pos.cost/pos.shares {
			wins++
		}
	}
	if sells == 0 {
		return 0
	}
	return math.Round(float64(wins)/float64(sells)*10000) / 100
}

// GetWallet returns the cached profile for address, or nil when the wallet
// has never been profiled.
func (d *Detector) GetWallet(ctx context.Context, address string) (*domain.WalletProfile, error) {
	addr := strings.ToLower(address)
	return cache.GetOrCompute(ctx, d.cache, walletKey(addr), d.cfg.WalletTTL,
		func(ctx context.Context) (*domain.WalletProfile, error) {
			return d.wallets.Get(ctx, addr)
		})
}

// IsWhale reports the stored whale flag for address.
func (d *Detector) IsWhale(ctx context.Context, address string) (bool, error) {
	p, err := d.GetWallet(ctx, address)
	if err != nil {
		return false, err
	}
	return p != nil && p.IsWhale, nil
}

// CheckAndUpdateWhaleStatus recomputes address and returns its new whale
// flag.
func (d *Detector) CheckAndUpdateWhaleStatus(ctx context.Context, address string) (bool, error) {
	profile, err := d.UpdateWallet(ctx, address)
	if err != nil {
		return false, err
	}
	return profile.IsWhale, nil
}

// UpdateAllWhales refreshes every whale-flagged wallet in chunks of
// batchSize, updating each chunk in parallel. onProgress receives the
// completed percentage after each chunk. Per-wallet failures are logged and
// counted, not returned.
func (d *Detector) UpdateAllWhales(ctx context.Context, batchSize int, onProgress func(pct float64)) (int, error) {
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}

	whales, err := d.wallets.ListWhales(ctx)
	if err != nil {
		return 0, fmt.Errorf("list whales: %w", err)
	}
	total := len(whales)
	if total == 0 {
		return 0, nil
	}

	d.log.Info("Updating whales", "count", total, "batch_size", batchSize)
	var updated atomic.Int64

	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return int(updated.Load()), err
		}
		end := min(start+batchSize, total)

		g, gctx := errgroup.WithContext(ctx)
		for _, w := range whales[start:end] {
			addr := w.Address
			g.Go(func() error {
				if _, err := d.UpdateWallet(gctx, addr); err != nil {
					d.log.Warn("Whale update failed", "wallet", addr, "error", err)
					return nil
				}
				updated.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		if onProgress != nil {
			onProgress(math.Round(float64(end)/float64(total)*10000) / 100)
		}
	}

	d.log.Info("Whale update complete", "updated", updated.Load(), "total", total)
	return int(updated.Load()), nil
}

// GetTopWhales returns up to limit whales ranked by sortBy. Results are
// computed once per key across concurrent callers and cached.
func (d *Detector) GetTopWhales(ctx context.Context, limit int, sortBy domain.WhaleSort) ([]*domain.WalletProfile, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}
	if sortBy == "" {
		sortBy = domain.SortByVolume
	}
	if !sortBy.Valid() {
		return nil, fmt.Errorf("invalid sort %q", sortBy)
	}

	return cache.GetOrCompute(ctx, d.cache, topWhalesKey(limit, sortBy), d.cfg.TopWhalesTTL,
		func(ctx context.Context) ([]*domain.WalletProfile, error) {
			return d.wallets.TopWhales(ctx, limit, sortBy)
		})
}

// Stats returns a snapshot of detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Updates:   d.updates.Load(),
		Errors:    d.errors.Load(),
		NewWhales: d.newWhales.Load(),
	}
}
