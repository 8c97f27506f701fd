package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/core/worker"
	"github.com/vietddude/polywatch/internal/infra/cache"
	"github.com/vietddude/polywatch/internal/infra/storage"
)

const defaultCooldown = 15 * time.Minute

// DefaultCooldowns returns the per-type minimum spacing between alerts with
// the same fingerprint.
func DefaultCooldowns() map[domain.AlertType]time.Duration {
	return map[domain.AlertType]time.Duration{
		domain.AlertWhaleBet:       30 * time.Minute,
		domain.AlertVolumeSpike:    15 * time.Minute,
		domain.AlertSentimentShift: 15 * time.Minute,
		domain.AlertAnomaly:        60 * time.Minute,
	}
}

// Fingerprint derives the dedup key of an alert from its type and defining
// dimensions.
func Fingerprint(a *domain.Alert) string {
	switch a.Type {
	case domain.AlertWhaleBet:
		return "whale_bet:" + a.ContextString("wallet")
	case domain.AlertVolumeSpike, domain.AlertSentimentShift:
		return string(a.Type) + ":" + a.ContextString("market_id")
	case domain.AlertAnomaly:
		return "anomaly:" + a.ContextString("pattern") + ":" + a.ContextString("market_id")
	default:
		return string(a.Type) + ":" + a.ID
	}
}

func fingerprintKey(fp string) string {
	return "alert:fp:" + fp
}

// deduper checks, in order, the fast cache, the persisted alert log and a
// local map that is consulted only while the cache is down.
type deduper struct {
	cache     *cache.Cache
	repo      storage.AlertRepository
	cooldowns map[domain.AlertType]time.Duration
	now       func() time.Time
	log       *slog.Logger
	claims    *worker.KeyLock

	mu          sync.Mutex // guards local
	local       map[string]time.Time
	maxCooldown time.Duration
}

func newDeduper(c *cache.Cache, repo storage.AlertRepository, cooldowns map[domain.AlertType]time.Duration, now func() time.Time) *deduper {
	d := &deduper{
		cache:     c,
		repo:      repo,
		cooldowns: cooldowns,
		now:       now,
		local:     make(map[string]time.Time),
		log:       slog.Default().With("component", "alert_dedup"),
		claims:    worker.NewKeyLock(),
	}
	d.maxCooldown = defaultCooldown
	for _, cd := range cooldowns {
		d.maxCooldown = max(d.maxCooldown, cd)
	}
	return d
}

func (d *deduper) cooldown(t domain.AlertType) time.Duration {
	if cd, ok := d.cooldowns[t]; ok && cd > 0 {
		return cd
	}
	return defaultCooldown
}

// claim reports whether fp was delivered within its cooldown. When it was
// not, fp is claimed so concurrent senders see it as a duplicate. Claims of
// different fingerprints do not wait on each other.
func (d *deduper) claim(ctx context.Context, t domain.AlertType, fp string) bool {
	defer d.claims.Lock(fp)()

	now := d.now()
	cd := d.cooldown(t)
	key := fingerprintKey(fp)
	cacheUp := d.cache.Available()

	if cacheUp {
		var sentAt int64
		if d.cache.Get(ctx, key, &sentAt) && now.Sub(time.Unix(0, sentAt)) < cd {
			return true
		}
	}

	if d.repo != nil {
		prev, err := d.repo.FindSentByFingerprintSince(ctx, fp, now.Add(-cd))
		if err != nil {
			d.log.Warn("Alert lookback failed", "fingerprint", fp, "error", err)
		} else if prev != nil {
			return true
		}
	}

	if !cacheUp && d.recentLocal(fp, now, cd) {
		return true
	}

	if err := d.cache.Set(ctx, key, now.UnixNano(), cd); err != nil {
		d.log.Warn("Failed to cache fingerprint", "fingerprint", fp, "error", err)
	}
	if !d.cache.Available() {
		d.mu.Lock()
		d.local[fp] = now
		d.prune(now)
		d.mu.Unlock()
	}
	return false
}

func (d *deduper) recentLocal(fp string, now time.Time, cd time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.local[fp]
	return ok && now.Sub(at) < cd
}

// release drops a claim after a failed delivery.
func (d *deduper) release(ctx context.Context, fp string) {
	defer d.claims.Lock(fp)()
	d.cache.Del(ctx, fingerprintKey(fp))

	d.mu.Lock()
	delete(d.local, fp)
	d.mu.Unlock()
}

func (d *deduper) prune(now time.Time) {
	for fp, at := range d.local {
		if now.Sub(at) >= d.maxCooldown {
			delete(d.local, fp)
		}
	}
}
