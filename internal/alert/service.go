// Package alert delivers alerts to an external sink with rate limiting,
// fingerprint deduplication and per-type formatting.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vietddude/polywatch/internal/core/domain"
	"github.com/vietddude/polywatch/internal/infra/cache"
	"github.com/vietddude/polywatch/internal/infra/storage"
	"github.com/vietddude/polywatch/internal/metrics"
)

// ErrDeliveryFailed wraps sink errors returned by SendAlert.
var ErrDeliveryFailed = errors.New("alert delivery failed")

// Outcome is the result of one SendAlert call.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Config controls rate limiting and cooldowns.
type Config struct {
	RateLimit  int
	Window     time.Duration
	Cooldowns  map[domain.AlertType]time.Duration
	Formatters map[domain.AlertType]Formatter
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Queued     uint64 `json:"queued"`
	Duplicates uint64 `json:"duplicates"`
	Failed     uint64 `json:"failed"`
	InWindow   int    `json:"in_window"`
	Sink       string `json:"sink"`
}

// Service runs the delivery pipeline.
type Service struct {
	limiter    *RateLimiter
	dedup      *deduper
	formatters map[domain.AlertType]Formatter
	sink       Sink
	repo       storage.AlertRepository
	now        func() time.Time
	log        *slog.Logger

	sent       atomic.Uint64
	queued     atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
}

// NewService creates a delivery service. repo may be nil.
func NewService(cfg Config, sink Sink, repo storage.AlertRepository, c *cache.Cache) *Service {
	return newService(cfg, sink, repo, c, time.Now)
}

func newService(cfg Config, sink Sink, repo storage.AlertRepository, c *cache.Cache, now func() time.Time) *Service {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = DefaultCooldowns()
	}
	if cfg.Formatters == nil {
		cfg.Formatters = DefaultFormatters()
	}
	if sink == nil {
		sink = NewLogSink()
	}

	return &Service{
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.Window, now),
		dedup:      newDeduper(c, repo, cfg.Cooldowns, now),
		formatters: cfg.Formatters,
		sink:       sink,
		repo:       repo,
		now:        now,
		log:        slog.Default().With("component", "alert"),
	}
}

// SendAlert rate-limits, deduplicates, formats and delivers a. A delivery
// failure releases the fingerprint so a later alert can retry.
func (s *Service) SendAlert(ctx context.Context, a *domain.Alert) (Outcome, error) {
	if !s.limiter.Allow() {
		s.count(a, OutcomeQueued)
		s.log.Warn("Alert rate limited", "type", a.Type, "id", a.ID)
		return OutcomeQueued, nil
	}

	fp := Fingerprint(a)
	a.Fingerprint = fp
	if s.dedup.claim(ctx, a.Type, fp) {
		s.count(a, OutcomeDuplicate)
		s.log.Debug("Duplicate alert suppressed", "type", a.Type, "fingerprint", fp)
		return OutcomeDuplicate, nil
	}

	msg := s.format(a)
	if err := s.sink.Send(ctx, a, msg); err != nil {
		s.dedup.release(ctx, fp)
		s.count(a, OutcomeFailed)
		s.log.Error("Alert delivery failed", "type", a.Type, "fingerprint", fp, "sink", s.sink.Name(), "error", err)
		return OutcomeFailed, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	sentAt := s.now()
	a.Sent = true
	a.SentAt = &sentAt
	if s.repo != nil && a.ID != "" {
		if err := s.repo.MarkSent(ctx, a.ID, fp, sentAt); err != nil {
			s.log.Warn("Failed to mark alert sent", "id", a.ID, "error", err)
		}
	}

	s.count(a, OutcomeSent)
	s.log.Info("Alert sent", "type", a.Type, "severity", a.Severity.String(), "fingerprint", fp)
	return OutcomeSent, nil
}

// format uses the registered formatter for a's type, falling back to the
// generic one when none is registered or it fails.
func (s *Service) format(a *domain.Alert) Message {
	if f, ok := s.formatters[a.Type]; ok {
		msg, err := f(a)
		if err == nil {
			return msg
		}
		s.log.Warn("Formatter failed, using generic", "type", a.Type, "error", err)
	}
	msg, _ := GenericFormatter(a)
	return msg
}

func (s *Service) count(a *domain.Alert, o Outcome) {
	metrics.AlertsTotal.WithLabelValues(string(a.Type), string(o)).Inc()
	switch o {
	case OutcomeSent:
		s.sent.Add(1)
	case OutcomeQueued:
		s.queued.Add(1)
	case OutcomeDuplicate:
		s.duplicates.Add(1)
	case OutcomeFailed:
		s.failed.Add(1)
	}
}

// Stats returns a snapshot of delivery counters.
func (s *Service) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Queued:     s.queued.Load(),
		Duplicates: s.duplicates.Load(),
		Failed:     s.failed.Load(),
		InWindow:   s.limiter.InWindow(),
		Sink:       s.sink.Name(),
	}
}

// Close closes the sink.
func (s *Service) Close() error {
	return s.sink.Close()
}
