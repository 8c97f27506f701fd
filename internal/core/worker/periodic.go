package worker

import (
	"context"
	"log/slog"
	"time"
)

// Periodic runs a job repeatedly. The interval is re-read after every run so
// the cadence can adapt to load.
type Periodic struct {
	name       string
	interval   func() time.Duration
	run        func(ctx context.Context) error
	runAtStart bool
	log        *slog.Logger
}

// NewPeriodic creates a periodic job.
func NewPeriodic(name string, interval func() time.Duration, run func(ctx context.Context) error) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		run:      run,
		log:      slog.Default().With("component", "periodic", "job", name),
	}
}

// RunAtStart makes Start execute the job once before the first wait.
func (p *Periodic) RunAtStart() *Periodic {
	p.runAtStart = true
	return p
}

// Start runs the loop until ctx is done.
func (p *Periodic) Start(ctx context.Context) {
	if p.runAtStart {
		p.runOnce(ctx)
	}

	timer := time.NewTimer(p.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.runOnce(ctx)
			timer.Reset(p.next())
		}
	}
}

func (p *Periodic) next() time.Duration {
	d := p.interval()
	if d <= 0 {
		d = time.Minute
	}
	return d
}

func (p *Periodic) runOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Job panicked", "panic", r)
		}
	}()

	if err := p.run(ctx); err != nil {
		p.log.Error("Job failed", "error", err, "duration", time.Since(start))
		return
	}
	p.log.Debug("Job completed", "duration", time.Since(start))
}
