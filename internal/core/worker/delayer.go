package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delayer runs tasks once after a delay without blocking the caller.
// Stop cancels tasks that have not fired and waits for running ones.
type Delayer struct {
	mu     sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewDelayer creates a Delayer.
func NewDelayer() *Delayer {
	return &Delayer{
		timers: make(map[uint64]*time.Timer),
		log:    slog.Default().With("component", "delayer"),
	}
}

// Schedule runs fn(ctx) after delay. The task is skipped if ctx is done by
// then. It returns false when the Delayer is stopped.
func (d *Delayer) Schedule(ctx context.Context, name string, delay time.Duration, fn func(context.Context)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	id := d.nextID
	d.nextID++
	d.wg.Add(1)

	d.timers[id] = time.AfterFunc(delay, func() {
		defer d.wg.Done()

		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				d.log.Error("Delayed task panicked", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	})
	return true
}

// Pending returns the number of tasks that have not fired yet.
func (d *Delayer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels pending tasks and waits for in-flight ones to return.
func (d *Delayer) Stop() {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		if t.Stop() {
			delete(d.timers, id)
			d.wg.Done()
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
}
