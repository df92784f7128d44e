// Package autosave debounces draft saves: a save runs once edits have been
// quiet for a fixed period.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultQuiet is the quiet period used when none is configured.
const DefaultQuiet = 1500 * time.Millisecond

// SaveFunc persists the current draft.
type SaveFunc func(ctx context.Context) error

// Debouncer runs a SaveFunc after Touch has not been called for the quiet
// period. At most one save runs at a time; a timer firing while a save is in
// flight re-arms once that save returns.
type Debouncer struct {
	quiet time.Duration
	save  SaveFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	inFlight bool
	done     chan struct{} // closed when the in-flight save returns
	skipped  bool
	stopped  bool
}

// New returns a debouncer. A non-positive quiet period uses DefaultQuiet.
func New(quiet time.Duration, save SaveFunc) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{quiet: quiet, save: save, ctx: ctx, cancel: cancel}
}

// Touch restarts the quiet period.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.arm()
}

func (d *Debouncer) arm() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(gen) })
}

// Pending reports whether a save is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// fire ignores timers superseded by a later Touch.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	if d.inFlight {
		d.skipped = true
		d.mu.Unlock()
		return
	}
	d.begin()
	d.mu.Unlock()

	d.run(d.ctx)
}

// begin marks a save in flight. Callers hold mu.
func (d *Debouncer) begin() {
	d.inFlight = true
	d.done = make(chan struct{})
}

func (d *Debouncer) run(ctx context.Context) error {
	err := d.save(ctx)
	if err != nil {
		zap.L().Debug("autosave: save failed", zap.Error(err))
	}

	d.mu.Lock()
	d.inFlight = false
	close(d.done)
	d.done = nil
	if d.skipped && !d.stopped {
		d.skipped = false
		d.arm()
	}
	d.mu.Unlock()
	return err
}

// Flush cancels the pending timer and saves immediately. It is a no-op
// returning false when a save is already in flight or the debouncer is
// stopped.
func (d *Debouncer) Flush(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if d.stopped || d.inFlight {
		d.mu.Unlock()
		return false, nil
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.skipped = false
	d.begin()
	d.mu.Unlock()

	return true, d.run(ctx)
}

// Drain cancels the pending timer and waits for an in-flight save to return
// without cancelling it. Touch may arm the timer again afterwards.
func (d *Debouncer) Drain(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.skipped = false
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels any pending save, cancels the context of an in-flight one and
// waits for it to return. The debouncer cannot be restarted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	done := d.done
	d.mu.Unlock()

	d.cancel()
	if done != nil {
		<-done
	}
}
