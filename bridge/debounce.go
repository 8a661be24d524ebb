package bridge

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// debouncer coalesces bursts of signals for one topic. The leading edge fires
// immediately through the rate limiter; hits arriving inside the limit window
// schedule exactly one trailing invocation, so the final signal of a burst is
// never lost.
type debouncer struct {
	limiter *rate.Limiter
	fn      func()

	mu      sync.Mutex
	pending *time.Timer
	stopped bool
}

func newDebouncer(limit rate.Limit, fn func()) *debouncer {
	return &debouncer{
		limiter: rate.NewLimiter(limit, 1),
		fn:      fn,
	}
}

// hit records one signal.
func (d *debouncer) hit() {
	if d.limiter.Allow() {
		d.fn()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.pending != nil {
		return
	}

	// Fire once the limiter window has passed.
	delay := d.limiter.Reserve().Delay()
	d.pending = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.pending = nil
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.fn()
		}
	})
}

// stop cancels any scheduled trailing invocation.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}
