package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/bugtracker/internal/events"
)

// typingThrottle bounds how many typing indicators one session relays.
// Frames over the budget are coalesced: only the most recent is kept and it
// goes out as soon as the budget allows, so the last state a client sent is
// always relayed.
type typingThrottle struct {
	// sendMu orders flushes so a parked frame never overtakes a newer one.
	sendMu sync.Mutex
	flush  func(events.TypingIndicator)

	mu       sync.Mutex
	budget   float64
	burst    float64
	perSec   float64
	refilled time.Time
	parked   *events.TypingIndicator
	timer    *time.Timer
	stopped  bool
}

func newTypingThrottle(cfg RateLimitConfig, flush func(events.TypingIndicator)) *typingThrottle {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &typingThrottle{
		flush:    flush,
		budget:   float64(burst),
		burst:    float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		refilled: time.Now(),
	}
}

// refill must be called with mu held.
func (t *typingThrottle) refill(now time.Time) {
	if elapsed := now.Sub(t.refilled).Seconds(); elapsed > 0 {
		t.budget += elapsed * t.perSec
		if t.budget > t.burst {
			t.budget = t.burst
		}
	}
	t.refilled = now
}

// untilNext must be called with mu held.
func (t *typingThrottle) untilNext() time.Duration {
	wait := time.Duration((1 - t.budget) / t.perSec * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// submit relays e now when the budget allows and parks it otherwise. It
// reports whether e went out immediately.
func (t *typingThrottle) submit(e events.TypingIndicator) bool {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	if t.parked != nil {
		// Something older is waiting; replace it rather than overtake it.
		t.parked = &e
		t.mu.Unlock()
		return false
	}
	t.refill(time.Now())
	if t.budget < 1 {
		t.parked = &e
		t.timer = time.AfterFunc(t.untilNext(), t.release)
		t.mu.Unlock()
		return false
	}
	t.budget--
	t.mu.Unlock()

	t.flush(e)
	return true
}

func (t *typingThrottle) release() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.stopped || t.parked == nil {
		t.mu.Unlock()
		return
	}
	t.refill(time.Now())
	if t.budget < 1 {
		t.timer = time.AfterFunc(t.untilNext(), t.release)
		t.mu.Unlock()
		return
	}
	t.budget--
	e := *t.parked
	t.parked = nil
	t.mu.Unlock()

	t.flush(e)
}

// stop cancels any pending release and returns the frame that was still
// parked, if any. Later submits are ignored.
func (t *typingThrottle) stop() (events.TypingIndicator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.parked == nil {
		return events.TypingIndicator{}, false
	}
	e := *t.parked
	t.parked = nil
	return e, true
}
