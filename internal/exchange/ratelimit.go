// ratelimit.go implements the client-side request budget for the CLOB API.
//
// The exchange enforces a per-minute request ceiling; the limiter keeps the
// bot just under it with a sliding 60-second window, and layers an
// exponential backoff on top when the exchange throttles anyway. Backoff
// clears only after a run of consecutive successes, so one lucky request
// after a throttle burst does not reset the penalty.
package exchange

import (
	"context"
	"sync"
	"time"
)

const (
	maxBackoff = 60 * time.Second
	// slotMargin pads the computed wait so the oldest timestamp has
	// actually aged out of the window when we retake the lock.
	slotMargin = 100 * time.Millisecond
	// resetAfterSuccesses is the run of clean requests that clears
	// accumulated throttle failures.
	resetAfterSuccesses = 3
)

// Limiter is a sliding-window rate limiter with hysteretic throttle backoff.
// Acquire blocks until a request may be sent; RecordThrottled and
// RecordSuccess feed the backoff state from observed responses.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration

	timestamps   []time.Time // send times inside the current window
	backoffUntil time.Time
	failures     int // consecutive-ish throttle count, drives 2^n backoff
	successes    int // consecutive successes since the last throttle
}

// NewLimiter creates a limiter allowing maxRequests per sliding window.
func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
	}
}

// Acquire blocks until a request slot is available or ctx is cancelled.
// On success the request is counted against the window immediately.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()

		if wait := l.backoffUntil.Sub(now); wait > 0 {
			l.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		l.prune(now)
		if len(l.timestamps) < l.maxRequests {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			return nil
		}

		// Window full: wait for the oldest entry to age out.
		wait := l.timestamps[0].Add(l.window).Sub(now) + slotMargin
		l.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordThrottled notes that the exchange rejected a request for rate
// reasons. Each throttle doubles the backoff, capped at maxBackoff.
func (l *Limiter) RecordThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures++
	l.successes = 0

	backoff := time.Duration(1<<uint(min(l.failures, 6))) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	l.backoffUntil = time.Now().Add(backoff)
}

// RecordSuccess notes a clean response. After resetAfterSuccesses in a row
// the failure count resets, so the next throttle starts from a short backoff.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures == 0 {
		return
	}
	l.successes++
	if l.successes >= resetAfterSuccesses {
		l.failures = 0
		l.successes = 0
	}
}

// Pending returns the number of requests currently counted in the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.timestamps)
}

// InBackoff reports whether the limiter is currently in a throttle penalty.
func (l *Limiter) InBackoff() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.backoffUntil)
}

// prune drops timestamps older than the window. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
