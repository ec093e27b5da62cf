package channel

import (
	"sync"
	"time"
)

// slidingWindow is a sliding-window rate limiter over request timestamps.
// A request is allowed only if fewer than limit timestamps fall within
// the trailing window; expired timestamps are pruned on every check, so
// no timestamp older than the window survives a call to Allow.
type slidingWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	times []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
	}
}

// Allow records and permits the request if capacity remains in the
// current window. A limit of zero or less means unlimited.
func (w *slidingWindow) Allow() bool {
	return w.allowAt(time.Now())
}

func (w *slidingWindow) allowAt(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// InWindow returns the number of requests recorded in the current window.
func (w *slidingWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())
	return len(w.times)
}

func (w *slidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
