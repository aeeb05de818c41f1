package whatsapp

import (
	"sync"
	"time"
)

// badMacWindow tracks decrypt failures over a sliding window. When the
// count crosses the threshold the circuit breaker trips, which wipes the
// session's auth material; the cooldown keeps a freshly wiped session
// from tripping again immediately.
type badMacWindow struct {
	mu           sync.Mutex
	times        []time.Time
	breakerUntil time.Time
}

// record adds a failure timestamp and returns the count inside the
// window after purging old entries.
func (w *badMacWindow) record(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times)
}

// reset clears the window. Called on every successful open.
func (w *badMacWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = nil
}

// count returns the current number of recorded failures.
func (w *badMacWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.times)
}

// tryTrip arms the breaker if allowed. It returns false while the
// cooldown from a previous trip is still running.
func (w *badMacWindow) tryTrip(now time.Time, cooldown time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.breakerUntil) {
		return false
	}
	w.breakerUntil = now.Add(cooldown)
	w.times = nil
	return true
}
