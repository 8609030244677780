package services

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// RateLimitedWarner emits a warning at most once per window. Calls inside
// the window are counted and reported with the next emitted warning.
type RateLimitedWarner struct {
	logger *slog.Logger
	clock  clock.PassiveClock
	window time.Duration

	mu         sync.Mutex
	last       time.Time
	emitted    bool
	suppressed int
}

func NewRateLimitedWarner(logger *slog.Logger, clk clock.PassiveClock, window time.Duration) *RateLimitedWarner {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RateLimitedWarner{logger: logger, clock: clk, window: window}
}

// Warn logs msg unless a warning was already logged within the window.
// It reports whether the warning was emitted.
func (w *RateLimitedWarner) Warn(msg string, args ...any) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if w.emitted && now.Sub(w.last) < w.window {
		w.suppressed++
		return false
	}

	if w.suppressed > 0 {
		args = append(args, "suppressed_since_last", w.suppressed)
	}
	w.logger.Warn(msg, args...)
	w.last = now
	w.emitted = true
	w.suppressed = 0
	return true
}
