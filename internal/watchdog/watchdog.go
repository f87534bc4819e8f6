// Package watchdog forces a reconnect after a period of inbound silence.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog runs a single resettable timer. A zero delay disables it.
type Watchdog struct {
	delay  time.Duration
	onFire func()

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watchdog that calls onFire once delay elapses without a Reset.
func New(delay time.Duration, onFire func()) *Watchdog {
	return &Watchdog{delay: delay, onFire: onFire}
}

// Enabled reports whether a delay is configured.
func (w *Watchdog) Enabled() bool {
	return w.delay > 0
}

// Reset cancels any pending timer and schedules a new one.
func (w *Watchdog) Reset() {
	if !w.Enabled() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		current := w.timer == t
		if current {
			w.timer = nil
		}
		w.mu.Unlock()

		if current {
			w.onFire()
		}
	})
	w.timer = t
}

// Stop cancels the pending timer, if any.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Pending reports whether a timer is scheduled.
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}
