package device

import (
	"sync"
	"time"
)

// defaultStallWindow is the liveness window used when a Watchdog is created
// with a non-positive window.
const defaultStallWindow = 10 * time.Second

// Watchdog surfaces silent link drops: a link that is still nominally
// connected but has delivered no audio bytes for longer than the configured
// window. Link implementations call [Watchdog.Touch] on every received chunk;
// when the window elapses without a touch, the Stalled channel fires once and
// the watchdog stops.
//
// All methods are safe for concurrent use.
type Watchdog struct {
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stalled chan struct{}
	stopped bool
}

// NewWatchdog creates a watchdog with the given liveness window and starts
// the countdown immediately. A non-positive window falls back to a 10 s
// default.
func NewWatchdog(window time.Duration) *Watchdog {
	if window <= 0 {
		window = defaultStallWindow
	}
	w := &Watchdog{
		window:  window,
		stalled: make(chan struct{}),
	}
	w.timer = time.AfterFunc(window, w.fire)
	return w
}

// Touch records link activity, pushing the stall deadline out by one window.
// Touching a stalled or stopped watchdog has no effect.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.window)
}

// Stalled returns the channel that is closed when the window elapses with no
// activity. It fires at most once per watchdog.
func (w *Watchdog) Stalled() <-chan struct{} {
	return w.stalled
}

// Stop cancels the watchdog. Idempotent. A stopped watchdog never fires.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.timer.Stop()
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stalled)
}
