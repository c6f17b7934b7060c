package proxy

import (
	"context"
	"sync"
	"time"
)

// watchdog cancels an attempt with a cause if it is not stopped or reset in
// time. A zero duration disarms it.
type watchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelCauseFunc
}

func newWatchdog(cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{cancel: cancel}
}

func (w *watchdog) reset(d time.Duration, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if d > 0 {
		w.timer = time.AfterFunc(d, func() { w.cancel(cause) })
	}
}

// stop disarms the watchdog and reports whether it had already fired.
func (w *watchdog) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return false
	}
	fired := !w.timer.Stop()
	w.timer = nil
	return fired
}
