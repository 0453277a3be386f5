package tracker

import (
	"sync"
	"time"

	"github.com/romdo/go-debounce"

	"fable/internal/stream"
)

// DebounceProgress wraps an observer so that bursts of progress
// notifications collapse into the latest one. Everything else passes through
// immediately, flushing any pending progress first so order is preserved.
// This lives strictly at the presentation edge; the state machine always
// sees every progress update.
//
// The returned stop function cancels the pending timer and delivers any
// outstanding progress.
func DebounceProgress(wait, maxWait time.Duration, obs Observer) (Observer, func()) {
	d := &progressDebouncer{obs: obs}
	d.fire, d.cancel = debounce.NewWithMaxWait(wait, maxWait, d.flush)

	wrapped := func(n Notification) {
		if _, ok := n.Event.(stream.ProgressEvent); ok {
			d.mu.Lock()
			d.pending = &n
			d.mu.Unlock()
			d.fire()
			return
		}
		d.flush()
		d.obs(n)
	}
	stop := func() {
		d.cancel()
		d.flush()
	}
	return wrapped, stop
}

type progressDebouncer struct {
	mu      sync.Mutex
	pending *Notification
	obs     Observer
	fire    func()
	cancel  func()
}

func (d *progressDebouncer) flush() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	if pending != nil {
		d.obs(*pending)
	}
}
