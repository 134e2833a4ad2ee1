package playback

import (
	"sync"
	"time"
)

// tickHandle owns the goroutine driving a session's periodic ticks. Cancel is
// safe to call any number of times, from any goroutine, including after the
// loop has already exited. A callback that is mid-flight when Cancel runs may
// still fire once; callers guard against that by checking handle identity
// under the state lock.
type tickHandle struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func newTickHandle() *tickHandle {
	return &tickHandle{stop: make(chan struct{})}
}

// start launches the tick loop. It must be called exactly once per handle.
func (h *tickHandle) start(interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-h.stop:
				return
			}
		}
	}()
}

// Cancel stops the tick loop.
func (h *tickHandle) Cancel() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}
