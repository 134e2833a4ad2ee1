package socketio

import (
	"sync"
	"time"
)

// PresenceCoalescer collapses rapid membership churn into batched presence
// broadcasts. Multiple join/leave events for a session within the window
// result in a single callback for that session.
type PresenceCoalescer struct {
	window   time.Duration
	callback func(sessionID string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
}

// NewPresenceCoalescer creates a coalescer with the given window duration.
// callback is called once per dirty session after the window elapses without
// further triggers.
func NewPresenceCoalescer(window time.Duration, callback func(sessionID string)) *PresenceCoalescer {
	return &PresenceCoalescer{
		window:   window,
		callback: callback,
		pending:  make(map[string]struct{}),
	}
}

// Trigger records that the session's membership has changed. The actual
// broadcast is deferred until the window elapses without further triggers.
func (c *PresenceCoalescer) Trigger(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	c.pending[sessionID] = struct{}{}

	// Reset the timer
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.flush)
}

// flush fires the callback for every dirty session and resets the set.
func (c *PresenceCoalescer) flush() {
	c.mu.Lock()
	dirty := c.pending
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	if c.callback == nil {
		return
	}
	for sessionID := range dirty {
		c.callback(sessionID)
	}
}

// Stop prevents any further callbacks from firing.
func (c *PresenceCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.pending = make(map[string]struct{})
}
