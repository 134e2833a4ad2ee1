package playback

import "sync"

// BroadcastRelay forwards events to a Broadcaster bound after construction.
// The engine and the socket transport need each other at wiring time; the
// relay breaks the cycle. Events published before Bind are dropped, which is
// harmless: nobody can be listening before the transport exists.
type BroadcastRelay struct {
	mu     sync.RWMutex
	target Broadcaster
}

// NewBroadcastRelay creates an unbound relay.
func NewBroadcastRelay() *BroadcastRelay {
	return &BroadcastRelay{}
}

// Bind sets the broadcaster that receives all subsequent events.
func (r *BroadcastRelay) Bind(target Broadcaster) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

// Publish implements Broadcaster.
func (r *BroadcastRelay) Publish(sessionID, event string, payload any) {
	r.mu.RLock()
	target := r.target
	r.mu.RUnlock()

	if target != nil {
		target.Publish(sessionID, event, payload)
	}
}
