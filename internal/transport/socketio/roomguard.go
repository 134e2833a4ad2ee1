package socketio

import (
	"sync"
)

// RoomGuard tracks which clients listen to which sessions and enforces an
// optional per-session listener cap. When a new listener pushes a session
// over the cap, the oldest listener of that session is evicted.
type RoomGuard struct {
	mu           sync.Mutex
	maxListeners int
	// per-session ordered listener IDs (oldest first)
	rooms map[string][]string
	// clientID -> sessions the client listens to
	memberships map[string]map[string]struct{}
}

// NewRoomGuard creates a guard allowing up to maxListeners concurrent
// listeners per session. A cap of zero or less means unlimited.
func NewRoomGuard(maxListeners int) *RoomGuard {
	return &RoomGuard{
		maxListeners: maxListeners,
		rooms:        make(map[string][]string),
		memberships:  make(map[string]map[string]struct{}),
	}
}

// Join registers a client as a listener of a session and returns the ID of
// any listener evicted to stay under the cap (empty string if none).
// Joining a session the client already listens to is idempotent.
func (g *RoomGuard) Join(sessionID, clientID string) (evictedID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.memberships[clientID][sessionID]; ok {
		return ""
	}

	if g.memberships[clientID] == nil {
		g.memberships[clientID] = make(map[string]struct{})
	}
	g.memberships[clientID][sessionID] = struct{}{}
	g.rooms[sessionID] = append(g.rooms[sessionID], clientID)

	if g.maxListeners > 0 && len(g.rooms[sessionID]) > g.maxListeners {
		evictedID = g.rooms[sessionID][0]
		g.removeLocked(sessionID, evictedID)
	}
	return evictedID
}

// Leave removes one client from one session. Leaving a session the client
// never joined is a no-op.
func (g *RoomGuard) Leave(sessionID, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(sessionID, clientID)
}

// Drop removes a disconnected client from every session it listened to and
// returns the affected session IDs.
func (g *RoomGuard) Drop(clientID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sessions := make([]string, 0, len(g.memberships[clientID]))
	for sessionID := range g.memberships[clientID] {
		sessions = append(sessions, sessionID)
	}
	for _, sessionID := range sessions {
		g.removeLocked(sessionID, clientID)
	}
	return sessions
}

// Listeners returns the number of clients listening to a session.
func (g *RoomGuard) Listeners(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms[sessionID])
}

// removeLocked unlinks a client from a session (must hold lock).
func (g *RoomGuard) removeLocked(sessionID, clientID string) {
	listeners := g.rooms[sessionID]
	for i, id := range listeners {
		if id == clientID {
			g.rooms[sessionID] = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	if len(g.rooms[sessionID]) == 0 {
		delete(g.rooms, sessionID)
	}

	if members := g.memberships[clientID]; members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(g.memberships, clientID)
		}
	}
}
