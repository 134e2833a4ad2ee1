package playback

import (
	"sync"
	"time"
)

// StreamState is the authoritative playback state of one session. All reads
// and writes go through mu: commands, tick callbacks, and loading-gate
// callbacks for a session never run concurrently against it.
type StreamState struct {
	mu sync.Mutex

	sessionID            string
	currentTrackID       string
	trackDurationSeconds int
	position             float64
	isPlaying            bool
	isLoadingTrack       bool
	pendingAutoplay      bool
	lastTickAt           time.Time
	startedAt            time.Time
	tickCounter          int

	// tickTimer and loadingTimer are the session's two cancelable timers; at
	// most one of each is live at a time.
	tickTimer    *tickHandle
	loadingTimer *time.Timer

	// loadGen increments every time a load is superseded (new load, stop).
	// Loading-gate callbacks capture the generation they were armed with and
	// bail out if it has moved on, so a stale timer that already fired cannot
	// resurrect playback for a track the session left behind.
	loadGen uint64
}

func newStreamState(sessionID string) *StreamState {
	return &StreamState{sessionID: sessionID}
}

// SessionID returns the session this state belongs to.
func (st *StreamState) SessionID() string {
	return st.sessionID
}

// snapshotLocked computes the externally observable snapshot at now, adding
// the wall-clock time elapsed since the last tick when position is advancing.
// Callers must hold st.mu.
func (st *StreamState) snapshotLocked(now time.Time) Snapshot {
	position := st.position
	if st.isPlaying && !st.isLoadingTrack {
		position += now.Sub(st.lastTickAt).Seconds()
	}
	position = st.clampLocked(position)
	return Snapshot{
		TrackID:              st.currentTrackID,
		Position:             position,
		IsPlaying:            st.isPlaying,
		TrackDurationSeconds: st.trackDurationSeconds,
	}
}

// clampLocked bounds a position to [0, trackDurationSeconds].
func (st *StreamState) clampLocked(position float64) float64 {
	if position < 0 {
		return 0
	}
	if st.trackDurationSeconds > 0 && position > float64(st.trackDurationSeconds) {
		return float64(st.trackDurationSeconds)
	}
	return position
}

// cancelTimersLocked stops both timers and bumps the load generation so any
// callback already in flight is recognized as stale. Callers must hold st.mu.
func (st *StreamState) cancelTimersLocked() {
	if st.tickTimer != nil {
		st.tickTimer.Cancel()
		st.tickTimer = nil
	}
	if st.loadingTimer != nil {
		st.loadingTimer.Stop()
		st.loadingTimer = nil
	}
	st.loadGen++
}

func (st *StreamState) recordLocked(now time.Time) Record {
	return Record{
		TrackID:   st.currentTrackID,
		StartedAt: st.startedAt,
		Position:  st.position,
		IsPlaying: st.isPlaying,
		UpdatedAt: now,
	}
}
