// Package playback implements the synchronized group-playback engine: one
// authoritative stream state per session, advanced by a per-session tick
// loop, with queue advancement and vote-score reordering on track end. All
// listeners of a session follow the same logical position; the engine runs
// server-side whether or not any client is connected.
package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
)

// Config holds the engine's timing knobs.
type Config struct {
	// TickInterval is the period of the per-session position timer.
	TickInterval time.Duration
	// BroadcastEveryTicks throttles sync snapshots to every Nth tick.
	BroadcastEveryTicks int
	// GracePeriod is the loading-gate delay between a track change and
	// playback starting, giving clients time to buffer.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.BroadcastEveryTicks <= 0 {
		c.BroadcastEveryTicks = 4
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 3 * time.Second
	}
	return c
}

// Engine owns every session's stream state and is the only writer of them.
// Commands, tick callbacks, and loading-gate callbacks all serialize on the
// per-session mutex, so a session never sees two mutations at once while
// independent sessions run in parallel.
type Engine struct {
	cfg         Config
	store       Store
	broadcaster Broadcaster
	registry    *Registry
}

// NewEngine creates a playback engine. Zero config fields fall back to
// production defaults (250ms ticks, snapshot every 4th tick, 3s grace).
func NewEngine(cfg Config, store Store, broadcaster Broadcaster) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		store:       store,
		broadcaster: broadcaster,
		registry:    NewRegistry(),
	}
}

// lockSession returns the session's state with its mutex held, creating the
// state if absent. Registry membership is re-checked after locking so a
// concurrent Stop cannot hand back an orphaned state.
func (e *Engine) lockSession(sessionID string) (*StreamState, bool) {
	for {
		st, created := e.registry.CreateIfAbsent(sessionID)
		st.mu.Lock()
		if cur, ok := e.registry.GetOrNone(sessionID); ok && cur == st {
			return st, created
		}
		st.mu.Unlock()
	}
}

// lockExisting is lockSession for commands that must not create a session.
func (e *Engine) lockExisting(sessionID string) (*StreamState, bool) {
	for {
		st, ok := e.registry.GetOrNone(sessionID)
		if !ok {
			return nil, false
		}
		st.mu.Lock()
		if cur, ok := e.registry.GetOrNone(sessionID); ok && cur == st {
			return st, true
		}
		st.mu.Unlock()
	}
}

// Start begins or resumes playback for a session. With a track ID it loads
// that track; without one it resumes the current track, or loads the queue's
// top-ranked track when nothing is loaded yet. Starting with an empty queue
// and no track is a no-op with a warning.
func (e *Engine) Start(ctx context.Context, sessionID, trackID string) error {
	st, created := e.lockSession(sessionID)
	defer st.mu.Unlock()

	if trackID == "" || trackID == st.currentTrackID {
		if st.currentTrackID != "" {
			if st.isPlaying || st.isLoadingTrack {
				return nil
			}
			e.resumeLocked(ctx, st, nil)
			return nil
		}

		entries, err := e.store.ListQueue(ctx, sessionID)
		if err != nil {
			if created {
				e.registry.Remove(sessionID)
			}
			return fmt.Errorf("failed to list queue: %w", err)
		}
		if len(entries) == 0 {
			log.Warn().Str("session_id", sessionID).Msg("Start requested with empty queue and no track")
			if created {
				e.registry.Remove(sessionID)
			}
			return nil
		}
		trackID = entries[0].TrackID
	}

	if err := e.loadTrackLocked(ctx, st, trackID, true); err != nil {
		if created {
			e.registry.Remove(sessionID)
		}
		return err
	}
	return nil
}

// Pause freezes the session's position. Pausing an already paused or unknown
// session is a no-op with no broadcast.
func (e *Engine) Pause(ctx context.Context, sessionID string) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return
	}
	defer st.mu.Unlock()

	if !st.isPlaying {
		return
	}

	now := time.Now()
	if !st.isLoadingTrack {
		st.position = st.clampLocked(st.position + now.Sub(st.lastTickAt).Seconds())
	}
	st.lastTickAt = now
	st.isPlaying = false
	if st.tickTimer != nil {
		st.tickTimer.Cancel()
		st.tickTimer = nil
	}

	e.persistLocked(ctx, st)
	e.broadcaster.Publish(sessionID, EventPaused, st.snapshotLocked(now))
}

// Resume restarts a paused session, optionally from an explicit position.
// Resuming a playing, loading, or unknown session is a no-op.
func (e *Engine) Resume(ctx context.Context, sessionID string, fromPosition *float64) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return
	}
	defer st.mu.Unlock()

	if st.isPlaying || st.isLoadingTrack || st.currentTrackID == "" {
		return
	}
	e.resumeLocked(ctx, st, fromPosition)
}

func (e *Engine) resumeLocked(ctx context.Context, st *StreamState, fromPosition *float64) {
	now := time.Now()
	if fromPosition != nil {
		st.position = st.clampLocked(*fromPosition)
	}
	st.isPlaying = true
	st.lastTickAt = now
	st.tickCounter = 0
	e.startTickLocked(st)
	e.persistLocked(ctx, st)
	e.broadcaster.Publish(st.sessionID, EventPlaying, st.snapshotLocked(now))
}

// Seek moves the position within the current track, clamped to its bounds.
// Play/pause state is untouched. Seeks during the loading grace window are
// ignored: position must stay at zero until the gate opens.
func (e *Engine) Seek(ctx context.Context, sessionID string, target float64) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return
	}
	defer st.mu.Unlock()

	if st.isLoadingTrack || st.currentTrackID == "" {
		return
	}

	now := time.Now()
	st.position = st.clampLocked(target)
	st.lastTickAt = now

	e.persistLocked(ctx, st)
	e.broadcaster.Publish(sessionID, EventSeeked, st.snapshotLocked(now))
}

// Skip forces track-end handling for the current track regardless of
// position: the track is removed from the queue and the next one loads.
func (e *Engine) Skip(ctx context.Context, sessionID string) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return
	}
	defer st.mu.Unlock()

	if st.currentTrackID == "" {
		return
	}

	st.cancelTimersLocked()
	st.isPlaying = false
	e.advanceLocked(ctx, st, st.currentTrackID, EventTrackEnded)
}

// ChangeTrack loads the given track immediately, bypassing queue advancement.
// Playback continues after the grace period if the session was playing (or
// about to). Changing tracks on an unknown session is a no-op.
func (e *Engine) ChangeTrack(ctx context.Context, sessionID, trackID string) error {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return nil
	}
	defer st.mu.Unlock()

	autoplay := st.isPlaying || (st.isLoadingTrack && st.pendingAutoplay)
	return e.loadTrackLocked(ctx, st, trackID, autoplay)
}

// Stop tears a session down: timers canceled, cleared record persisted,
// "stopped" broadcast, registry entry removed. Stopping an unknown session
// is a no-op and emits nothing.
func (e *Engine) Stop(ctx context.Context, sessionID string) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return
	}
	defer st.mu.Unlock()

	e.endSessionLocked(ctx, st)
}

// QueryState returns a live snapshot for late joiners: stored position plus
// wall-clock elapsed when playing. The second return is false when the
// session has no active state.
func (e *Engine) QueryState(sessionID string) (Snapshot, bool) {
	st, ok := e.lockExisting(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	defer st.mu.Unlock()

	return st.snapshotLocked(time.Now()), true
}

// HasActiveSession reports whether a session currently has a stream state.
func (e *Engine) HasActiveSession(sessionID string) bool {
	return e.registry.Has(sessionID)
}

// ActiveSessions returns the IDs of all sessions with a stream state.
func (e *Engine) ActiveSessions() []string {
	return e.registry.ActiveSessions()
}

// Queue returns the session's queue entries in rank order with votes
// attached.
func (e *Engine) Queue(ctx context.Context, sessionID string) ([]queue.Entry, error) {
	return e.store.ListQueue(ctx, sessionID)
}

// AddTrack validates a track against the catalog and appends it to the tail
// of the session's queue. Duplicate tracks are rejected.
func (e *Engine) AddTrack(ctx context.Context, sessionID, trackID, addedBy string) (queue.Entry, error) {
	duration, err := e.store.TrackDuration(ctx, trackID)
	if err != nil {
		return queue.Entry{}, err
	}

	entries, err := e.store.ListQueue(ctx, sessionID)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("failed to list queue: %w", err)
	}
	for _, existing := range entries {
		if existing.TrackID == trackID {
			return queue.Entry{}, fmt.Errorf("%w: %s", ErrTrackAlreadyQueued, trackID)
		}
	}

	entry, err := e.store.AddQueueEntry(ctx, sessionID, trackID, addedBy, duration)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("failed to add queue entry: %w", err)
	}

	e.broadcaster.Publish(sessionID, EventQueueReordered, NewQueuePayload(append(entries, entry)))
	return entry, nil
}

// RemoveTrack removes a track from the session's queue along with its votes.
// Removing the currently playing track behaves like a forced skip.
func (e *Engine) RemoveTrack(ctx context.Context, sessionID, trackID string) error {
	if st, ok := e.lockExisting(sessionID); ok {
		defer st.mu.Unlock()
		if st.currentTrackID == trackID {
			st.cancelTimersLocked()
			st.isPlaying = false
			e.advanceLocked(ctx, st, trackID, EventTrackRemoved)
			return nil
		}
		return e.removeQueuedTrack(ctx, sessionID, trackID, st.currentTrackID)
	}
	return e.removeQueuedTrack(ctx, sessionID, trackID, "")
}

func (e *Engine) removeQueuedTrack(ctx context.Context, sessionID, trackID, currentTrackID string) error {
	entries, err := e.store.ListQueue(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	var target *queue.Entry
	remaining := make([]queue.Entry, 0, len(entries))
	for i := range entries {
		if entries[i].TrackID == trackID && target == nil {
			target = &entries[i]
			continue
		}
		remaining = append(remaining, entries[i])
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}

	duration, err := e.store.TrackDuration(ctx, trackID)
	if err != nil {
		log.Warn().Err(err).Str("track_id", trackID).Msg("Could not resolve duration for counter decrement")
		duration = 0
	}

	if err := e.store.RemoveQueueEntry(ctx, target.ID); err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	if err := e.store.DeleteVotes(ctx, sessionID, trackID); err != nil {
		log.Warn().Err(err).Str("track_id", trackID).Msg("Failed to delete votes for removed track")
	}
	if err := e.store.DecrementCounters(ctx, sessionID, 1, duration); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to decrement session counters")
	}

	e.broadcaster.Publish(sessionID, EventTrackRemoved, TrackPayload{TrackID: trackID})
	e.reorderByScore(ctx, sessionID, queue.Renumber(remaining), currentTrackID)
	return nil
}

// CastVote records an up/down vote and re-ranks the upcoming queue by score.
// The currently playing track keeps rank 1; everything behind it reorders.
func (e *Engine) CastVote(ctx context.Context, vote queue.Vote) error {
	switch vote.Direction {
	case queue.DirectionUp, queue.DirectionDown:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVote, vote.Direction)
	}
	if vote.Weight <= 0 {
		vote.Weight = 1
	}

	if st, ok := e.lockExisting(vote.SessionID); ok {
		defer st.mu.Unlock()
		return e.applyVote(ctx, vote, st.currentTrackID)
	}
	return e.applyVote(ctx, vote, "")
}

func (e *Engine) applyVote(ctx context.Context, vote queue.Vote, currentTrackID string) error {
	if err := e.store.UpsertVote(ctx, vote); err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	entries, err := e.store.ListQueue(ctx, vote.SessionID)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}
	e.reorderByScore(ctx, vote.SessionID, entries, currentTrackID)
	return nil
}

// reorderByScore re-ranks entries by vote score with pinnedTrackID held at
// rank 1. The new order is persisted and broadcast only when it actually
// changed.
func (e *Engine) reorderByScore(ctx context.Context, sessionID string, entries []queue.Entry, pinnedTrackID string) {
	if len(entries) == 0 {
		return
	}

	var pinned, rest []queue.Entry
	for _, entry := range entries {
		if entry.TrackID == pinnedTrackID && len(pinned) == 0 {
			pinned = append(pinned, entry)
			continue
		}
		rest = append(rest, entry)
	}
	reordered := queue.Renumber(append(pinned, queue.Rerank(rest)...))

	if queue.SameOrder(entries, reordered) {
		return
	}
	if err := e.store.Reorder(ctx, sessionID, queue.IDs(reordered)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist queue reorder")
	}
	e.broadcaster.Publish(sessionID, EventQueueReordered, NewQueuePayload(reordered))
}

// loadTrackLocked points the session at a new track: pending timers are
// canceled first (the stale-gate hazard), state resets to position zero in
// the loading window, the duration resolves from the store, and the grace
// timer is armed. A failed duration lookup aborts the load and leaves the
// session inert on the assigned track.
func (e *Engine) loadTrackLocked(ctx context.Context, st *StreamState, trackID string, autoplay bool) error {
	st.cancelTimersLocked()

	now := time.Now()
	st.isLoadingTrack = true
	st.pendingAutoplay = autoplay
	st.isPlaying = false
	st.currentTrackID = trackID
	st.position = 0
	st.tickCounter = 0
	st.lastTickAt = now
	st.startedAt = now

	duration, err := e.store.TrackDuration(ctx, trackID)
	if err != nil {
		st.isLoadingTrack = false
		st.pendingAutoplay = false
		log.Warn().Err(err).
			Str("session_id", st.sessionID).
			Str("track_id", trackID).
			Msg("Aborting track load")
		return fmt.Errorf("failed to load track %s: %w", trackID, err)
	}
	st.trackDurationSeconds = duration

	e.persistLocked(ctx, st)
	e.broadcaster.Publish(st.sessionID, EventTrackChanged, st.snapshotLocked(now))

	gen := st.loadGen
	st.loadingTimer = time.AfterFunc(e.cfg.GracePeriod, func() {
		e.finishLoading(st, gen)
	})

	log.Debug().
		Str("session_id", st.sessionID).
		Str("track_id", trackID).
		Int("duration", duration).
		Bool("autoplay", autoplay).
		Msg("Track loaded, grace period started")
	return nil
}

// finishLoading is the loading-gate callback. The generation check makes a
// superseded gate a no-op even when its callback was already blocked on the
// state lock when the cancellation happened.
func (e *Engine) finishLoading(st *StreamState, gen uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.loadGen != gen {
		return
	}
	st.loadingTimer = nil
	st.isLoadingTrack = false

	autoplay := st.pendingAutoplay
	st.pendingAutoplay = false

	ctx := context.Background()
	if !autoplay {
		e.persistLocked(ctx, st)
		return
	}

	now := time.Now()
	st.isPlaying = true
	st.lastTickAt = now
	st.tickCounter = 0
	e.startTickLocked(st)
	e.persistLocked(ctx, st)
	e.broadcaster.Publish(st.sessionID, EventPlaying, st.snapshotLocked(now))
}

func (e *Engine) startTickLocked(st *StreamState) {
	if st.tickTimer != nil {
		st.tickTimer.Cancel()
	}
	h := newTickHandle()
	st.tickTimer = h
	h.start(e.cfg.TickInterval, func() { e.tick(st, h) })
}

// tick advances the session's position by the wall-clock time since the last
// tick, fires track-end handling when the track runs out, and broadcasts a
// sync snapshot every Nth tick.
func (e *Engine) tick(st *StreamState, h *tickHandle) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// A canceled or replaced timer may still deliver one callback that was
	// already waiting on the lock.
	if st.tickTimer != h {
		return
	}
	if !st.isPlaying || st.isLoadingTrack {
		return
	}

	now := time.Now()
	st.position += now.Sub(st.lastTickAt).Seconds()
	st.lastTickAt = now

	if st.trackDurationSeconds > 0 && st.position >= float64(st.trackDurationSeconds) {
		st.position = float64(st.trackDurationSeconds)
		h.Cancel()
		st.tickTimer = nil
		st.isPlaying = false
		e.advanceLocked(context.Background(), st, st.currentTrackID, EventTrackEnded)
		return
	}

	st.tickCounter++
	if st.tickCounter >= e.cfg.BroadcastEveryTicks {
		st.tickCounter = 0
		e.broadcaster.Publish(st.sessionID, EventSyncSnapshot, st.snapshotLocked(now))
	}
}

// advanceLocked handles the end of endedTrackID: broadcast the end event,
// drop the entry and its votes, re-rank the remainder by score, and load the
// new rank 1 with autoplay. An exhausted queue ends the session.
func (e *Engine) advanceLocked(ctx context.Context, st *StreamState, endedTrackID, endEvent string) {
	e.broadcaster.Publish(st.sessionID, endEvent, TrackPayload{TrackID: endedTrackID})

	entries, err := e.store.ListQueue(ctx, st.sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", st.sessionID).Msg("Failed to list queue for advancement")
		return
	}

	remaining := make([]queue.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.TrackID == endedTrackID {
			if err := e.store.RemoveQueueEntry(ctx, entry.ID); err != nil {
				log.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to remove finished queue entry")
			}
			if err := e.store.DeleteVotes(ctx, st.sessionID, endedTrackID); err != nil {
				log.Warn().Err(err).Str("track_id", endedTrackID).Msg("Failed to delete votes for finished track")
			}
			if err := e.store.DecrementCounters(ctx, st.sessionID, 1, st.trackDurationSeconds); err != nil {
				log.Warn().Err(err).Str("session_id", st.sessionID).Msg("Failed to decrement session counters")
			}
			continue
		}
		remaining = append(remaining, entry)
	}
	remaining = queue.Renumber(remaining)

	reordered := queue.Rerank(remaining)
	if !queue.SameOrder(remaining, reordered) {
		if err := e.store.Reorder(ctx, st.sessionID, queue.IDs(reordered)); err != nil {
			log.Warn().Err(err).Str("session_id", st.sessionID).Msg("Failed to persist queue reorder")
		}
		e.broadcaster.Publish(st.sessionID, EventQueueReordered, NewQueuePayload(reordered))
	}

	if len(reordered) == 0 {
		log.Info().Str("session_id", st.sessionID).Msg("Queue exhausted, ending session")
		e.endSessionLocked(ctx, st)
		return
	}

	if err := e.loadTrackLocked(ctx, st, reordered[0].TrackID, true); err != nil {
		log.Warn().Err(err).
			Str("session_id", st.sessionID).
			Str("track_id", reordered[0].TrackID).
			Msg("Failed to load next track")
	}
}

// endSessionLocked clears the stream state, persists a cleared record,
// broadcasts "stopped", and removes the session from the registry.
func (e *Engine) endSessionLocked(ctx context.Context, st *StreamState) {
	st.cancelTimersLocked()
	st.currentTrackID = ""
	st.trackDurationSeconds = 0
	st.position = 0
	st.isPlaying = false
	st.isLoadingTrack = false
	st.pendingAutoplay = false

	if err := e.store.ClearPlaybackState(ctx, st.sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", st.sessionID).Msg("Failed to clear playback state")
	}
	e.broadcaster.Publish(st.sessionID, EventStopped, st.snapshotLocked(time.Now()))
	e.registry.Remove(st.sessionID)

	log.Info().Str("session_id", st.sessionID).Msg("Session stopped")
}

func (e *Engine) persistLocked(ctx context.Context, st *StreamState) {
	rec := st.recordLocked(time.Now())
	if err := e.store.PersistPlaybackState(ctx, st.sessionID, rec); err != nil {
		log.Warn().Err(err).Str("session_id", st.sessionID).Msg("Failed to persist playback state")
	}
}

// RestoreSessions recreates stream states from persisted playback records,
// paused at their stored positions. Listeners resume playback explicitly;
// auto-resuming after a restart would replay the downtime as silence.
func (e *Engine) RestoreSessions(ctx context.Context) error {
	states, err := e.store.ListPlaybackStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list playback states: %w", err)
	}

	restored := 0
	for sessionID, rec := range states {
		duration, err := e.store.TrackDuration(ctx, rec.TrackID)
		if err != nil {
			log.Warn().Err(err).
				Str("session_id", sessionID).
				Str("track_id", rec.TrackID).
				Msg("Skipping session restore, track unresolvable")
			continue
		}

		st, created := e.lockSession(sessionID)
		if !created {
			st.mu.Unlock()
			continue
		}
		st.currentTrackID = rec.TrackID
		st.trackDurationSeconds = duration
		st.position = st.clampLocked(rec.Position)
		st.isPlaying = false
		st.startedAt = rec.StartedAt
		st.lastTickAt = time.Now()
		position := st.position
		e.persistLocked(ctx, st)
		st.mu.Unlock()

		restored++
		log.Info().
			Str("session_id", sessionID).
			Str("track_id", rec.TrackID).
			Float64("position", position).
			Msg("Restored session playback state")
	}

	if restored > 0 {
		log.Info().Int("sessions", restored).Msg("Playback sessions restored")
	}
	return nil
}

// Shutdown flushes every active session to the store and cancels its timers.
// No events are broadcast: subscribers observe the disconnect itself.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, sessionID := range e.registry.ActiveSessions() {
		st, ok := e.lockExisting(sessionID)
		if !ok {
			continue
		}
		if st.isPlaying && !st.isLoadingTrack {
			now := time.Now()
			st.position = st.clampLocked(st.position + now.Sub(st.lastTickAt).Seconds())
			st.lastTickAt = now
		}
		st.isPlaying = false
		st.cancelTimersLocked()
		e.persistLocked(ctx, st)
		st.mu.Unlock()
		e.registry.Remove(sessionID)
	}
	log.Info().Msg("Playback engine stopped")
}
