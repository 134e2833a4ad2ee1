package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
)

// fakeStore is an in-memory Store that mirrors the real store's semantics:
// contiguous ranks, vote upserts keyed by user, counter arithmetic.
type fakeStore struct {
	mu            sync.Mutex
	durations     map[string]int
	notFound      map[string]bool
	queues        map[string][]queue.Entry
	votes         map[string]map[string][]queue.Vote
	persisted     map[string][]Record
	restoreStates map[string]Record
	cleared       map[string]int
	counters      map[string][2]int
	reorders      map[string]int
	persistErr    error
	nextEntry     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		durations:     make(map[string]int),
		notFound:      make(map[string]bool),
		queues:        make(map[string][]queue.Entry),
		votes:         make(map[string]map[string][]queue.Vote),
		persisted:     make(map[string][]Record),
		restoreStates: make(map[string]Record),
		cleared:       make(map[string]int),
		counters:      make(map[string][2]int),
		reorders:      make(map[string]int),
	}
}

func (f *fakeStore) setDuration(trackID string, seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[trackID] = seconds
}

func (f *fakeStore) markNotFound(trackID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notFound[trackID] = true
}

func (f *fakeStore) setPersistErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistErr = err
}

// seedTrack appends a track to a session's queue the way AddQueueEntry would.
func (f *fakeStore) seedTrack(sessionID, trackID string, duration int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[trackID] = duration
	f.appendEntryLocked(sessionID, trackID, "user-1", duration)
}

func (f *fakeStore) appendEntryLocked(sessionID, trackID, addedBy string, duration int) queue.Entry {
	f.nextEntry++
	entry := queue.Entry{
		ID:        fmt.Sprintf("entry-%d", f.nextEntry),
		SessionID: sessionID,
		TrackID:   trackID,
		Rank:      len(f.queues[sessionID]) + 1,
		AddedBy:   addedBy,
		AddedAt:   time.Now(),
	}
	f.queues[sessionID] = append(f.queues[sessionID], entry)
	c := f.counters[sessionID]
	c[0]++
	c[1] += duration
	f.counters[sessionID] = c
	return entry
}

func (f *fakeStore) seedVote(sessionID, trackID, userID string, direction queue.Direction, weight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votes[sessionID] == nil {
		f.votes[sessionID] = make(map[string][]queue.Vote)
	}
	f.votes[sessionID][trackID] = append(f.votes[sessionID][trackID], queue.Vote{
		SessionID: sessionID, TrackID: trackID, UserID: userID, Direction: direction, Weight: weight,
	})
}

func (f *fakeStore) queueSnapshot(sessionID string) []queue.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.Entry, len(f.queues[sessionID]))
	copy(out, f.queues[sessionID])
	return out
}

func (f *fakeStore) votesFor(sessionID, trackID string) []queue.Vote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Vote(nil), f.votes[sessionID][trackID]...)
}

func (f *fakeStore) counterValues(sessionID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counters[sessionID]
	return c[0], c[1]
}

func (f *fakeStore) clearedCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared[sessionID]
}

func (f *fakeStore) lastPersisted(sessionID string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.persisted[sessionID]
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[len(recs)-1], true
}

func (f *fakeStore) TrackDuration(_ context.Context, trackID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[trackID] {
		return 0, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	if d, ok := f.durations[trackID]; ok {
		return d, nil
	}
	return 30, nil
}

func (f *fakeStore) ListQueue(_ context.Context, sessionID string) ([]queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.queues[sessionID]
	out := make([]queue.Entry, len(entries))
	copy(out, entries)
	for i := range out {
		out[i].Votes = append([]queue.Vote(nil), f.votes[sessionID][out[i].TrackID]...)
	}
	return out, nil
}

func (f *fakeStore) AddQueueEntry(_ context.Context, sessionID, trackID, addedBy string, durationSeconds int) (queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendEntryLocked(sessionID, trackID, addedBy, durationSeconds), nil
}

func (f *fakeStore) RemoveQueueEntry(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, entries := range f.queues {
		for i, entry := range entries {
			if entry.ID == entryID {
				entries = append(entries[:i], entries[i+1:]...)
				for j := range entries {
					entries[j].Rank = j + 1
				}
				f.queues[sessionID] = entries
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) Reorder(_ context.Context, sessionID string, orderedEntryIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorders[sessionID]++
	byID := make(map[string]queue.Entry, len(f.queues[sessionID]))
	for _, entry := range f.queues[sessionID] {
		byID[entry.ID] = entry
	}
	out := make([]queue.Entry, 0, len(orderedEntryIDs))
	for i, id := range orderedEntryIDs {
		entry := byID[id]
		entry.Rank = i + 1
		out = append(out, entry)
	}
	f.queues[sessionID] = out
	return nil
}

func (f *fakeStore) UpsertVote(_ context.Context, vote queue.Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votes[vote.SessionID] == nil {
		f.votes[vote.SessionID] = make(map[string][]queue.Vote)
	}
	votes := f.votes[vote.SessionID][vote.TrackID]
	for i, v := range votes {
		if v.UserID == vote.UserID {
			votes[i] = vote
			f.votes[vote.SessionID][vote.TrackID] = votes
			return nil
		}
	}
	f.votes[vote.SessionID][vote.TrackID] = append(votes, vote)
	return nil
}

func (f *fakeStore) DeleteVotes(_ context.Context, sessionID, trackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.votes[sessionID] != nil {
		delete(f.votes[sessionID], trackID)
	}
	return nil
}

func (f *fakeStore) DecrementCounters(_ context.Context, sessionID string, trackCount, durationSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counters[sessionID]
	c[0] -= trackCount
	c[1] -= durationSeconds
	f.counters[sessionID] = c
	return nil
}

func (f *fakeStore) PersistPlaybackState(_ context.Context, sessionID string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted[sessionID] = append(f.persisted[sessionID], rec)
	return nil
}

func (f *fakeStore) ClearPlaybackState(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[sessionID]++
	return nil
}

func (f *fakeStore) ListPlaybackStates(_ context.Context) (map[string]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Record, len(f.restoreStates))
	for sessionID, rec := range f.restoreStates {
		out[sessionID] = rec
	}
	return out, nil
}

type broadcastEvent struct {
	SessionID string
	Event     string
	Payload   any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (b *fakeBroadcaster) Publish(sessionID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{SessionID: sessionID, Event: event, Payload: payload})
}

func (b *fakeBroadcaster) named(event string) []broadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastEvent
	for _, ev := range b.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (b *fakeBroadcaster) count(event string) int {
	return len(b.named(event))
}

func (b *fakeBroadcaster) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func waitForEvent(t *testing.T, b *fakeBroadcaster, event string, count int) []broadcastEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if events := b.named(event); len(events) >= count {
			return events
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events (have %d)", count, event, b.count(event))
	return nil
}

func newTestEngine(s *fakeStore, b *fakeBroadcaster) *Engine {
	return NewEngine(Config{
		TickInterval:        5 * time.Millisecond,
		BroadcastEveryTicks: 4,
		GracePeriod:         30 * time.Millisecond,
	}, s, b)
}

func startPlaying(t *testing.T, e *Engine, b *fakeBroadcaster, sessionID string) {
	t.Helper()
	if err := e.Start(context.Background(), sessionID, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForEvent(t, b, EventPlaying, 1)
}

func TestStartLoadsTopOfQueueAndAutoplays(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	if err := e.Start(context.Background(), "session-1", ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	changed := waitForEvent(t, b, EventTrackChanged, 1)
	snap := changed[0].Payload.(Snapshot)
	if snap.TrackID != "track-a" {
		t.Errorf("track-changed trackId = %q, want track-a", snap.TrackID)
	}
	if snap.Position != 0 || snap.IsPlaying {
		t.Errorf("track-changed must announce position 0 and not playing, got %+v", snap)
	}

	playing := waitForEvent(t, b, EventPlaying, 1)
	psnap := playing[0].Payload.(Snapshot)
	if psnap.TrackID != "track-a" || !psnap.IsPlaying {
		t.Errorf("playing broadcast = %+v, want track-a playing", psnap)
	}
	if psnap.Position != 0 {
		t.Errorf("playing after grace must start from 0, got %f", psnap.Position)
	}

	if !e.HasActiveSession("session-1") {
		t.Error("session should be active after start")
	}
	state, ok := e.QueryState("session-1")
	if !ok || !state.IsPlaying {
		t.Errorf("QueryState = %+v, %v; want playing state", state, ok)
	}
}

func TestStartWithEmptyQueueIsNoOp(t *testing.T) {
	s := newFakeStore()
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	if err := e.Start(context.Background(), "session-1", ""); err != nil {
		t.Fatalf("Start with empty queue should not error: %v", err)
	}
	if e.HasActiveSession("session-1") {
		t.Error("no session should remain after an empty-queue start")
	}
	if b.total() != 0 {
		t.Errorf("expected no broadcasts, got %d", b.total())
	}
}

func TestStartUnknownTrackAbortsLoad(t *testing.T) {
	s := newFakeStore()
	s.markNotFound("ghost")
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	err := e.Start(context.Background(), "session-1", "ghost")
	if !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("expected ErrTrackNotFound, got %v", err)
	}
	if b.count(EventTrackChanged) != 0 {
		t.Error("aborted load must not broadcast track-changed")
	}
	if e.HasActiveSession("session-1") {
		t.Error("freshly created session should be discarded after a failed load")
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")
	time.Sleep(20 * time.Millisecond)

	e.Pause(ctx, "session-1")
	paused := waitForEvent(t, b, EventPaused, 1)
	snap := paused[0].Payload.(Snapshot)
	if snap.IsPlaying {
		t.Error("paused broadcast must carry isPlaying=false")
	}
	if snap.Position <= 0 {
		t.Errorf("pause must flush elapsed time into position, got %f", snap.Position)
	}

	e.Pause(ctx, "session-1")
	time.Sleep(10 * time.Millisecond)
	if got := b.count(EventPaused); got != 1 {
		t.Errorf("second pause must be a no-op, got %d paused broadcasts", got)
	}

	st, ok := e.registry.GetOrNone("session-1")
	if !ok {
		t.Fatal("state missing after pause")
	}
	st.mu.Lock()
	if st.tickTimer != nil {
		t.Error("tick timer must be canceled while paused")
	}
	st.mu.Unlock()
}

func TestSeekClamps(t *testing.T) {
	tests := []struct {
		name   string
		target float64
		want   float64
	}{
		{"within bounds", 120, 120},
		{"beyond duration clamps to duration", 500, 200},
		{"negative clamps to zero", -3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStore()
			s.seedTrack("session-1", "track-a", 200)
			b := &fakeBroadcaster{}
			e := newTestEngine(s, b)

			startPlaying(t, e, b, "session-1")
			e.Seek(context.Background(), "session-1", tt.target)

			seeked := waitForEvent(t, b, EventSeeked, 1)
			snap := seeked[0].Payload.(Snapshot)
			if snap.Position != tt.want {
				t.Errorf("seeked position = %f, want %f", snap.Position, tt.want)
			}
			if !snap.IsPlaying {
				t.Error("seek must not change isPlaying")
			}

			state, _ := e.QueryState("session-1")
			if state.Position < tt.want || state.Position > tt.want+1 {
				t.Errorf("QueryState position = %f, want ~%f", state.Position, tt.want)
			}
		})
	}
}

func TestResumeFromPosition(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")
	e.Pause(ctx, "session-1")
	waitForEvent(t, b, EventPaused, 1)

	pos := 42.5
	e.Resume(ctx, "session-1", &pos)

	playing := waitForEvent(t, b, EventPlaying, 2)
	snap := playing[1].Payload.(Snapshot)
	if snap.Position != 42.5 {
		t.Errorf("resume position = %f, want 42.5", snap.Position)
	}
	if !snap.IsPlaying {
		t.Error("resume broadcast must carry isPlaying=true")
	}
}

func TestResumeWhilePlayingIsNoOp(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")
	e.Resume(context.Background(), "session-1", nil)
	time.Sleep(10 * time.Millisecond)

	if got := b.count(EventPlaying); got != 1 {
		t.Errorf("resume while playing must not rebroadcast, got %d playing events", got)
	}
}

func TestSkipAdvancesToNextTrack(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.seedTrack("session-1", "track-b", 180)
	s.seedVote("session-1", "track-a", "user-2", queue.DirectionUp, 1)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")
	e.Skip(ctx, "session-1")

	ended := waitForEvent(t, b, EventTrackEnded, 1)
	if payload := ended[0].Payload.(TrackPayload); payload.TrackID != "track-a" {
		t.Errorf("track-ended for %q, want track-a", payload.TrackID)
	}

	changed := waitForEvent(t, b, EventTrackChanged, 2)
	if snap := changed[1].Payload.(Snapshot); snap.TrackID != "track-b" {
		t.Errorf("next track = %q, want track-b", snap.TrackID)
	}
	playing := waitForEvent(t, b, EventPlaying, 2)
	if snap := playing[1].Payload.(Snapshot); snap.TrackID != "track-b" || !snap.IsPlaying {
		t.Errorf("second playing broadcast = %+v, want track-b playing", snap)
	}

	entries := s.queueSnapshot("session-1")
	if len(entries) != 1 || entries[0].TrackID != "track-b" || entries[0].Rank != 1 {
		t.Errorf("queue after skip = %+v, want [track-b rank 1]", entries)
	}
	if votes := s.votesFor("session-1", "track-a"); len(votes) != 0 {
		t.Errorf("votes for the finished track must be deleted, got %d", len(votes))
	}
	trackCount, totalDuration := s.counterValues("session-1")
	if trackCount != 1 || totalDuration != 180 {
		t.Errorf("counters after skip = %d/%d, want 1/180", trackCount, totalDuration)
	}
}

func TestTrackEndAdvancesQueue(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 1)
	s.seedTrack("session-1", "track-b", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")

	ended := waitForEvent(t, b, EventTrackEnded, 1)
	if payload := ended[0].Payload.(TrackPayload); payload.TrackID != "track-a" {
		t.Errorf("track-ended for %q, want track-a", payload.TrackID)
	}

	changed := waitForEvent(t, b, EventTrackChanged, 2)
	if snap := changed[1].Payload.(Snapshot); snap.TrackID != "track-b" || snap.Position != 0 {
		t.Errorf("advancement track-changed = %+v, want track-b at 0", snap)
	}
	waitForEvent(t, b, EventPlaying, 2)

	// Position never exceeded the finished track's duration in any snapshot.
	for _, ev := range b.named(EventSyncSnapshot) {
		snap := ev.Payload.(Snapshot)
		if snap.TrackID != "track-a" {
			continue
		}
		if snap.Position < 0 || snap.Position > 1 {
			t.Errorf("snapshot position %f out of [0, 1]", snap.Position)
		}
	}

	entries := s.queueSnapshot("session-1")
	if len(entries) != 1 || entries[0].TrackID != "track-b" || entries[0].Rank != 1 {
		t.Errorf("queue after track end = %+v, want [track-b rank 1]", entries)
	}
}

func TestUpvoteOnNextTrackDoesNotBroadcastReorder(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.seedTrack("session-1", "track-b", 180)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")

	vote := queue.Vote{SessionID: "session-1", TrackID: "track-b", UserID: "user-2", Direction: queue.DirectionUp, Weight: 1}
	if err := e.CastVote(ctx, vote); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// track-b was already next in line; the score changed but the order did
	// not, so no reorder broadcast goes out.
	if got := b.count(EventQueueReordered); got != 0 {
		t.Errorf("expected no queue-reordered broadcast, got %d", got)
	}
	if votes := s.votesFor("session-1", "track-b"); len(votes) != 1 {
		t.Fatalf("vote not recorded: %v", votes)
	}

	e.Skip(ctx, "session-1")
	playing := waitForEvent(t, b, EventPlaying, 2)
	if snap := playing[1].Payload.(Snapshot); snap.TrackID != "track-b" {
		t.Errorf("after skip %q plays, want track-b", snap.TrackID)
	}
	if got := b.count(EventQueueReordered); got != 0 {
		t.Errorf("single-entry queue must not broadcast a reorder, got %d", got)
	}
}

func TestVoteReordersUpcomingTracks(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.seedTrack("session-1", "track-b", 180)
	s.seedTrack("session-1", "track-c", 160)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")

	vote := queue.Vote{SessionID: "session-1", TrackID: "track-c", UserID: "user-2", Direction: queue.DirectionUp, Weight: 1}
	if err := e.CastVote(context.Background(), vote); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	reordered := waitForEvent(t, b, EventQueueReordered, 1)
	payload := reordered[0].Payload.(QueuePayload)
	wantOrder := []string{"track-a", "track-c", "track-b"}
	if len(payload.Queue) != 3 {
		t.Fatalf("reorder payload has %d items, want 3", len(payload.Queue))
	}
	for i, want := range wantOrder {
		if payload.Queue[i].TrackID != want {
			t.Errorf("position %d: got %q, want %q", i, payload.Queue[i].TrackID, want)
		}
		if payload.Queue[i].Rank != i+1 {
			t.Errorf("position %d: rank = %d, want %d", i, payload.Queue[i].Rank, i+1)
		}
	}
	if payload.Scores["track-c"] != 1 {
		t.Errorf("score for track-c = %d, want 1", payload.Scores["track-c"])
	}

	entries := s.queueSnapshot("session-1")
	for i, want := range wantOrder {
		if entries[i].TrackID != want {
			t.Errorf("store order position %d: got %q, want %q", i, entries[i].TrackID, want)
		}
	}
}

func TestCastVoteRejectsInvalidDirection(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeBroadcaster{})

	vote := queue.Vote{SessionID: "session-1", TrackID: "track-a", UserID: "user-1", Direction: "sideways"}
	if err := e.CastVote(context.Background(), vote); !errors.Is(err, ErrInvalidVote) {
		t.Errorf("expected ErrInvalidVote, got %v", err)
	}
}

func TestChangeTrackTwiceEmitsOnePlayingForSecondTrack(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.setDuration("track-x", 150)
	s.setDuration("track-y", 140)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")

	// Two changes inside one grace period: the first gate must never fire.
	if err := e.ChangeTrack(ctx, "session-1", "track-x"); err != nil {
		t.Fatalf("first ChangeTrack failed: %v", err)
	}
	if err := e.ChangeTrack(ctx, "session-1", "track-y"); err != nil {
		t.Fatalf("second ChangeTrack failed: %v", err)
	}

	playing := waitForEvent(t, b, EventPlaying, 2)
	time.Sleep(80 * time.Millisecond) // two more grace periods for any stale gate

	if got := b.count(EventPlaying); got != 2 {
		t.Fatalf("expected exactly 2 playing broadcasts (start + second change), got %d", got)
	}
	if snap := playing[1].Payload.(Snapshot); snap.TrackID != "track-y" {
		t.Errorf("playing after double change = %q, want track-y", snap.TrackID)
	}
	for _, ev := range b.named(EventPlaying) {
		if snap := ev.Payload.(Snapshot); snap.TrackID == "track-x" {
			t.Error("superseded track must never reach playing")
		}
	}
	if got := b.count(EventTrackChanged); got != 3 {
		t.Errorf("expected 3 track-changed broadcasts, got %d", got)
	}
}

func TestChangeTrackWhilePausedStaysPaused(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.setDuration("track-x", 150)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")
	e.Pause(ctx, "session-1")
	waitForEvent(t, b, EventPaused, 1)

	if err := e.ChangeTrack(ctx, "session-1", "track-x"); err != nil {
		t.Fatalf("ChangeTrack failed: %v", err)
	}
	waitForEvent(t, b, EventTrackChanged, 2)
	time.Sleep(80 * time.Millisecond)

	if got := b.count(EventPlaying); got != 1 {
		t.Errorf("paused session must not autoplay after a change, got %d playing events", got)
	}
	state, ok := e.QueryState("session-1")
	if !ok || state.TrackID != "track-x" || state.IsPlaying || state.Position != 0 {
		t.Errorf("QueryState = %+v, %v; want track-x paused at 0", state, ok)
	}
}

func TestStopIsIdempotentAndSilentOnMissing(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	e.Stop(ctx, "ghost")
	if b.total() != 0 {
		t.Errorf("stopping an unknown session must emit nothing, got %d events", b.total())
	}

	startPlaying(t, e, b, "session-1")
	e.Stop(ctx, "session-1")

	waitForEvent(t, b, EventStopped, 1)
	if e.HasActiveSession("session-1") {
		t.Error("session should be gone after stop")
	}
	if s.clearedCount("session-1") != 1 {
		t.Errorf("stop must clear the persisted state once, got %d", s.clearedCount("session-1"))
	}

	e.Stop(ctx, "session-1")
	time.Sleep(10 * time.Millisecond)
	if got := b.count(EventStopped); got != 1 {
		t.Errorf("second stop must be a no-op, got %d stopped broadcasts", got)
	}
}

func TestEmptyQueueAdvanceEndsSession(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 1)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")

	waitForEvent(t, b, EventTrackEnded, 1)
	waitForEvent(t, b, EventStopped, 1)

	if e.HasActiveSession("session-1") {
		t.Error("session should be removed once the queue is exhausted")
	}
	if s.clearedCount("session-1") != 1 {
		t.Errorf("exhausted queue must clear the persisted state, got %d", s.clearedCount("session-1"))
	}
	trackCount, totalDuration := s.counterValues("session-1")
	if trackCount != 0 || totalDuration != 0 {
		t.Errorf("counters after exhaustion = %d/%d, want 0/0", trackCount, totalDuration)
	}
}

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.setPersistErr(errors.New("disk full"))
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	if err := e.Start(ctx, "session-1", ""); err != nil {
		t.Fatalf("Start must not fail on persistence errors: %v", err)
	}
	waitForEvent(t, b, EventPlaying, 1)

	e.Pause(ctx, "session-1")
	waitForEvent(t, b, EventPaused, 1)

	state, ok := e.QueryState("session-1")
	if !ok || state.TrackID != "track-a" {
		t.Errorf("in-memory state must stay authoritative, got %+v, %v", state, ok)
	}
}

func TestQueryStateComputesLivePosition(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")

	first, ok := e.QueryState("session-1")
	if !ok {
		t.Fatal("expected an active state")
	}
	time.Sleep(50 * time.Millisecond)
	second, _ := e.QueryState("session-1")

	if second.Position <= first.Position {
		t.Errorf("position must advance between queries: %f then %f", first.Position, second.Position)
	}
	if second.Position < 0 || second.Position > 200 {
		t.Errorf("position %f out of [0, 200]", second.Position)
	}
}

func TestSyncSnapshotsAreThrottled(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")
	time.Sleep(200 * time.Millisecond) // ~40 ticks at 5ms

	count := b.count(EventSyncSnapshot)
	if count < 2 {
		t.Errorf("expected periodic snapshots, got %d", count)
	}
	if count > 15 {
		t.Errorf("snapshots not throttled: %d broadcasts in ~40 ticks", count)
	}
	for _, ev := range b.named(EventSyncSnapshot) {
		snap := ev.Payload.(Snapshot)
		if !snap.IsPlaying || snap.TrackID != "track-a" {
			t.Errorf("unexpected snapshot %+v", snap)
		}
		if snap.Position < 0 || snap.Position > 200 {
			t.Errorf("snapshot position %f out of bounds", snap.Position)
		}
	}
}

func TestCommandsOnMissingSessionAreNoOps(t *testing.T) {
	e := newTestEngine(newFakeStore(), &fakeBroadcaster{})
	b := e.broadcaster.(*fakeBroadcaster)
	ctx := context.Background()

	e.Pause(ctx, "ghost")
	e.Resume(ctx, "ghost", nil)
	e.Seek(ctx, "ghost", 10)
	e.Skip(ctx, "ghost")
	if err := e.ChangeTrack(ctx, "ghost", "track-x"); err != nil {
		t.Errorf("ChangeTrack on missing session should be a no-op, got %v", err)
	}

	if _, ok := e.QueryState("ghost"); ok {
		t.Error("QueryState should report no state")
	}
	if e.HasActiveSession("ghost") {
		t.Error("no session should have been created")
	}
	if b.total() != 0 {
		t.Errorf("no-ops must not broadcast, got %d events", b.total())
	}
}

func TestAddTrackRejectsDuplicates(t *testing.T) {
	s := newFakeStore()
	s.setDuration("track-a", 100)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	entry, err := e.AddTrack(ctx, "session-1", "track-a", "user-1")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}
	if entry.Rank != 1 {
		t.Errorf("first entry rank = %d, want 1", entry.Rank)
	}
	if got := b.count(EventQueueReordered); got != 1 {
		t.Errorf("add must broadcast the new queue, got %d", got)
	}

	if _, err := e.AddTrack(ctx, "session-1", "track-a", "user-2"); !errors.Is(err, ErrTrackAlreadyQueued) {
		t.Errorf("expected ErrTrackAlreadyQueued, got %v", err)
	}
}

func TestRemoveQueuedTrackDeletesVotes(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.seedTrack("session-1", "track-b", 180)
	s.seedTrack("session-1", "track-c", 160)
	s.seedVote("session-1", "track-b", "user-2", queue.DirectionUp, 1)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)
	ctx := context.Background()

	startPlaying(t, e, b, "session-1")

	if err := e.RemoveTrack(ctx, "session-1", "track-b"); err != nil {
		t.Fatalf("RemoveTrack failed: %v", err)
	}

	removed := waitForEvent(t, b, EventTrackRemoved, 1)
	if payload := removed[0].Payload.(TrackPayload); payload.TrackID != "track-b" {
		t.Errorf("track-removed for %q, want track-b", payload.TrackID)
	}
	if votes := s.votesFor("session-1", "track-b"); len(votes) != 0 {
		t.Errorf("votes must not outlive their target, got %d", len(votes))
	}

	entries := s.queueSnapshot("session-1")
	if len(entries) != 2 {
		t.Fatalf("queue has %d entries, want 2", len(entries))
	}
	if entries[0].TrackID != "track-a" || entries[0].Rank != 1 ||
		entries[1].TrackID != "track-c" || entries[1].Rank != 2 {
		t.Errorf("queue after removal = %+v, want [track-a 1, track-c 2]", entries)
	}
}

func TestRemoveCurrentTrackAdvances(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	s.seedTrack("session-1", "track-b", 180)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")

	if err := e.RemoveTrack(context.Background(), "session-1", "track-a"); err != nil {
		t.Fatalf("RemoveTrack failed: %v", err)
	}

	removed := waitForEvent(t, b, EventTrackRemoved, 1)
	if payload := removed[0].Payload.(TrackPayload); payload.TrackID != "track-a" {
		t.Errorf("track-removed for %q, want track-a", payload.TrackID)
	}
	playing := waitForEvent(t, b, EventPlaying, 2)
	if snap := playing[1].Payload.(Snapshot); snap.TrackID != "track-b" {
		t.Errorf("after removing the current track %q plays, want track-b", snap.TrackID)
	}
}

func TestRestoreSessionsComeBackPaused(t *testing.T) {
	s := newFakeStore()
	s.setDuration("track-a", 200)
	s.restoreStates["session-1"] = Record{TrackID: "track-a", Position: 42, IsPlaying: true}
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	if err := e.RestoreSessions(context.Background()); err != nil {
		t.Fatalf("RestoreSessions failed: %v", err)
	}

	if !e.HasActiveSession("session-1") {
		t.Fatal("restored session should be active")
	}
	state, _ := e.QueryState("session-1")
	if state.TrackID != "track-a" || state.Position != 42 || state.IsPlaying {
		t.Errorf("restored state = %+v, want track-a paused at 42", state)
	}
	if b.count(EventPlaying) != 0 {
		t.Error("restore must not start playback")
	}
}

func TestShutdownFlushesSessions(t *testing.T) {
	s := newFakeStore()
	s.seedTrack("session-1", "track-a", 200)
	b := &fakeBroadcaster{}
	e := newTestEngine(s, b)

	startPlaying(t, e, b, "session-1")
	time.Sleep(20 * time.Millisecond)

	e.Shutdown(context.Background())

	if e.HasActiveSession("session-1") {
		t.Error("no sessions should remain after shutdown")
	}
	rec, ok := s.lastPersisted("session-1")
	if !ok {
		t.Fatal("shutdown must persist the final state")
	}
	if rec.IsPlaying {
		t.Error("flushed record must be paused")
	}
	if rec.Position <= 0 {
		t.Errorf("flushed position = %f, want elapsed time included", rec.Position)
	}
	if got := b.count(EventStopped); got != 0 {
		t.Errorf("shutdown must not broadcast stopped, got %d", got)
	}
}
