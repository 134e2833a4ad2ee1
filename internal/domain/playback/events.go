package playback

import (
	"context"
	"errors"
	"time"

	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
)

// Event names published on the broadcast channel. Every subscriber of a
// session receives every event for that session.
const (
	EventTrackChanged   = "track-changed"
	EventPlaying        = "playing"
	EventPaused         = "paused"
	EventSeeked         = "seeked"
	EventStopped        = "stopped"
	EventTrackEnded     = "track-ended"
	EventTrackRemoved   = "track-removed"
	EventQueueReordered = "queue-reordered"
	EventSyncSnapshot   = "sync-snapshot"
)

var (
	// ErrTrackNotFound indicates the requested track does not exist in the
	// store or any catalog provider.
	ErrTrackNotFound = errors.New("track not found")

	// ErrTrackAlreadyQueued indicates the track is already present in the
	// session's queue.
	ErrTrackAlreadyQueued = errors.New("track already queued")

	// ErrInvalidVote indicates a vote with an unknown direction.
	ErrInvalidVote = errors.New("invalid vote direction")
)

// Snapshot is the resynchronization tuple clients use to align their local
// playback without a continuous event stream.
type Snapshot struct {
	TrackID              string  `json:"trackId"`
	Position             float64 `json:"position"`
	IsPlaying            bool    `json:"isPlaying"`
	TrackDurationSeconds int     `json:"trackDurationSeconds"`
}

// TrackPayload accompanies track-ended and track-removed events.
type TrackPayload struct {
	TrackID string `json:"trackId"`
}

// QueueItem is one entry of a queue-reordered payload.
type QueueItem struct {
	EntryID string `json:"entryId"`
	TrackID string `json:"trackId"`
	Rank    int    `json:"rank"`
}

// QueuePayload carries the full queue ordering plus the score map that
// produced it.
type QueuePayload struct {
	Queue  []QueueItem    `json:"queue"`
	Scores map[string]int `json:"scores"`
}

// NewQueuePayload builds the broadcast payload for a queue ordering.
func NewQueuePayload(entries []queue.Entry) QueuePayload {
	items := make([]QueueItem, len(entries))
	for i, entry := range entries {
		items[i] = QueueItem{EntryID: entry.ID, TrackID: entry.TrackID, Rank: entry.Rank}
	}
	return QueuePayload{Queue: items, Scores: queue.Scores(entries)}
}

// Record is the persisted mirror of a session's in-memory stream state. The
// in-memory state is authoritative; records exist to survive restarts.
type Record struct {
	TrackID   string
	StartedAt time.Time
	Position  float64
	IsPlaying bool
	UpdatedAt time.Time
}

// Store is the durable side of the engine: queue entries, votes, session
// counters, and playback records. Write failures must be returned, not
// retried; the engine logs and carries on with its in-memory state.
type Store interface {
	TrackDuration(ctx context.Context, trackID string) (int, error)
	ListQueue(ctx context.Context, sessionID string) ([]queue.Entry, error)
	AddQueueEntry(ctx context.Context, sessionID, trackID, addedBy string, durationSeconds int) (queue.Entry, error)
	RemoveQueueEntry(ctx context.Context, entryID string) error
	Reorder(ctx context.Context, sessionID string, orderedEntryIDs []string) error
	UpsertVote(ctx context.Context, vote queue.Vote) error
	DeleteVotes(ctx context.Context, sessionID, trackID string) error
	DecrementCounters(ctx context.Context, sessionID string, trackCount, durationSeconds int) error
	PersistPlaybackState(ctx context.Context, sessionID string, rec Record) error
	ClearPlaybackState(ctx context.Context, sessionID string) error
	ListPlaybackStates(ctx context.Context) (map[string]Record, error)
}

// Broadcaster delivers a named event to every subscriber of a session.
// Publishing is fire-and-forget: the engine never waits on delivery.
type Broadcaster interface {
	Publish(sessionID, event string, payload any)
}
