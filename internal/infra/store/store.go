package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/smiley16479/music-room-sub006/internal/domain/playback"
	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
	"github.com/smiley16479/music-room-sub006/internal/infra/catalog"
)

// Store implements the playback engine's persistence interface on top of the
// SQLite database, resolving unknown tracks through the catalog registry.
type Store struct {
	db                    *DB
	resolver              catalog.Resolver
	defaultPreviewSeconds int
}

// New creates a store backed by db. Tracks missing from the local cache are
// resolved through resolver; tracks whose duration cannot be determined fall
// back to defaultPreviewSeconds.
func New(db *DB, resolver catalog.Resolver, defaultPreviewSeconds int) *Store {
	return &Store{
		db:                    db,
		resolver:              resolver,
		defaultPreviewSeconds: defaultPreviewSeconds,
	}
}

// TrackDuration returns the duration of a track in seconds. Metadata is served
// from the local tracks table when present, otherwise resolved through the
// catalog and cached. Tracks that resolve without a usable duration get the
// default preview length.
func (s *Store) TrackDuration(ctx context.Context, trackID string) (int, error) {
	var (
		duration   int
		resolvedAt sql.NullString
	)
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT duration, resolved_at FROM tracks WHERE id = ?", trackID,
	).Scan(&duration, &resolvedAt)
	if err == nil && resolvedAt.Valid {
		return s.previewFallback(duration), nil
	}
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read track %s: %w", trackID, err)
	}

	track, err := s.resolver.ResolveTrack(ctx, trackID)
	if err != nil {
		if errors.Is(err, catalog.ErrTrackNotFound) || errors.Is(err, catalog.ErrUnknownProvider) {
			return 0, fmt.Errorf("%w: %s", playback.ErrTrackNotFound, trackID)
		}
		return 0, fmt.Errorf("failed to resolve track %s: %w", trackID, err)
	}

	// Cache failures are non-fatal: the resolved duration is already in hand.
	if err := s.upsertTrack(ctx, track); err != nil {
		log.Warn().Err(err).Str("track_id", trackID).Msg("Failed to cache track metadata")
	}

	return s.previewFallback(track.DurationSeconds), nil
}

// TrackInfo returns cached metadata for a track, resolving and caching it on a
// miss.
func (s *Store) TrackInfo(ctx context.Context, trackID string) (*catalog.Track, error) {
	var (
		track      catalog.Track
		resolvedAt sql.NullString
	)
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT id, provider, title, artist, album, duration, artwork_url, preview_url, resolved_at
		FROM tracks WHERE id = ?
	`, trackID).Scan(
		&track.ID, &track.Provider, &track.Title, &track.Artist, &track.Album,
		&track.DurationSeconds, &track.ArtworkURL, &track.PreviewURL, &resolvedAt,
	)
	if err == nil && resolvedAt.Valid {
		return &track, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read track %s: %w", trackID, err)
	}

	resolved, err := s.resolver.ResolveTrack(ctx, trackID)
	if err != nil {
		if errors.Is(err, catalog.ErrTrackNotFound) || errors.Is(err, catalog.ErrUnknownProvider) {
			return nil, fmt.Errorf("%w: %s", playback.ErrTrackNotFound, trackID)
		}
		return nil, fmt.Errorf("failed to resolve track %s: %w", trackID, err)
	}
	if err := s.upsertTrack(ctx, resolved); err != nil {
		log.Warn().Err(err).Str("track_id", trackID).Msg("Failed to cache track metadata")
	}
	return resolved, nil
}

func (s *Store) upsertTrack(ctx context.Context, track *catalog.Track) error {
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO tracks (id, provider, title, artist, album, duration, artwork_url, preview_url, resolved_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = ?, title = ?, artist = ?, album = ?, duration = ?,
			artwork_url = ?, preview_url = ?, resolved_at = ?, updated_at = ?
	`,
		track.ID, track.Provider, track.Title, track.Artist, track.Album,
		track.DurationSeconds, track.ArtworkURL, track.PreviewURL, now, now,
		track.Provider, track.Title, track.Artist, track.Album,
		track.DurationSeconds, track.ArtworkURL, track.PreviewURL, now, now,
	)
	return err
}

func (s *Store) previewFallback(duration int) int {
	if duration > 0 {
		return duration
	}
	return s.defaultPreviewSeconds
}

// ListQueue returns the queue entries for a session ordered by rank, with
// votes attached per track.
func (s *Store) ListQueue(ctx context.Context, sessionID string) ([]queue.Entry, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, session_id, track_id, rank, added_by, added_at
		FROM queue_entries
		WHERE session_id = ?
		ORDER BY rank ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		var (
			entry   queue.Entry
			addedAt sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.TrackID, &entry.Rank, &entry.AddedBy, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if addedAt.Valid {
			if t, perr := time.Parse(time.RFC3339, addedAt.String); perr == nil {
				entry.AddedAt = t
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}

	if len(entries) == 0 {
		return entries, nil
	}

	votesByTrack, err := s.sessionVotes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Votes = votesByTrack[entries[i].TrackID]
	}
	return entries, nil
}

func (s *Store) sessionVotes(ctx context.Context, sessionID string) (map[string][]queue.Vote, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT session_id, track_id, user_id, direction, weight
		FROM votes
		WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	votesByTrack := make(map[string][]queue.Vote)
	for rows.Next() {
		var vote queue.Vote
		if err := rows.Scan(&vote.SessionID, &vote.TrackID, &vote.UserID, &vote.Direction, &vote.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votesByTrack[vote.TrackID] = append(votesByTrack[vote.TrackID], vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate votes: %w", err)
	}
	return votesByTrack, nil
}

// AddQueueEntry appends a track to the tail of a session's queue and bumps the
// session counters. The session row is created on first use.
func (s *Store) AddQueueEntry(ctx context.Context, sessionID, trackID, addedBy string, durationSeconds int) (queue.Entry, error) {
	tx, err := s.db.BeginTx()
	if err != nil {
		return queue.Entry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO sessions (id) VALUES (?)", sessionID); err != nil {
		return queue.Entry{}, fmt.Errorf("failed to ensure session %s: %w", sessionID, err)
	}

	var nextRank int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(rank), 0) + 1 FROM queue_entries WHERE session_id = ?", sessionID,
	).Scan(&nextRank); err != nil {
		return queue.Entry{}, fmt.Errorf("failed to compute next rank: %w", err)
	}

	entry := queue.Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TrackID:   trackID,
		Rank:      nextRank,
		AddedBy:   addedBy,
		AddedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (id, session_id, track_id, rank, added_by, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.SessionID, entry.TrackID, entry.Rank, entry.AddedBy, now.Format(time.RFC3339)); err != nil {
		return queue.Entry{}, fmt.Errorf("failed to insert queue entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET track_count = track_count + 1, total_duration = total_duration + ?, updated_at = ?
		WHERE id = ?
	`, durationSeconds, now.Format(time.RFC3339), sessionID); err != nil {
		return queue.Entry{}, fmt.Errorf("failed to update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return queue.Entry{}, fmt.Errorf("failed to commit queue entry: %w", err)
	}
	return entry, nil
}

// RemoveQueueEntry deletes a queue entry and renumbers the ranks behind it so
// they stay contiguous. Removing an entry that no longer exists is a no-op.
func (s *Store) RemoveQueueEntry(ctx context.Context, entryID string) error {
	tx, err := s.db.BeginTx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		sessionID string
		rank      int
	)
	err = tx.QueryRowContext(ctx,
		"SELECT session_id, rank FROM queue_entries WHERE id = ?", entryID,
	).Scan(&sessionID, &rank)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue entry %s: %w", entryID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", entryID); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", entryID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_entries SET rank = rank - 1 WHERE session_id = ? AND rank > ?", sessionID, rank,
	); err != nil {
		return fmt.Errorf("failed to renumber queue for session %s: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue removal: %w", err)
	}
	return nil
}

// Reorder persists a new rank order for a session's queue. Entry IDs are
// assigned ranks 1..N in the order given.
func (s *Store) Reorder(ctx context.Context, sessionID string, orderedEntryIDs []string) error {
	tx, err := s.db.BeginTx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, entryID := range orderedEntryIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE queue_entries SET rank = ? WHERE id = ? AND session_id = ?", i+1, entryID, sessionID,
		); err != nil {
			return fmt.Errorf("failed to assign rank %d to entry %s: %w", i+1, entryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue reorder: %w", err)
	}
	return nil
}

// UpsertVote records a user's vote for a track, replacing any previous vote by
// the same user.
func (s *Store) UpsertVote(ctx context.Context, vote queue.Vote) error {
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO votes (session_id, track_id, user_id, direction, weight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, track_id, user_id) DO UPDATE SET
			direction = ?, weight = ?, updated_at = ?
	`,
		vote.SessionID, vote.TrackID, vote.UserID, string(vote.Direction), vote.Weight, now,
		string(vote.Direction), vote.Weight, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vote: %w", err)
	}
	return nil
}

// DeleteVotes removes all votes for a track within a session.
func (s *Store) DeleteVotes(ctx context.Context, sessionID, trackID string) error {
	_, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM votes WHERE session_id = ? AND track_id = ?", sessionID, trackID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete votes for track %s: %w", trackID, err)
	}
	return nil
}

// DecrementCounters lowers a session's aggregate track count and total
// duration, clamping at zero.
func (s *Store) DecrementCounters(ctx context.Context, sessionID string, trackCount, durationSeconds int) error {
	_, err := s.db.DB().ExecContext(ctx, `
		UPDATE sessions
		SET track_count = MAX(track_count - ?, 0),
			total_duration = MAX(total_duration - ?, 0),
			updated_at = ?
		WHERE id = ?
	`, trackCount, durationSeconds, time.Now().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("failed to decrement counters for session %s: %w", sessionID, err)
	}
	return nil
}

// SessionCounters returns a session's aggregate track count and total
// duration. Unknown sessions report zero.
func (s *Store) SessionCounters(ctx context.Context, sessionID string) (trackCount, totalDuration int, err error) {
	err = s.db.DB().QueryRowContext(ctx,
		"SELECT track_count, total_duration FROM sessions WHERE id = ?", sessionID,
	).Scan(&trackCount, &totalDuration)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read counters for session %s: %w", sessionID, err)
	}
	return trackCount, totalDuration, nil
}

// PersistPlaybackState mirrors an in-memory stream state to disk.
func (s *Store) PersistPlaybackState(ctx context.Context, sessionID string, rec playback.Record) error {
	trackID := sql.NullString{String: rec.TrackID, Valid: rec.TrackID != ""}
	var startedAt sql.NullString
	if !rec.StartedAt.IsZero() {
		startedAt = sql.NullString{String: rec.StartedAt.Format(time.RFC3339), Valid: true}
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO playback_states (session_id, track_id, started_at, position, is_playing, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			track_id = ?, started_at = ?, position = ?, is_playing = ?, updated_at = ?
	`,
		sessionID, trackID, startedAt, rec.Position, rec.IsPlaying, updatedAt.Format(time.RFC3339),
		trackID, startedAt, rec.Position, rec.IsPlaying, updatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to persist playback state for session %s: %w", sessionID, err)
	}
	return nil
}

// ClearPlaybackState writes an empty playback record for a session, marking it
// as having nothing to resume.
func (s *Store) ClearPlaybackState(ctx context.Context, sessionID string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO playback_states (session_id, track_id, started_at, position, is_playing, updated_at)
		VALUES (?, NULL, NULL, 0, 0, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			track_id = NULL, started_at = NULL, position = 0, is_playing = 0, updated_at = ?
	`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to clear playback state for session %s: %w", sessionID, err)
	}
	return nil
}

// ListPlaybackStates returns every persisted playback record that still points
// at a track, keyed by session ID. Cleared records are skipped.
func (s *Store) ListPlaybackStates(ctx context.Context) (map[string]playback.Record, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT session_id, track_id, started_at, position, is_playing, updated_at
		FROM playback_states
		WHERE track_id IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]playback.Record)
	for rows.Next() {
		var (
			sessionID string
			trackID   sql.NullString
			startedAt sql.NullString
			updatedAt sql.NullString
			rec       playback.Record
		)
		if err := rows.Scan(&sessionID, &trackID, &startedAt, &rec.Position, &rec.IsPlaying, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan playback state: %w", err)
		}
		rec.TrackID = trackID.String
		if startedAt.Valid {
			if t, perr := time.Parse(time.RFC3339, startedAt.String); perr == nil {
				rec.StartedAt = t
			}
		}
		if updatedAt.Valid {
			if t, perr := time.Parse(time.RFC3339, updatedAt.String); perr == nil {
				rec.UpdatedAt = t
			}
		}
		states[sessionID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate playback states: %w", err)
	}
	return states, nil
}
