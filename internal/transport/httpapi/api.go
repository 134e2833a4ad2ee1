// Package httpapi exposes the playback engine's command surface as a JSON
// HTTP API for admin tooling: playback commands, queue edits, votes, and
// state queries. Realtime delivery stays on the Socket.io transport; this
// layer is plain request/response.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/smiley16479/music-room-sub006/internal/domain/playback"
	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
	"github.com/smiley16479/music-room-sub006/internal/version"
)

// Engine is the playback command surface the API drives.
type Engine interface {
	Start(ctx context.Context, sessionID, trackID string) error
	Pause(ctx context.Context, sessionID string)
	Resume(ctx context.Context, sessionID string, fromPosition *float64)
	Seek(ctx context.Context, sessionID string, target float64)
	Skip(ctx context.Context, sessionID string)
	ChangeTrack(ctx context.Context, sessionID, trackID string) error
	Stop(ctx context.Context, sessionID string)
	QueryState(sessionID string) (playback.Snapshot, bool)
	HasActiveSession(sessionID string) bool
	Queue(ctx context.Context, sessionID string) ([]queue.Entry, error)
	AddTrack(ctx context.Context, sessionID, trackID, addedBy string) (queue.Entry, error)
	RemoveTrack(ctx context.Context, sessionID, trackID string) error
	CastVote(ctx context.Context, vote queue.Vote) error
}

// HealthFunc probes a backing dependency for the health endpoint.
type HealthFunc func(ctx context.Context) error

// API holds the HTTP handler dependencies.
type API struct {
	engine Engine
	health HealthFunc
}

// New creates the admin API around an engine. health may be nil, in which
// case /healthz only reports that the process is up.
func New(engine Engine, health HealthFunc) *API {
	return &API{engine: engine, health: health}
}

// Router builds the HTTP routing tree. socketHandler, when non-nil, is
// mounted under /socket.io/ alongside the JSON endpoints.
func (a *API) Router(socketHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if socketHandler != nil {
		r.Handle("/socket.io/*", socketHandler)
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", a.handleVersion)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/state", a.handleState)
			r.Post("/start", a.handleStart)
			r.Post("/pause", a.handlePause)
			r.Post("/resume", a.handleResume)
			r.Post("/seek", a.handleSeek)
			r.Post("/skip", a.handleSkip)
			r.Post("/track", a.handleChangeTrack)
			r.Post("/stop", a.handleStop)

			r.Get("/queue", a.handleGetQueue)
			r.Post("/queue", a.handleAddTrack)
			r.Delete("/queue/{trackID}", a.handleRemoveTrack)
			r.Put("/votes", a.handleVote)
		})
	})

	return r
}

// requestLogger logs every request at debug with its status and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

// stateResponse is the envelope for command and state endpoints: the live
// snapshot when the session is active, otherwise just the flag.
type stateResponse struct {
	Active bool               `json:"active"`
	State  *playback.Snapshot `json:"state,omitempty"`
}

func (a *API) stateOf(sessionID string) stateResponse {
	if snapshot, ok := a.engine.QueryState(sessionID); ok {
		return stateResponse{Active: true, State: &snapshot}
	}
	return stateResponse{Active: false}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

type startRequest struct {
	TrackID string `json:"trackId"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := a.engine.Start(r.Context(), sessionID, req.TrackID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	a.engine.Pause(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

type resumeRequest struct {
	Position *float64 `json:"position"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req resumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a.engine.Resume(r.Context(), sessionID, req.Position)
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

type seekRequest struct {
	Position *float64 `json:"position"`
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req seekRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Position == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position is required"})
		return
	}

	a.engine.Seek(r.Context(), sessionID, *req.Position)
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	a.engine.Skip(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

type changeTrackRequest struct {
	TrackID string `json:"trackId"`
}

func (a *API) handleChangeTrack(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req changeTrackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrackID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "trackId is required"})
		return
	}

	if err := a.engine.ChangeTrack(r.Context(), sessionID, req.TrackID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	a.engine.Stop(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, a.stateOf(sessionID))
}

func (a *API) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	entries, err := a.engine.Queue(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playback.NewQueuePayload(entries))
}

type addTrackRequest struct {
	TrackID string `json:"trackId"`
	AddedBy string `json:"addedBy"`
}

func (a *API) handleAddTrack(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req addTrackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrackID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "trackId is required"})
		return
	}

	entry, err := a.engine.AddTrack(r.Context(), sessionID, req.TrackID, req.AddedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, playback.QueueItem{
		EntryID: entry.ID,
		TrackID: entry.TrackID,
		Rank:    entry.Rank,
	})
}

func (a *API) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	trackID := chi.URLParam(r, "trackID")

	if err := a.engine.RemoveTrack(r.Context(), sessionID, trackID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type voteRequest struct {
	TrackID   string `json:"trackId"`
	UserID    string `json:"userId"`
	Direction string `json:"direction"`
	Weight    int    `json:"weight"`
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrackID == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "trackId and userId are required"})
		return
	}

	vote := queue.Vote{
		SessionID: sessionID,
		TrackID:   req.TrackID,
		UserID:    req.UserID,
		Direction: queue.Direction(req.Direction),
		Weight:    req.Weight,
	}
	if err := a.engine.CastVote(r.Context(), vote); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads an optional JSON body into v. An empty body leaves v at
// its zero value. Malformed JSON writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps engine errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, playback.ErrTrackNotFound):
		status = http.StatusNotFound
	case errors.Is(err, playback.ErrTrackAlreadyQueued):
		status = http.StatusConflict
	case errors.Is(err, playback.ErrInvalidVote):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
