// Package socketio provides the Socket.io transport: clients join session
// rooms, drive playback commands, and receive the engine's broadcasts.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/smiley16479/music-room-sub006/internal/domain/playback"
	"github.com/smiley16479/music-room-sub006/internal/domain/queue"
)

// EventPresence carries the listener count of a session room. It is a
// transport-level event: the engine knows nothing about connections.
const EventPresence = "presence"

// presenceWindow collapses join/leave churn into one presence broadcast per
// session.
const presenceWindow = 250 * time.Millisecond

// Server handles Socket.io connections and session rooms. It implements
// playback.Broadcaster: every engine event is emitted to the room of the
// session it belongs to.
type Server struct {
	io       *socket.Server
	engine   *playback.Engine
	guard    *RoomGuard
	presence *PresenceCoalescer

	mu      sync.RWMutex
	clients map[string]*socket.Socket
}

// NewServer creates a new Socket.io server driving the playback engine.
// maxListeners caps concurrent listeners per session (<= 0 for no cap).
func NewServer(engine *playback.Engine, maxListeners int) (*Server, error) {
	// Configure Socket.io server options
	opts := socket.DefaultServerOptions()
	opts.SetPingTimeout(20 * time.Second)
	opts.SetPingInterval(25 * time.Second)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	server := socket.NewServer(nil, opts)

	s := &Server{
		io:      server,
		engine:  engine,
		guard:   NewRoomGuard(maxListeners),
		clients: make(map[string]*socket.Socket),
	}
	s.presence = NewPresenceCoalescer(presenceWindow, s.broadcastPresence)

	s.setupHandlers()

	return s, nil
}

// sessionRoom names the Socket.io room for a session.
func sessionRoom(sessionID string) socket.Room {
	return socket.Room("session:" + sessionID)
}

// setupHandlers registers all Socket.io event handlers.
func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())

		log.Info().Str("id", clientID).Msg("Client connected")

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		// Handle disconnect
		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()

			for _, sessionID := range s.guard.Drop(clientID) {
				s.presence.Trigger(sessionID)
			}
		})

		// Session membership
		client.On("join-session", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("join-session")

			if evicted := s.guard.Join(sessionID, clientID); evicted != "" {
				s.evictListener(sessionID, evicted)
			}
			client.Join(sessionRoom(sessionID))
			s.presence.Trigger(sessionID)

			// Late joiners resynchronize immediately instead of waiting for
			// the next periodic snapshot.
			s.pushSnapshot(client, sessionID)
			s.pushQueue(client, sessionID)
		})

		client.On("leave-session", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("leave-session")

			client.Leave(sessionRoom(sessionID))
			s.guard.Leave(sessionID, clientID)
			s.presence.Trigger(sessionID)
		})

		// State queries
		client.On("get-state", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("get-state")
			s.pushSnapshot(client, sessionID)
		})

		client.On("get-queue", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("get-queue")
			s.pushQueue(client, sessionID)
		})

		// Playback commands
		client.On("start", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			if sessionID == "" {
				return
			}
			trackID, _ := m["trackId"].(string)
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Str("track_id", trackID).Msg("start")

			if err := s.engine.Start(context.Background(), sessionID, trackID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("Start failed")
			}
		})

		client.On("pause", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("pause")
			s.engine.Pause(context.Background(), sessionID)
		})

		client.On("resume", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			if sessionID == "" {
				return
			}
			var from *float64
			if v, ok := m["position"].(float64); ok {
				from = &v
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("resume")
			s.engine.Resume(context.Background(), sessionID, from)
		})

		client.On("seek", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			position, ok := m["position"].(float64)
			if sessionID == "" || !ok {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Float64("pos", position).Msg("seek")
			s.engine.Seek(context.Background(), sessionID, position)
		})

		client.On("skip", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("skip")
			s.engine.Skip(context.Background(), sessionID)
		})

		client.On("change-track", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			trackID, _ := m["trackId"].(string)
			if sessionID == "" || trackID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Str("track_id", trackID).Msg("change-track")

			if err := s.engine.ChangeTrack(context.Background(), sessionID, trackID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("ChangeTrack failed")
			}
		})

		client.On("stop", func(args ...any) {
			sessionID := stringArg(args, "sessionId")
			if sessionID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Msg("stop")
			s.engine.Stop(context.Background(), sessionID)
		})

		// Queue commands
		client.On("add-track", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			trackID, _ := m["trackId"].(string)
			if sessionID == "" || trackID == "" {
				return
			}
			userID, _ := m["userId"].(string)
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Str("track_id", trackID).Msg("add-track")

			if _, err := s.engine.AddTrack(context.Background(), sessionID, trackID, userID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Str("track_id", trackID).Msg("AddTrack failed")
			}
		})

		client.On("remove-track", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			trackID, _ := m["trackId"].(string)
			if sessionID == "" || trackID == "" {
				return
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Str("track_id", trackID).Msg("remove-track")

			if err := s.engine.RemoveTrack(context.Background(), sessionID, trackID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Str("track_id", trackID).Msg("RemoveTrack failed")
			}
		})

		client.On("vote", func(args ...any) {
			m := eventData(args)
			sessionID, _ := m["sessionId"].(string)
			trackID, _ := m["trackId"].(string)
			userID, _ := m["userId"].(string)
			direction, _ := m["direction"].(string)
			if sessionID == "" || trackID == "" || userID == "" {
				return
			}
			weight := 0
			if v, ok := m["weight"].(float64); ok {
				weight = int(v)
			}
			log.Debug().Str("id", clientID).Str("session_id", sessionID).Str("track_id", trackID).Str("direction", direction).Msg("vote")

			vote := queue.Vote{
				SessionID: sessionID,
				TrackID:   trackID,
				UserID:    userID,
				Direction: queue.Direction(direction),
				Weight:    weight,
			}
			if err := s.engine.CastVote(context.Background(), vote); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Str("track_id", trackID).Msg("Vote failed")
			}
		})
	})
}

// evictListener pushes the oldest listener out of a full session room.
func (s *Server) evictListener(sessionID, clientID string) {
	s.mu.RLock()
	client := s.clients[clientID]
	s.mu.RUnlock()

	if client != nil {
		client.Leave(sessionRoom(sessionID))
	}
	log.Info().Str("id", clientID).Str("session_id", sessionID).Msg("Evicted oldest listener from full session")
}

// pushSnapshot sends the live state of a session to one client. Sessions
// with no active playback get a well-formed empty snapshot.
func (s *Server) pushSnapshot(client *socket.Socket, sessionID string) {
	snapshot, ok := s.engine.QueryState(sessionID)
	if !ok {
		snapshot = playback.Snapshot{}
	}
	client.Emit(playback.EventSyncSnapshot, snapshot)
}

// pushQueue sends the session's current queue to one client.
func (s *Server) pushQueue(client *socket.Socket, sessionID string) {
	entries, err := s.engine.Queue(context.Background(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load queue")
		return
	}
	client.Emit(playback.EventQueueReordered, playback.NewQueuePayload(entries))
}

// Publish implements playback.Broadcaster by emitting to the session's room.
func (s *Server) Publish(sessionID, event string, payload any) {
	s.io.To(sessionRoom(sessionID)).Emit(event, payload)

	if log.Debug().Enabled() {
		data, _ := json.Marshal(payload)
		log.Debug().Str("session_id", sessionID).Str("event", event).RawJSON("payload", data).Msg("Broadcast")
	}
}

// broadcastPresence emits the current listener count of a session to its room.
func (s *Server) broadcastPresence(sessionID string) {
	s.Publish(sessionID, EventPresence, map[string]interface{}{
		"sessionId": sessionID,
		"listeners": s.guard.Listeners(sessionID),
	})
}

// ListenerCount returns the number of clients in a session's room.
func (s *Server) ListenerCount(sessionID string) int {
	return s.guard.Listeners(sessionID)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP implements http.Handler for the Socket.io server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close shuts down the Socket.io server.
func (s *Server) Close() error {
	s.presence.Stop()
	s.io.Close(nil)
	return nil
}

// eventData extracts the first event argument as a JSON object. Socket.io
// delivers JSON objects as map[string]interface{}; missing or differently
// shaped arguments yield nil, which reads as an empty map.
func eventData(args []any) map[string]interface{} {
	if len(args) > 0 {
		if m, ok := args[0].(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// stringArg reads one string field from the first event argument.
func stringArg(args []any, key string) string {
	v, _ := eventData(args)[key].(string)
	return v
}
