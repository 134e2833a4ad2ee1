package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"
)

// MPDLibrary resolves "local:" track IDs against a self-hosted MPD music
// database. The ID is the file URI relative to the MPD music directory.
type MPDLibrary struct {
	mu       sync.Mutex
	client   *mpd.Client
	addr     string
	password string
}

// NewMPDLibrary creates an MPD-backed resolver. The connection is
// established lazily and re-established after drops.
func NewMPDLibrary(addr, password string) *MPDLibrary {
	return &MPDLibrary{
		addr:     addr,
		password: password,
	}
}

// connectLocked establishes the MPD connection (must hold lock).
func (m *MPDLibrary) connectLocked() error {
	log.Info().Str("addr", m.addr).Msg("Connecting to MPD library")

	client, err := mpd.Dial("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to MPD: %w", err)
	}

	if m.password != "" {
		if err := client.Command("password %s", m.password).OK(); err != nil {
			client.Close()
			return fmt.Errorf("MPD authentication failed: %w", err)
		}
	}

	m.client = client
	return nil
}

// ensureConnectedLocked checks the connection and reconnects if needed.
func (m *MPDLibrary) ensureConnectedLocked() error {
	if m.client == nil {
		return m.connectLocked()
	}

	if err := m.client.Ping(); err != nil {
		log.Warn().Err(err).Msg("MPD connection lost, reconnecting...")
		m.client.Close()
		m.client = nil
		return m.connectLocked()
	}

	return nil
}

// Close closes the MPD connection.
func (m *MPDLibrary) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		err := m.client.Close()
		m.client = nil
		return err
	}
	return nil
}

// ResolveTrack looks up a file URI in the MPD database. The gompd protocol
// client has no context support; lookups are bounded by MPD's own timeouts.
func (m *MPDLibrary) ResolveTrack(ctx context.Context, uri string) (*Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	songs, err := m.client.ListAllInfo(uri)
	if err != nil {
		return nil, fmt.Errorf("mpd listallinfo %q: %w", uri, err)
	}
	if len(songs) == 0 {
		return nil, fmt.Errorf("mpd uri %q: %w", uri, ErrTrackNotFound)
	}

	song := songs[0]
	return &Track{
		Title:           song["Title"],
		Artist:          song["Artist"],
		Album:           song["Album"],
		DurationSeconds: songDuration(song),
	}, nil
}

// songDuration parses MPD's duration attributes: "Time" holds integer
// seconds, newer servers also report "duration" as float seconds.
func songDuration(song mpd.Attrs) int {
	if dur, err := strconv.Atoi(song["Time"]); err == nil && dur > 0 {
		return dur
	}
	if dur, err := strconv.ParseFloat(song["duration"], 64); err == nil {
		return int(dur)
	}
	return 0
}
