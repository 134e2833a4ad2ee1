// Package catalog resolves track metadata (duration, title, artwork) from
// the configured music providers. Track IDs are opaque strings of the form
// "provider:id"; bare IDs default to Deezer, which is what web clients send.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	// ErrTrackNotFound indicates the provider has no such track (permanent failure)
	ErrTrackNotFound = errors.New("track not found")

	// ErrTemporaryFailure indicates a temporary provider failure (should retry)
	ErrTemporaryFailure = errors.New("temporary failure")

	// ErrRateLimited indicates the provider rate limit was exceeded
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownProvider indicates the track ID names a provider that is not registered
	ErrUnknownProvider = errors.New("unknown track provider")
)

// Provider names used in track ID prefixes.
const (
	ProviderDeezer = "deezer"
	ProviderQobuz  = "qobuz"
	ProviderLocal  = "local"
)

// Track is the provider-independent metadata for one track.
// ArtworkURL is hotlinked, never downloaded (Deezer ToS forbids caching images).
type Track struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	Title           string `json:"title,omitempty"`
	Artist          string `json:"artist,omitempty"`
	Album           string `json:"album,omitempty"`
	DurationSeconds int    `json:"duration"`
	ArtworkURL      string `json:"artworkUrl,omitempty"`
	PreviewURL      string `json:"previewUrl,omitempty"`
}

// Resolver fetches track metadata for an ID. Implementations receive the
// bare provider-local ID (prefix already stripped by the Registry).
type Resolver interface {
	ResolveTrack(ctx context.Context, id string) (*Track, error)
}

// Registry routes track IDs to the resolver for their provider prefix.
type Registry struct {
	providers map[string]Resolver
	fallback  string
}

// NewRegistry creates a registry whose unprefixed IDs go to the Deezer provider.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Resolver),
		fallback:  ProviderDeezer,
	}
}

// Register adds a provider under the given name, replacing any previous one.
func (r *Registry) Register(name string, res Resolver) {
	r.providers[name] = res
}

// Providers returns the names of all registered providers.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// ResolveTrack splits the provider prefix off the track ID and delegates to
// the matching provider. The returned track carries the full original ID.
func (r *Registry) ResolveTrack(ctx context.Context, trackID string) (*Track, error) {
	provider, id := splitTrackID(trackID, r.fallback)

	res, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	track, err := res.ResolveTrack(ctx, id)
	if err != nil {
		return nil, err
	}

	track.ID = trackID
	track.Provider = provider
	return track, nil
}

// splitTrackID splits "provider:id" into its parts; IDs without a prefix
// belong to the fallback provider.
func splitTrackID(trackID, fallback string) (provider, id string) {
	if p, rest, ok := strings.Cut(trackID, ":"); ok && rest != "" {
		return p, rest
	}
	return fallback, trackID
}
