package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultDeezerBaseURL is the Deezer API base URL
	DefaultDeezerBaseURL = "https://api.deezer.com"

	// DefaultDeezerUserAgent follows API guidelines
	DefaultDeezerUserAgent = "MusicRoom/0.1.0 (https://github.com/smiley16479/music-room-sub006)"

	// DefaultDeezerTimeout for HTTP requests
	DefaultDeezerTimeout = 30 * time.Second

	// DefaultDeezerRateLimit - Deezer allows higher rate but we stay conservative
	DefaultDeezerRateLimit = 5 // 5 requests per second

	// deezerNoDataCode is Deezer's in-body error code for a missing resource
	deezerNoDataCode = 800
)

// DeezerClient resolves track metadata via the public Deezer API.
// No API key required; preview URLs are the 30-second MP3 clips.
type DeezerClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rateLimiter
}

// DeezerOption is a functional option for configuring the Deezer client.
type DeezerOption func(*DeezerClient)

// WithDeezerBaseURL sets a custom base URL (useful for testing).
func WithDeezerBaseURL(url string) DeezerOption {
	return func(c *DeezerClient) {
		c.baseURL = url
	}
}

// WithDeezerUserAgent sets a custom User-Agent header.
func WithDeezerUserAgent(ua string) DeezerOption {
	return func(c *DeezerClient) {
		c.userAgent = ua
	}
}

// WithDeezerHTTPClient sets a custom HTTP client.
func WithDeezerHTTPClient(client *http.Client) DeezerOption {
	return func(c *DeezerClient) {
		c.httpClient = client
	}
}

// NewDeezerClient creates a new Deezer API client.
func NewDeezerClient(opts ...DeezerOption) *DeezerClient {
	c := &DeezerClient{
		baseURL:   DefaultDeezerBaseURL,
		userAgent: DefaultDeezerUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultDeezerTimeout,
		},
		limiter: newRateLimiter(DefaultDeezerRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// deezerTrack is the subset of Deezer's track object the engine cares about.
type deezerTrack struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	Preview  string `json:"preview"`
	Artist   struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album struct {
		Title   string `json:"title"`
		CoverXL string `json:"cover_xl"`
		Cover   string `json:"cover"`
	} `json:"album"`
	Error *deezerError `json:"error"`
}

// deezerError is Deezer's in-body error object. Missing tracks come back as
// HTTP 200 with {"error":{"type":"DataException","code":800}}.
type deezerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ResolveTrack fetches a track by its Deezer ID.
func (c *DeezerClient) ResolveTrack(ctx context.Context, id string) (*Track, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	trackURL := fmt.Sprintf("%s/track/%s", c.baseURL, id)

	log.Debug().
		Str("trackId", id).
		Str("url", trackURL).
		Msg("Fetching track from Deezer")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	// Handle response status codes
	switch resp.StatusCode {
	case http.StatusOK:
		// Success
	case http.StatusNotFound:
		return nil, ErrTrackNotFound
	case http.StatusTooManyRequests:
		log.Warn().Str("trackId", id).Msg("Deezer rate limit exceeded")
		return nil, ErrRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		log.Warn().Int("status", resp.StatusCode).Msg("Deezer temporary error")
		return nil, ErrTemporaryFailure
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var dt deezerTrack
	if err := json.Unmarshal(body, &dt); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	// Deezer signals missing data inside a 200 body
	if dt.Error != nil {
		if dt.Error.Code == deezerNoDataCode || dt.Error.Type == "DataException" {
			return nil, ErrTrackNotFound
		}
		if dt.Error.Type == "QuotaException" {
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("deezer error %q: %s", dt.Error.Type, dt.Error.Message)
	}

	artwork := dt.Album.CoverXL
	if artwork == "" {
		artwork = dt.Album.Cover
	}

	return &Track{
		Title:           dt.Title,
		Artist:          dt.Artist.Name,
		Album:           dt.Album.Title,
		DurationSeconds: dt.Duration,
		ArtworkURL:      artwork,
		PreviewURL:      dt.Preview,
	}, nil
}
