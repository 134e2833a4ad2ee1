package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/markhc/gobuz"
	"github.com/rs/zerolog/log"
)

// QobuzResolver resolves track durations via the Qobuz API. Qobuz requires
// application credentials plus a user auth token; the provider is only
// registered when both are configured.
type QobuzResolver struct {
	api *gobuz.QobuzAPI
}

// NewQobuzResolver creates a Qobuz resolver with the given credentials.
func NewQobuzResolver(appID, appSecret, authToken string) *QobuzResolver {
	var api *gobuz.QobuzAPI
	if authToken != "" {
		api = gobuz.NewQobuzAPI(
			gobuz.WithApplicationCredentials(appID, appSecret),
			gobuz.WithAuthToken(authToken),
		)
	} else {
		api = gobuz.NewQobuzAPI(
			gobuz.WithApplicationCredentials(appID, appSecret),
		)
	}
	return &QobuzResolver{api: api}
}

// ResolveTrack fetches a track by its numeric Qobuz ID. The file-url lookup
// carries the authoritative duration in seconds.
func (r *QobuzResolver) ResolveTrack(ctx context.Context, id string) (*Track, error) {
	trackID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid qobuz track ID %q: %w", id, ErrTrackNotFound)
	}

	fileURL, err := r.api.GetTrackFileUrl(trackID, gobuz.TrackFormatFLAC)
	if err != nil {
		log.Debug().Err(err).Str("trackId", id).Msg("Qobuz track lookup failed")
		return nil, fmt.Errorf("qobuz track %s: %w", id, ErrTrackNotFound)
	}

	return &Track{
		DurationSeconds: fileURL.Duration,
		PreviewURL:      fileURL.URL,
	}, nil
}
