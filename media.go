package onvifctl

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// media service path segments tried after the capabilities address
var mediaPathFallbacks = []string{"media_service", "Media", "media", "media2"}

// StreamResolver selects the primary and secondary media profiles of a
// device and resolves their RTSP URIs
type StreamResolver struct {
	pool *Pool
	log  zerolog.Logger
}

// NewStreamResolver creates a stream resolver using pooled clients
func NewStreamResolver(pool *Pool, log zerolog.Logger) *StreamResolver {
	return &StreamResolver{
		pool: pool,
		log:  log.With().Str("component", "media").Logger(),
	}
}

// ResolveStreams resolves the stream set of the device at serviceURL
func (r *StreamResolver) ResolveStreams(ctx context.Context, serviceURL string, creds Credentials) (*StreamSet, error) {
	return r.ResolveStreamsAt(ctx, serviceURL, "", creds)
}

// ResolveStreamsAt is ResolveStreams with the media XAddr reported by
// GetCapabilities tried first. Either all selected profiles resolve to a
// URI or the call fails.
func (r *StreamResolver) ResolveStreamsAt(ctx context.Context, serviceURL, mediaURL string, creds Credentials) (*StreamSet, error) {
	client := r.pool.Acquire(serviceURL, creds)
	defer r.pool.Release(client)

	log := r.log.With().Str("service_url", serviceURL).Logger()

	profiles, endpoint, err := fetchProfiles(ctx, client, mediaCandidates(serviceURL, mediaURL), log)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, errors.NotFoundf("media profiles at %s", endpoint)
	}

	primary, secondary := selectProfiles(profiles)
	set := &StreamSet{
		Primary:  primary,
		Profiles: profiles,
		MediaURL: endpoint,
	}

	set.PrimaryURI, err = getStreamURI(ctx, client, endpoint, primary.Token)
	if err != nil {
		return nil, errors.Annotatef(err, "primary profile %s", primary.Token)
	}

	if secondary != nil {
		set.SecondaryURI, err = getStreamURI(ctx, client, endpoint, secondary.Token)
		if err != nil {
			return nil, errors.Annotatef(err, "secondary profile %s", secondary.Token)
		}
		set.Secondary = secondary
	}

	log.Debug().
		Str("media_url", endpoint).
		Str("primary", primary.Token).
		Int("profiles", len(profiles)).
		Msg("streams resolved")
	return set, nil
}

// mediaCandidates lists media service URLs in the order they are tried
func mediaCandidates(serviceURL, mediaURL string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	add(mediaURL)
	if i := strings.LastIndex(serviceURL, "/"); i > strings.Index(serviceURL, "://")+2 {
		dir := serviceURL[:i+1]
		for _, seg := range mediaPathFallbacks {
			add(dir + seg)
		}
	}
	add(serviceURL)
	return out
}

func mediaNamespace(endpoint string) string {
	if strings.HasSuffix(strings.ToLower(endpoint), "media2") {
		return NamespaceMedia2
	}
	return NamespaceMedia
}

// fetchProfiles returns the profiles of the first candidate that answers
// GetProfiles. When every candidate fails, an auth failure is preferred
// over other errors.
func fetchProfiles(ctx context.Context, c *Client, candidates []string, log zerolog.Logger) ([]MediaProfile, string, error) {
	var firstErr, authErr error

	for _, endpoint := range candidates {
		ns := mediaNamespace(endpoint)
		var params []Param
		if ns == NamespaceMedia2 {
			params = append(params, Val("Type", "All"))
		}

		resp, err := c.CallAt(ctx, endpoint, "GetProfiles", ns, params...)
		if err != nil {
			log.Debug().Err(err).Str("endpoint", endpoint).Msg("GetProfiles failed")
			if firstErr == nil {
				firstErr = err
			}
			if authErr == nil && StatusOf(err) == StatusAuthError {
				authErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Malformed() {
			log.Debug().Str("endpoint", endpoint).Msg("GetProfiles answered with a malformed body")
			if firstErr == nil {
				firstErr = errors.NotValidf("GetProfiles response from %s", endpoint)
			}
			continue
		}
		return parseProfiles(resp), endpoint, nil
	}

	if authErr != nil {
		return nil, "", authErr
	}
	if firstErr == nil {
		firstErr = errors.NotFoundf("media service")
	}
	return nil, "", errors.Annotate(firstErr, "get profiles")
}

// parseProfiles reads Media and Media2 GetProfiles responses. Missing
// encoder fields take defaults.
func parseProfiles(resp *Response) []MediaProfile {
	var profiles []MediaProfile

	for _, p := range resp.List("GetProfilesResponse", "Profiles") {
		token := p.Attr("token", "Token")
		if token == "" {
			continue
		}

		name := p.Child("Name").Text()
		if name == "" {
			name = p.Attr("Name")
		}

		enc := p.Child("VideoEncoderConfiguration")
		if enc == nil {
			enc = p.Child("Configurations", "VideoEncoder")
		}

		video := VideoConfig{
			Encoding:  enc.Child("Encoding").Text(),
			Width:     atoiDefault(enc.Child("Resolution", "Width").Text(), defaultWidth),
			Height:    atoiDefault(enc.Child("Resolution", "Height").Text(), defaultHeight),
			FrameRate: atoiDefault(enc.Child("RateControl", "FrameRateLimit").Text(), defaultFrameRate),
			Bitrate:   atoiDefault(enc.Child("RateControl", "BitrateLimit").Text(), defaultBitrate),
		}

		profiles = append(profiles, MediaProfile{Token: token, Name: name, Video: video})
	}
	return profiles
}

// atoiDefault parses integers and decimals such as "25.0", returning dflt
// for empty, invalid or non-positive values
func atoiDefault(s string, dflt int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return dflt
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return dflt
	}
	return int(f)
}

// selectProfiles picks the primary profile by highest width x height x fps
// and the secondary by highest pixel count among the rest. Ties keep the
// earlier profile.
func selectProfiles(profiles []MediaProfile) (MediaProfile, *MediaProfile) {
	primaryIdx := 0
	for i, p := range profiles {
		if p.Score() > profiles[primaryIdx].Score() {
			primaryIdx = i
		}
	}

	secondaryIdx := -1
	for i, p := range profiles {
		if i == primaryIdx {
			continue
		}
		if secondaryIdx == -1 || p.Pixels() > profiles[secondaryIdx].Pixels() {
			secondaryIdx = i
		}
	}

	if secondaryIdx == -1 {
		return profiles[primaryIdx], nil
	}
	secondary := profiles[secondaryIdx]
	return profiles[primaryIdx], &secondary
}

// getStreamURI retrieves the RTSP stream URI for a given profile token
func getStreamURI(ctx context.Context, c *Client, endpoint, profileToken string) (string, error) {
	ns := mediaNamespace(endpoint)

	var params []Param
	if ns == NamespaceMedia2 {
		params = []Param{
			Val("Protocol", "RTSP"),
			Val("ProfileToken", profileToken),
		}
	} else {
		params = []Param{
			Group("StreamSetup",
				Val("tt:Stream", "RTP-Unicast"),
				Group("tt:Transport", Val("tt:Protocol", "RTSP")),
			),
			Val("ProfileToken", profileToken),
		}
	}

	resp, err := c.CallAt(ctx, endpoint, "GetStreamUri", ns, params...)
	if err != nil {
		return "", err
	}

	// Try structured parsing first
	if uri := resp.Value("GetStreamUriResponse", "MediaUri", "Uri"); uri != "" {
		return uri, nil
	}
	if uri := resp.Value("GetStreamUriResponse", "Uri"); uri != "" {
		return uri, nil
	}

	// Fallback to regex extraction
	if uri := scrapeURI(resp.Raw()); uri != "" {
		return uri, nil
	}
	return "", errors.NotFoundf("stream URI for profile %s", profileToken)
}
