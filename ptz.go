package onvifctl

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// PTZ operations
const (
	PTZContinuousMove = "ContinuousMove"
	PTZStop           = "Stop"
	PTZGotoPreset     = "GotoPreset"
	PTZSetPreset      = "SetPreset"
)

// PTZController drives pan, tilt and zoom of one device through the
// first media profile
type PTZController struct {
	deviceID   string
	serviceURL string
	creds      Credentials
	pool       *Pool
	presets    PresetStore
	log        zerolog.Logger
	now        func() time.Time

	mu           sync.RWMutex
	initialized  bool
	ptzURL       string
	mediaURL     string
	profileToken string
}

// NewPTZController creates an uninitialized controller
func NewPTZController(deviceID, serviceURL string, creds Credentials, pool *Pool, presets PresetStore, log zerolog.Logger) *PTZController {
	if presets == nil {
		presets = NewMemoryPresetStore()
	}
	return &PTZController{
		deviceID:   deviceID,
		serviceURL: serviceURL,
		creds:      creds,
		pool:       pool,
		presets:    presets,
		log:        log.With().Str("component", "ptz").Str("device_id", deviceID).Logger(),
		now:        time.Now,
	}
}

// Initialize discovers the PTZ service address and the control profile.
// A device reporting no PTZ service yields a NotSupported error.
func (p *PTZController) Initialize(ctx context.Context) error {
	client := p.pool.Acquire(p.serviceURL, p.creds)
	defer p.pool.Release(client)

	caps, err := client.GetCapabilities(ctx)
	if err != nil {
		return errors.Annotate(err, "ptz initialize")
	}
	if !caps.SupportsPTZ || caps.PTZ == nil {
		return errors.NotSupportedf("PTZ on device %s", p.deviceID)
	}

	profiles, mediaURL, err := fetchProfiles(ctx, client, mediaCandidates(p.serviceURL, caps.MediaURL), p.log)
	if err != nil {
		return errors.Annotate(err, "ptz initialize")
	}
	if len(profiles) == 0 {
		return errors.NotFoundf("media profile for PTZ on device %s", p.deviceID)
	}

	p.mu.Lock()
	p.ptzURL = caps.PTZ.XAddr
	p.mediaURL = mediaURL
	p.profileToken = profiles[0].Token
	p.initialized = true
	p.mu.Unlock()

	p.log.Info().Str("ptz_url", caps.PTZ.XAddr).Str("profile", profiles[0].Token).Msg("ptz controller initialized")
	return nil
}

// Initialized reports whether Initialize succeeded
func (p *PTZController) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// ProfileToken returns the control profile token
func (p *PTZController) ProfileToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profileToken
}

func (p *PTZController) target() (string, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return "", "", ErrNotInitialized
	}
	return p.ptzURL, p.profileToken, nil
}

func (p *PTZController) call(ctx context.Context, method string, params ...Param) (*Response, error) {
	ptzURL, token, err := p.target()
	if err != nil {
		return nil, err
	}

	client := p.pool.Acquire(p.serviceURL, p.creds)
	defer p.pool.Release(client)

	params = append([]Param{Val("ProfileToken", token)}, params...)
	resp, err := client.CallAt(ctx, ptzURL, method, NamespacePTZ, params...)
	if err != nil {
		return nil, errors.Annotatef(err, "ptz %s", method)
	}
	return resp, nil
}

// Velocity returns the pan/tilt velocity for a direction at speed
func Velocity(dir Direction, speed float64) (x, y float64) {
	speed = clamp(speed, 0, 1)
	switch dir {
	case DirectionUp:
		return 0, speed
	case DirectionDown:
		return 0, -speed
	case DirectionLeft:
		return -speed, 0
	case DirectionRight:
		return speed, 0
	}
	return 0, 0
}

// ContinuousMove starts moving in dir at speed in [0,1]. Movement lasts
// until Stop or another move.
func (p *PTZController) ContinuousMove(ctx context.Context, dir Direction, speed float64) error {
	x, y := Velocity(dir, speed)
	_, err := p.call(ctx, PTZContinuousMove,
		Group("Velocity",
			Val("tt:PanTilt", "").Attr("x", formatFloat(x)).Attr("y", formatFloat(y)),
		),
	)
	return err
}

// Zoom starts a zoom-only continuous move; factor is clamped to [-1,1]
func (p *PTZController) Zoom(ctx context.Context, factor float64) error {
	_, err := p.call(ctx, PTZContinuousMove,
		Group("Velocity",
			Val("tt:Zoom", "").Attr("x", formatFloat(clamp(factor, -1, 1))),
		),
	)
	return err
}

// Stop halts pan, tilt and zoom
func (p *PTZController) Stop(ctx context.Context) error {
	_, err := p.call(ctx, PTZStop,
		Val("PanTilt", true),
		Val("Zoom", true),
	)
	return err
}

// GotoPreset moves to a device preset token
func (p *PTZController) GotoPreset(ctx context.Context, presetToken string) error {
	if presetToken == "" {
		return errors.NotValidf("empty preset token")
	}
	_, err := p.call(ctx, PTZGotoPreset, Val("PresetToken", presetToken))
	return err
}

// GotoNamedPreset moves to a preset stored under name
func (p *PTZController) GotoNamedPreset(ctx context.Context, name string) error {
	preset, err := p.presets.Get(ctx, p.deviceID, name)
	if err != nil {
		return err
	}
	return p.GotoPreset(ctx, preset.PresetToken)
}

// SetPreset stores the current position on the device under name and
// persists it. Setting an existing name overwrites it.
func (p *PTZController) SetPreset(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty preset name")
	}

	existing, err := p.presets.Get(ctx, p.deviceID, name)
	hasExisting := err == nil

	params := []Param{Val("PresetName", name)}
	if hasExisting && existing.PresetToken != "" {
		params = append(params, Val("PresetToken", existing.PresetToken))
	}

	resp, err := p.call(ctx, PTZSetPreset, params...)
	if err != nil {
		return "", err
	}

	token := resp.Value("SetPresetResponse", "PresetToken")
	if token == "" {
		token = Scrape(resp.Raw(), "PresetToken")
	}
	if token == "" {
		return "", errors.NotFoundf("preset token in SetPreset response")
	}

	preset := PTZPreset{
		Name:        name,
		DeviceID:    p.deviceID,
		PresetToken: token,
		CreatedAt:   p.now().UTC(),
	}
	if hasExisting {
		preset.ID = existing.ID
	} else {
		id, err := uuid.NewV4()
		if err != nil {
			return "", errors.Annotate(err, "generate preset id")
		}
		preset.ID = id.String()
	}

	if err := p.presets.Put(ctx, preset); err != nil {
		return "", errors.Annotate(err, "persist preset")
	}
	p.log.Info().Str("preset", name).Str("token", token).Msg("preset saved")
	return token, nil
}

// Presets lists the stored presets of the device
func (p *PTZController) Presets(ctx context.Context) ([]PTZPreset, error) {
	return p.presets.List(ctx, p.deviceID)
}

// RemovePreset deletes a stored preset
func (p *PTZController) RemovePreset(ctx context.Context, name string) error {
	return p.presets.Remove(ctx, p.deviceID, name)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatFloat(v float64) string {
	if v == 0 {
		v = 0 // no "-0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
