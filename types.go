package onvifctl

import (
	"strings"
	"time"
)

// Device represents an ONVIF-compliant camera known to the manager
type Device struct {
	// Stable key: the WS-Discovery endpoint address, or the service URL
	// for explicitly registered devices
	ID         string `json:"id"`
	Name       string `json:"name"`
	IPAddress  string `json:"ip_address"`
	Port       int    `json:"port"`
	ServiceURL string `json:"service_url"`
	RTSPURL    string `json:"rtsp_url,omitempty"`

	// From discovery scopes
	Location string   `json:"location,omitempty"`
	Hardware string   `json:"hardware,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`

	// From GetDeviceInformation
	Manufacturer    string `json:"manufacturer,omitempty"`
	Model           string `json:"model,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	SerialNumber    string `json:"serial_number,omitempty"`
	HardwareID      string `json:"hardware_id,omitempty"`

	// From GetCapabilities
	Capabilities DeviceCapabilities `json:"capabilities"`

	Credentials Credentials `json:"-"`
	PTZSettings PTZSettings `json:"ptz_settings"`
}

// DeviceCapabilities is derived once from a GetCapabilities query
type DeviceCapabilities struct {
	SupportsPTZ          bool               `json:"supports_ptz"`
	SupportsMotionEvents bool               `json:"supports_motion_events"`
	MediaURL             string             `json:"media_url,omitempty"`
	PTZ                  *PTZCapabilities   `json:"ptz,omitempty"`
	Events               *EventCapabilities `json:"events,omitempty"`
}

// PTZCapabilities is informational. MaxPresets comes from GetNodes during
// enrichment; zero means unknown.
type PTZCapabilities struct {
	XAddr      string `json:"xaddr"`
	MaxPresets int    `json:"max_presets,omitempty"`
}

// EventCapabilities is informational. MaxSubscriptions is the pull point
// limit from GetServiceCapabilities; zero means unknown.
type EventCapabilities struct {
	XAddr                     string `json:"xaddr"`
	PullPointSupport          bool   `json:"pull_point_support"`
	SubscriptionPolicySupport bool   `json:"subscription_policy_support"`
	MaxSubscriptions          int    `json:"max_subscriptions,omitempty"`
}

// PTZSettings holds per-device control tuning used by the gesture mapper
type PTZSettings struct {
	InvertPan  bool          `json:"invert_pan"`
	InvertTilt bool          `json:"invert_tilt"`
	RateLimit  time.Duration `json:"rate_limit"`
}

// VideoConfig represents the video encoder part of a media profile
type VideoConfig struct {
	Encoding  string `json:"encoding,omitempty"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	FrameRate int    `json:"frame_rate"`
	Bitrate   int    `json:"bitrate_kbps"`
}

// MediaProfile represents one media profile offered by a device
type MediaProfile struct {
	Token string      `json:"token"`
	Name  string      `json:"name"`
	Video VideoConfig `json:"video"`
}

// Pixels returns width x height
func (p MediaProfile) Pixels() int {
	return p.Video.Width * p.Video.Height
}

// Score ranks profiles for primary stream selection
func (p MediaProfile) Score() int {
	return p.Pixels() * p.Video.FrameRate
}

// StreamSet is the result of stream resolution for one device
type StreamSet struct {
	PrimaryURI   string         `json:"primary_uri"`
	SecondaryURI string         `json:"secondary_uri,omitempty"`
	Primary      MediaProfile   `json:"primary"`
	Secondary    *MediaProfile  `json:"secondary,omitempty"`
	Profiles     []MediaProfile `json:"profiles"`
	MediaURL     string         `json:"media_url"`
}

// EventSubscription describes the motion subscription of one device
type EventSubscription struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	Address         string    `json:"address,omitempty"`
	IsActive        bool      `json:"is_active"`
	UsesFastPolling bool      `json:"uses_fast_polling"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// PTZPreset is a named preset persisted per device
type PTZPreset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DeviceID    string    `json:"device_id"`
	PresetToken string    `json:"preset_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// Direction is a discrete PTZ movement direction
type Direction int

const (
	DirectionUp Direction = iota
	DirectionDown
	DirectionLeft
	DirectionRight
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	case DirectionLeft:
		return "LEFT"
	case DirectionRight:
		return "RIGHT"
	}
	return "UNKNOWN"
}

// ParseDirection accepts UP, DOWN, LEFT or RIGHT in any case
func ParseDirection(s string) (Direction, bool) {
	for _, d := range []Direction{DirectionUp, DirectionDown, DirectionLeft, DirectionRight} {
		if strings.EqualFold(s, d.String()) {
			return d, true
		}
	}
	return 0, false
}

// ONVIF service namespaces
const (
	NamespaceDevice = "http://www.onvif.org/ver10/device/wsdl"
	NamespaceMedia  = "http://www.onvif.org/ver10/media/wsdl"
	NamespaceMedia2 = "http://www.onvif.org/ver20/media/wsdl"
	NamespacePTZ    = "http://www.onvif.org/ver20/ptz/wsdl"
	NamespaceEvents = "http://www.onvif.org/ver10/events/wsdl"
	NamespaceSchema = "http://www.onvif.org/ver10/schema"
)

// Default configuration
const (
	DefaultMulticastAddr = "239.255.255.250:3702"
	DefaultTimeout       = 5 * time.Second
	DefaultRPCTimeout    = 10 * time.Second
	DefaultDevicePath    = "/onvif/device_service"
)

// Profile defaults applied when a device omits encoder fields
const (
	defaultWidth     = 1920
	defaultHeight    = 1080
	defaultFrameRate = 25
	defaultBitrate   = 2000
)
