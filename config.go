package onvifctl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the device-control subsystem
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Pool      PoolConfig      `yaml:"pool"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Events    EventsConfig    `yaml:"events"`
	PTZ       PTZConfig       `yaml:"ptz"`
	Presets   PresetsConfig   `yaml:"presets"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// RPCConfig configures SOAP clients
type RPCConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	InsecureTLS bool          `yaml:"insecure_tls"`
}

// PoolConfig configures the connection pool
type PoolConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" validate:"gt=0"`
}

// DiscoveryConfig configures WS-Discovery and the follow-up queries
type DiscoveryConfig struct {
	MulticastAddr string        `yaml:"multicast_addr" validate:"required"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	Workers       int           `yaml:"workers" validate:"min=1,max=64"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
}

// Credentials returns the credentials used to enrich discovered devices
func (c DiscoveryConfig) Credentials() Credentials {
	return Credentials{Username: c.Username, Password: c.Password}
}

// EventsConfig configures motion event subscriptions and the polling fallback
type EventsConfig struct {
	PullInterval      time.Duration `yaml:"pull_interval" validate:"gt=0"`
	ErrorBackoff      time.Duration `yaml:"error_backoff" validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SubscriptionLease time.Duration `yaml:"subscription_lease" validate:"gt=0"`
	RenewBefore       time.Duration `yaml:"renew_before" validate:"gte=0"`
	MaxPullFailures   int           `yaml:"max_pull_failures" validate:"min=1"`
	AlarmStatusPaths  []string      `yaml:"alarm_status_paths" validate:"min=1,dive,required"`
}

// PTZConfig holds default PTZ settings applied to new devices
type PTZConfig struct {
	RateLimit  time.Duration `yaml:"rate_limit" validate:"gte=0"`
	InvertPan  bool          `yaml:"invert_pan"`
	InvertTilt bool          `yaml:"invert_tilt"`
}

// Settings converts the defaults into per-device settings
func (c PTZConfig) Settings() PTZSettings {
	return PTZSettings{InvertPan: c.InvertPan, InvertTilt: c.InvertTilt, RateLimit: c.RateLimit}
}

// PresetsConfig selects the preset store backend
type PresetsConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=file redis memory"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" validate:"gte=0"`
	RedisKey  string `yaml:"redis_key"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// HTTPConfig configures the HTTP facade
type HTTPConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig returns configuration with sane defaults
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.RPC.Timeout = DefaultRPCTimeout

	cfg.Pool.SweepInterval = 60 * time.Second
	cfg.Pool.IdleTimeout = 5 * time.Minute

	cfg.Discovery.MulticastAddr = DefaultMulticastAddr
	cfg.Discovery.Timeout = DefaultTimeout
	cfg.Discovery.Workers = 4

	cfg.Events.PullInterval = time.Second
	cfg.Events.ErrorBackoff = 5 * time.Second
	cfg.Events.PollInterval = 5 * time.Second
	cfg.Events.SubscriptionLease = 60 * time.Minute
	cfg.Events.RenewBefore = 5 * time.Minute
	cfg.Events.MaxPullFailures = 3
	cfg.Events.AlarmStatusPaths = []string{
		"/cgi-bin/alarm.cgi?action=getState",
		"/ISAPI/System/IO/inputs/status",
		"/api/alarm/status",
	}

	cfg.PTZ.RateLimit = 100 * time.Millisecond

	cfg.Presets.Backend = "file"
	cfg.Presets.Path = "ptz_presets.json"
	cfg.Presets.RedisKey = "onvifctl:ptz_presets"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ShutdownTimeout = 10 * time.Second

	return cfg
}

// LoadConfig reads configuration from a YAML file over the defaults, then
// applies environment overrides and validates. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Annotatef(err, "read config file %s", path)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewNotValid(err, "config yaml")
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ONVIFCTL_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("ONVIFCTL_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if path := os.Getenv("ONVIFCTL_PRESETS_PATH"); path != "" {
		c.Presets.Path = path
	}
	if addr := os.Getenv("ONVIFCTL_REDIS_ADDR"); addr != "" {
		c.Presets.RedisAddr = addr
	}
	if user := os.Getenv("ONVIFCTL_DISCOVERY_USERNAME"); user != "" {
		c.Discovery.Username = user
	}
	if pass := os.Getenv("ONVIFCTL_DISCOVERY_PASSWORD"); pass != "" {
		c.Discovery.Password = pass
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, e := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", e.Namespace(), e.Tag()))
			}
			return errors.NotValidf("configuration (%s)", strings.Join(msgs, "; "))
		}
		return errors.NewNotValid(err, "configuration")
	}

	switch c.Presets.Backend {
	case "redis":
		if c.Presets.RedisAddr == "" {
			return errors.NotValidf("redis preset backend without presets.redis_addr")
		}
	case "file":
		if c.Presets.Path == "" {
			return errors.NotValidf("file preset backend without presets.path")
		}
	}

	if c.Events.RenewBefore >= c.Events.SubscriptionLease {
		return errors.NotValidf("events.renew_before %s with lease %s", c.Events.RenewBefore, c.Events.SubscriptionLease)
	}
	return nil
}

// NewLogger builds the process logger
func (c LoggingConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}

	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
