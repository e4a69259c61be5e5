package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"pigo/pkg/log"
	"pigo/pkg/models"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// ProfileProduction is the default profile.
	ProfileProduction = "production"
	// ProfileDevelopment shortens probe timeouts and the poll cadence.
	ProfileDevelopment = "development"
)

// ErrInvalidConfig wraps every validation problem.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the daemon configuration.
type Config struct {
	Profile  string         `yaml:"profile"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Probe    ProbeConfig    `yaml:"probe"`
	Poll     PollConfig     `yaml:"poll"`
	Platform PlatformConfig `yaml:"platform"`
	Failover FailoverConfig `yaml:"failover"`
	Devices  []DeviceConfig `yaml:"devices"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProbeConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	Method             string        `yaml:"method"`
	RetryMax           int           `yaml:"retry_max"`
	RetryWaitMin       time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax       time.Duration `yaml:"retry_wait_max"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	UserAgent          string        `yaml:"user_agent"`
}

type PollConfig struct {
	Cadence          time.Duration `yaml:"cadence"`
	BackoffCadence   time.Duration `yaml:"backoff_cadence"`
	BackoffMaxCycles int           `yaml:"backoff_max_cycles"`
	Parallelism      int           `yaml:"parallelism"`
}

type PlatformConfig struct {
	ConnectivityDebounce time.Duration `yaml:"connectivity_debounce"`
}

type FailoverConfig struct {
	StartTimeout         time.Duration `yaml:"start_timeout"`
	AlternateTimeout     time.Duration `yaml:"alternate_timeout"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

// DeviceConfig seeds the store at startup.
type DeviceConfig struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Addresses []string        `yaml:"addresses"`
	Services  []ServiceConfig `yaml:"services"`
	// Select makes this device the selected one after seeding.
	Select bool `yaml:"select"`
}

// ServiceConfig binds a service to a seeded device, either from the catalogue or spelled out.
// With a catalog_id, the other fields override the catalogue entry when set.
type ServiceConfig struct {
	CatalogID   string `yaml:"catalog_id"`
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Port        int    `yaml:"port"`
	Secure      *bool  `yaml:"secure"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
	Repository  string `yaml:"repository"`
}

// Overlay returns base with every field set in sc applied on top.
func (sc ServiceConfig) Overlay(base models.Service) models.Service {
	svc := base
	if sc.ID != "" {
		svc.ID = sc.ID
	}
	if sc.Name != "" {
		svc.Name = sc.Name
	}
	if sc.Path != "" {
		svc.Path = sc.Path
	}
	if sc.Port != 0 {
		svc.Port = sc.Port
	}
	if sc.Secure != nil {
		svc.Secure = *sc.Secure
	}
	if sc.Category != "" {
		svc.Category = sc.Category
	}
	if sc.Description != "" {
		svc.Description = sc.Description
	}
	if sc.Repository != "" {
		svc.Repository = sc.Repository
	}
	return svc
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		Profile: ProfileProduction,
		Log:     LogConfig{Level: "info"},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Probe: ProbeConfig{
			Timeout:      10 * time.Second,
			Method:       http.MethodGet,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: time.Second,
		},
		Poll: PollConfig{
			Cadence:          30 * time.Second,
			BackoffCadence:   time.Second,
			BackoffMaxCycles: 5,
			Parallelism:      20,
		},
		Platform: PlatformConfig{ConnectivityDebounce: 5 * time.Second},
		Failover: FailoverConfig{
			StartTimeout:         10 * time.Second,
			AlternateTimeout:     10 * time.Second,
			MaxConsecutiveErrors: 2,
		},
	}
}

// Development returns the development profile: short probe timeouts and a fast poll cadence.
func Development() Config {
	cfg := Default()
	cfg.Profile = ProfileDevelopment
	cfg.Log.Level = "debug"
	cfg.Probe.Timeout = 2 * time.Second
	cfg.Poll.Cadence = 5 * time.Second
	return cfg
}

// ForProfile returns the defaults of a named profile.
func ForProfile(profile string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileProduction:
		return Default(), nil
	case ProfileDevelopment, "dev":
		return Development(), nil
	default:
		return Config{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidConfig, profile)
	}
}

// Load reads a YAML file over the defaults of the profile it names.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	log.Debug().Str("path", path).Str("profile", cfg.Profile).Msg("Config loaded")
	return cfg, nil
}

// Parse decodes a YAML document over the defaults of the profile it names and validates the result.
func Parse(data []byte) (Config, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg, err := ForProfile(head.Profile)
	if err != nil {
		return Config{}, err
	}

	profile := cfg.Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Profile = profile

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q", c.Log.Level)
	}
	if c.Server.Listen == "" {
		add("server.listen is empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if c.Probe.Timeout <= 0 {
		add("probe.timeout must be positive")
	}
	if m := strings.ToUpper(c.Probe.Method); m != http.MethodGet && m != http.MethodHead {
		add("probe.method %q, want GET or HEAD", c.Probe.Method)
	}
	if c.Probe.RetryMax < 0 {
		add("probe.retry_max must not be negative")
	}
	if c.Probe.RetryWaitMax < c.Probe.RetryWaitMin {
		add("probe.retry_wait_max is below probe.retry_wait_min")
	}
	if c.Poll.Cadence <= 0 {
		add("poll.cadence must be positive")
	}
	if c.Poll.BackoffCadence <= 0 {
		add("poll.backoff_cadence must be positive")
	}
	if c.Poll.BackoffMaxCycles < 1 {
		add("poll.backoff_max_cycles must be at least 1")
	}
	if c.Poll.Parallelism < 1 {
		add("poll.parallelism must be at least 1")
	}
	if c.Platform.ConnectivityDebounce < 0 {
		add("platform.connectivity_debounce must not be negative")
	}
	if c.Failover.StartTimeout <= 0 {
		add("failover.start_timeout must be positive")
	}
	if c.Failover.AlternateTimeout <= 0 {
		add("failover.alternate_timeout must be positive")
	}
	if c.Failover.MaxConsecutiveErrors < 1 {
		add("failover.max_consecutive_errors must be at least 1")
	}

	selected := 0
	for i, d := range c.Devices {
		if len(d.Addresses) == 0 {
			add("devices[%d]: no addresses", i)
		}
		if d.Select {
			selected++
		}
		for j, svc := range d.Services {
			if svc.CatalogID == "" && (svc.Name == "" || svc.Port == 0) {
				add("devices[%d].services[%d]: catalog_id or name and port required", i, j)
			}
		}
	}
	if selected > 1 {
		add("%d devices are marked select", selected)
	}
	return errs
}
