// Package config loads the control plane settings. Settings are read once at
// start and never change while the process runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "BROWSERPLANE_"

// Config is the full process configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Docker    DockerConfig    `yaml:"docker"`
	Pool      PoolConfig      `yaml:"pool"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`

	// DotenvLoaded reports whether a .env file was found.
	DotenvLoaded bool `yaml:"-"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type EngineConfig struct {
	Backend          string        `yaml:"backend"`
	ChromeBin        string        `yaml:"chrome_bin"`
	Headless         bool          `yaml:"headless"`
	NoSandbox        bool          `yaml:"no_sandbox"`
	ViewportWidth    int           `yaml:"viewport_width"`
	ViewportHeight   int           `yaml:"viewport_height"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
}

type DockerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Image       string `yaml:"image"`
	PullOnStart bool   `yaml:"pull_on_start"`
}

type PoolConfig struct {
	Workers int `yaml:"workers"`
}

type SessionConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MinTimeout         time.Duration `yaml:"min_timeout"`
	MaxTimeout         time.Duration `yaml:"max_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	ProjectConcurrency int           `yaml:"project_concurrency"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
}

type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled"`
	RequestsPerHour int  `yaml:"requests_per_hour"`
	Burst           int  `yaml:"burst"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Backend:          "local",
			Headless:         true,
			ViewportWidth:    1280,
			ViewportHeight:   720,
			StartTimeout:     60 * time.Second,
			ReadinessTimeout: 30 * time.Second,
		},
		Docker: DockerConfig{
			Image:       "browserless/chrome:latest",
			PullOnStart: true,
		},
		Pool: PoolConfig{
			Workers: 16,
		},
		Session: SessionConfig{
			DefaultTimeout:     time.Hour,
			MinTimeout:         time.Minute,
			MaxTimeout:         6 * time.Hour,
			CommandTimeout:     30 * time.Second,
			ProbeTimeout:       3 * time.Second,
			ProjectConcurrency: 10,
			FailedRetention:    5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestsPerHour: 100,
			Burst:           10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: .env, defaults, the YAML file at path (or
// $BROWSERPLANE_CONFIG), then BROWSERPLANE_* overrides.
func Load(path string) (*Config, error) {
	loaded := true
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		loaded = false
	}

	cfg := Default()
	cfg.DotenvLoaded = loaded

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies BROWSERPLANE_* variables on top of cfg.
func (c *Config) applyEnvOverrides() error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("BACKEND", &c.Engine.Backend)
	str("CHROME_BIN", &c.Engine.ChromeBin)
	boolean("HEADLESS", &c.Engine.Headless)
	boolean("NO_SANDBOX", &c.Engine.NoSandbox)
	duration("READINESS_TIMEOUT", &c.Engine.ReadinessTimeout)
	duration("START_TIMEOUT", &c.Engine.StartTimeout)
	boolean("DOCKER_ENABLED", &c.Docker.Enabled)
	str("DOCKER_IMAGE", &c.Docker.Image)
	integer("POOL_WORKERS", &c.Pool.Workers)
	duration("COMMAND_TIMEOUT", &c.Session.CommandTimeout)
	integer("PROJECT_CONCURRENCY", &c.Session.ProjectConcurrency)
	boolean("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)
	str("LOG_LEVEL", &c.Logging.Level)
	boolean("LOG_DEVELOPMENT", &c.Logging.Development)

	if v := os.Getenv(EnvPrefix + "VIEWPORT"); v != "" {
		w, h, err := parseViewport(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Engine.ViewportWidth, c.Engine.ViewportHeight = w, h
		}
	}

	return errors.Join(errs...)
}

// parseViewport reads "WIDTHxHEIGHT".
func parseViewport(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%sVIEWPORT: want WIDTHxHEIGHT, got %q", EnvPrefix, s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(ws))
	if err != nil {
		return 0, 0, fmt.Errorf("%sVIEWPORT width: %w", EnvPrefix, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, fmt.Errorf("%sVIEWPORT height: %w", EnvPrefix, err)
	}
	return w, h, nil
}

// ValidBackends lists the engine backends the server knows how to build.
var ValidBackends = []string{"local", "docker"}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must be set"))
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Engine.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		errs = append(errs, fmt.Errorf("invalid engine backend: %s (valid: %v)", c.Engine.Backend, ValidBackends))
	}
	if c.Engine.Backend == "docker" && !c.Docker.Enabled {
		errs = append(errs, errors.New("engine.backend is docker but docker.enabled is false"))
	}
	if c.Engine.ViewportWidth < 0 || c.Engine.ViewportHeight < 0 {
		errs = append(errs, errors.New("viewport dimensions must not be negative"))
	}
	if c.Engine.ReadinessTimeout <= 0 {
		errs = append(errs, errors.New("engine.readiness_timeout must be positive"))
	}
	if c.Engine.StartTimeout <= 0 {
		errs = append(errs, errors.New("engine.start_timeout must be positive"))
	}
	if c.Pool.Workers < 1 {
		errs = append(errs, errors.New("pool.workers must be at least 1"))
	}

	s := c.Session
	if s.MinTimeout <= 0 || s.MaxTimeout < s.MinTimeout {
		errs = append(errs, fmt.Errorf("session timeout range [%s, %s] is invalid", s.MinTimeout, s.MaxTimeout))
	} else if s.DefaultTimeout < s.MinTimeout || s.DefaultTimeout > s.MaxTimeout {
		errs = append(errs, fmt.Errorf("session.default_timeout %s is outside [%s, %s]", s.DefaultTimeout, s.MinTimeout, s.MaxTimeout))
	}
	if s.CommandTimeout <= 0 {
		errs = append(errs, errors.New("session.command_timeout must be positive"))
	}
	if s.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("session.probe_timeout must be positive"))
	}
	if s.ProjectConcurrency < 1 {
		errs = append(errs, errors.New("session.project_concurrency must be at least 1"))
	}
	if s.FailedRetention < 0 {
		errs = append(errs, errors.New("session.failed_retention must not be negative"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerHour < 1 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit requires positive requests_per_hour and burst"))
	}

	return errors.Join(errs...)
}
