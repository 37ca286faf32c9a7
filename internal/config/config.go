package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DockerConfig selects the container engine and the sandbox resource envelope.
type DockerConfig struct {
	// Host overrides DOCKER_HOST. Empty uses the client environment defaults.
	Host         string `yaml:"host"`
	DefaultImage string `yaml:"default_image"`
	MemoryMB     int64  `yaml:"memory_mb"`
	Network      string `yaml:"network"`
}

// GitConfig is the identity written into every sandbox's git config.
type GitConfig struct {
	UserName  string `yaml:"user_name"`
	UserEmail string `yaml:"user_email"`
}

type ShellConfig struct {
	HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds"`
	ReadinessTimeoutSeconds int `yaml:"readiness_timeout_seconds"`
}

type ReaperConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 60s" or "*/2 * * * *".
	Schedule     string `yaml:"schedule"`
	GraceSeconds int    `yaml:"grace_seconds"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxRequestBytes caps REST request bodies. 0 uses the gateway default.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	// Bounded drain timeout (seconds). 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Docker    DockerConfig    `yaml:"docker"`
	Git       GitConfig       `yaml:"git"`
	Shell     ShellConfig     `yaml:"shell"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Missing is set when config.yaml does not exist yet; defaults are in effect.
	Missing bool `yaml:"-"`
}

// HeartbeatInterval is the inbound silence after which the bridge sends a heartbeat.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Shell.HeartbeatSeconds) * time.Second
}

// IdleTimeout is the no-traffic ceiling after which the bridge terminates.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Shell.IdleTimeoutSeconds) * time.Second
}

func (c Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.Shell.ReadinessTimeoutSeconds) * time.Second
}

func (c Config) ReaperGrace() time.Duration {
	return time.Duration(c.Reaper.GraceSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// SessionsDir is the host directory holding per-sandbox assistant session state.
func (c Config) SessionsDir() string {
	return filepath.Join(c.HomeDir, "sessions")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|image=%s|net=%s|mem=%d|hb=%d|idle=%d|ready=%d|reap=%s/%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins,
		c.Docker.DefaultImage, c.Docker.Network, c.Docker.MemoryMB,
		c.Shell.HeartbeatSeconds, c.Shell.IdleTimeoutSeconds, c.Shell.ReadinessTimeoutSeconds,
		c.Reaper.Schedule, c.Reaper.GraceSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8000",
		LogLevel:            "info",
		MaxRequestBytes:     1 << 20,
		DrainTimeoutSeconds: 5,
		Docker: DockerConfig{
			DefaultImage: "ubuntu:22.04",
			Network:      "bridge",
		},
		Git: GitConfig{
			UserName:  "Agent",
			UserEmail: "agent@example.com",
		},
		Shell: ShellConfig{
			HeartbeatSeconds:        30,
			IdleTimeoutSeconds:      1800,
			ReadinessTimeoutSeconds: 600,
		},
		Reaper: ReaperConfig{
			Schedule:     "@every 60s",
			GraceSeconds: 300,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTBOX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentbox")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies AGENTBOX_* overrides and fills defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentbox home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Docker.DefaultImage) == "" {
		cfg.Docker.DefaultImage = "ubuntu:22.04"
	}
	if cfg.Docker.Network == "" {
		cfg.Docker.Network = "bridge"
	}
	if cfg.Git.UserName == "" {
		cfg.Git.UserName = "Agent"
	}
	if cfg.Git.UserEmail == "" {
		cfg.Git.UserEmail = "agent@example.com"
	}
	if cfg.Shell.HeartbeatSeconds <= 0 {
		cfg.Shell.HeartbeatSeconds = 30
	}
	if cfg.Shell.IdleTimeoutSeconds <= 0 {
		cfg.Shell.IdleTimeoutSeconds = 1800
	}
	if cfg.Shell.ReadinessTimeoutSeconds <= 0 {
		cfg.Shell.ReadinessTimeoutSeconds = 600
	}
	if strings.TrimSpace(cfg.Reaper.Schedule) == "" {
		cfg.Reaper.Schedule = "@every 60s"
	}
	if cfg.Reaper.GraceSeconds <= 0 {
		cfg.Reaper.GraceSeconds = 300
	}
}

// validate rejects combinations that would make the bridge misbehave.
func validate(cfg Config) error {
	if cfg.Shell.HeartbeatSeconds >= cfg.Shell.IdleTimeoutSeconds {
		return fmt.Errorf("shell.heartbeat_seconds (%d) must be < shell.idle_timeout_seconds (%d)",
			cfg.Shell.HeartbeatSeconds, cfg.Shell.IdleTimeoutSeconds)
	}
	if cfg.Docker.MemoryMB < 0 {
		return fmt.Errorf("docker.memory_mb must be >= 0, got %d", cfg.Docker.MemoryMB)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTBOX_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTBOX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTBOX_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTBOX_DOCKER_HOST"); raw != "" {
		cfg.Docker.Host = raw
	}
	if raw := os.Getenv("AGENTBOX_DEFAULT_IMAGE"); raw != "" {
		cfg.Docker.DefaultImage = raw
	}
	if raw := os.Getenv("AGENTBOX_DOCKER_MEMORY_MB"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Docker.MemoryMB = v
		}
	}
	if raw := os.Getenv("AGENTBOX_DOCKER_NETWORK"); raw != "" {
		cfg.Docker.Network = raw
	}
	if raw := os.Getenv("AGENTBOX_GIT_USER_NAME"); raw != "" {
		cfg.Git.UserName = raw
	}
	if raw := os.Getenv("AGENTBOX_GIT_USER_EMAIL"); raw != "" {
		cfg.Git.UserEmail = raw
	}
	if raw := os.Getenv("AGENTBOX_HEARTBEAT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Shell.HeartbeatSeconds = v
		}
	}
	if raw := os.Getenv("AGENTBOX_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Shell.IdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTBOX_READINESS_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Shell.ReadinessTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTBOX_REAPER_SCHEDULE"); raw != "" {
		cfg.Reaper.Schedule = raw
	}
	if raw := os.Getenv("AGENTBOX_REAPER_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reaper.GraceSeconds = v
		}
	}
	if raw := os.Getenv("AGENTBOX_TELEMETRY_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
