// Package config loads the convene server configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/convene/pkg/security"
)

// maxConfigSize bounds the configuration file read from disk.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Store         StoreConfig         `yaml:"store"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Registry      RegistryConfig      `yaml:"registry"`
	Launcher      LauncherConfig      `yaml:"launcher"`
}

// ServerConfig configures the agent and admin HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the base URL agents use to reach the server. Defaults to
	// http://<addr>.
	PublicURL       string        `yaml:"public_url"`
	APIKeys         []APIKey      `yaml:"api_keys"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIKey grants access to the admin API.
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	// Role is "admin" or "readonly".
	Role string `yaml:"role"`
}

// ObservabilityConfig configures health, metrics, and tracing.
type ObservabilityConfig struct {
	Addr           string        `yaml:"addr"`
	GRPCHealthAddr string        `yaml:"grpc_health_addr"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Exporter   string            `yaml:"exporter"` // otlp, stdout, none
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers"`
	SampleRate float64           `yaml:"sample_rate"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"` // json, console
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SessionsConfig holds session manager limits and defaults.
type SessionsConfig struct {
	DefaultNamespace string `yaml:"default_namespace"`
	MaxSessions      int    `yaml:"max_sessions"`
	// DefaultTTL applies to sessions created without a TTL. Zero disables it.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// DefaultWait is used by wait-for-message when the agent gives no timeout.
	DefaultWait time.Duration `yaml:"default_wait"`
	// MaxWait caps any wait-for-message timeout.
	MaxWait          time.Duration `yaml:"max_wait"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
	JanitorSchedule  string        `yaml:"janitor_schedule"`
}

// StoreConfig selects the archive of ended sessions.
type StoreConfig struct {
	Type  string      `yaml:"type"` // memory, redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// RateLimitConfig limits agent requests per secret.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RegistryConfig points at the agent registry file. Without a file every
// agent resolves to a definition carrying only its name.
type RegistryConfig struct {
	File string `yaml:"file"`
}

// LauncherConfig selects how agent runtimes are started.
type LauncherConfig struct {
	Type string `yaml:"type"` // none, exec
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Addr: ":9090",
			Tracing: TracingConfig{
				Exporter:   "none",
				SampleRate: 1,
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stderr"},
		},
		Sessions: SessionsConfig{
			DefaultNamespace: "default",
			DefaultWait:      60 * time.Second,
			MaxWait:          5 * time.Minute,
			ArchiveRetention: 24 * time.Hour,
			JanitorSchedule:  "@every 1m",
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Prefix:   "convene:record:",
				PoolSize: 10,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Launcher: LauncherConfig{Type: "none"},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default and
// applies CONVENE_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		limits := security.DefaultYAMLLimits()
		limits.MaxFileSize = maxConfigSize
		if err := security.NewSafeYAMLParser(limits).UnmarshalYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Server.Addr, "CONVENE_ADDR")
	setString(&c.Server.PublicURL, "CONVENE_PUBLIC_URL")
	setString(&c.Observability.Addr, "CONVENE_OBSERVABILITY_ADDR")
	setString(&c.Log.Level, "CONVENE_LOG_LEVEL")
	setString(&c.Log.Format, "CONVENE_LOG_FORMAT")
	setString(&c.Store.Type, "CONVENE_STORE")
	setString(&c.Store.Redis.Addr, "CONVENE_REDIS_ADDR")
	setString(&c.Store.Redis.Password, "CONVENE_REDIS_PASSWORD")
	setString(&c.Registry.File, "CONVENE_REGISTRY_FILE")
	setString(&c.Launcher.Type, "CONVENE_LAUNCHER")

	if key := os.Getenv("CONVENE_API_KEY"); key != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, APIKey{Name: "env", Key: key, Role: "admin"})
	}
	if v := os.Getenv("CONVENE_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVENE_MAX_SESSIONS: %w", err)
		}
		c.Sessions.MaxSessions = n
	}
	if v := os.Getenv("CONVENE_TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONVENE_TRACING_ENABLED: %w", err)
		}
		c.Observability.Tracing.Enabled = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = LocalURL(c.Server.Addr)
	}
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	for i := range c.Server.APIKeys {
		if c.Server.APIKeys[i].Role == "" {
			c.Server.APIKeys[i].Role = "admin"
		}
	}
	if c.Sessions.DefaultWait <= 0 {
		c.Sessions.DefaultWait = 60 * time.Second
	}
	if c.Sessions.MaxWait <= 0 {
		c.Sessions.MaxWait = 5 * time.Minute
	}
	if c.Sessions.DefaultNamespace == "" {
		c.Sessions.DefaultNamespace = "default"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
}

// LocalURL is the public URL assumed for a listen address when none is
// configured.
func LocalURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.public_url %q is not an absolute URL", c.Server.PublicURL))
	}
	for i, k := range c.Server.APIKeys {
		if !security.IsValidAPIKeyFormat(k.Key) {
			errs = append(errs, fmt.Errorf("server.api_keys[%d]: key must be at least 16 characters without whitespace", i))
		}
		if k.Role != "admin" && k.Role != "readonly" {
			errs = append(errs, fmt.Errorf("server.api_keys[%d]: unknown role %q", i, k.Role))
		}
	}
	if c.Sessions.DefaultWait > c.Sessions.MaxWait {
		errs = append(errs, errors.New("sessions.default_wait exceeds sessions.max_wait"))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, errors.New("sessions.max_sessions must not be negative"))
	}
	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}
	switch c.Launcher.Type {
	case "", "none", "exec":
	default:
		errs = append(errs, fmt.Errorf("unknown launcher type %q", c.Launcher.Type))
	}
	switch c.Observability.Tracing.Exporter {
	case "", "none", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Observability.Tracing.Exporter))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	return errors.Join(errs...)
}
