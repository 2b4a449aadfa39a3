// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Lock drivers.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// Invocation modes.
const (
	InvokeLocal  = "local"
	InvokeRemote = "remote"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Session       SessionConfig       `yaml:"session"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Invoke        InvokeConfig        `yaml:"invoke"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// SessionConfig describes the signed impersonation credential shared by
// every step server of a deployment.
type SessionConfig struct {
	SecretEnv string        `yaml:"secret_env"`
	Issuer    string        `yaml:"issuer"`
	TTL       time.Duration `yaml:"ttl"`

	// Secret is resolved from SecretEnv at load time. It is never read
	// from the file.
	Secret string `yaml:"-"`
}

// StoreConfig describes record persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// LockConfig describes the record lock backend.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// InvokeConfig describes how one step invokes another.
type InvokeConfig struct {
	Mode           string               `yaml:"mode"`
	BaseURL        string               `yaml:"base_url"`
	BasePath       string               `yaml:"base_path"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings of the remote
// invoker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefinitionsConfig describes where to find step definition YAML files.
// With Watch set, file changes under Directories trigger a reload once
// WatchDebounce has passed without further changes.
type DefinitionsConfig struct {
	Directories   []string      `yaml:"directories"`
	Seed          bool          `yaml:"seed"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"Accept-Language", "X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Session: SessionConfig{
			SecretEnv: "STEPFLOW_SESSION_SECRET",
			Issuer:    "stepflow",
			TTL:       5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			DSNEnv:          "STEPFLOW_STORE_DSN",
			Path:            "data/stepflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Lock: LockConfig{
			Driver:  LockMemory,
			AddrEnv: "STEPFLOW_REDIS_ADDR",
			TTL:     30 * time.Second,
		},
		Invoke: InvokeConfig{
			Mode:     InvokeLocal,
			BasePath: "steps",
			Timeout:  10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Definitions: DefinitionsConfig{
			Directories:   []string{"/definitions"},
			Seed:          true,
			WatchDebounce: 500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// resolves secrets and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Session.Secret = os.Getenv(cfg.Session.SecretEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Session.Issuer == "" {
		errs = append(errs, "session.issuer is required")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, postgres, sqlite", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case LockMemory:
	case LockRedis:
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q must be one of memory, redis", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}

	switch c.Invoke.Mode {
	case InvokeLocal:
	case InvokeRemote:
		if c.Invoke.BaseURL == "" {
			errs = append(errs, "invoke.base_url is required in remote mode")
		}
		if c.Session.Secret == "" {
			errs = append(errs, "session secret is required in remote mode (set "+c.Session.SecretEnv+")")
		}
	default:
		errs = append(errs, fmt.Sprintf("invoke.mode %q must be one of local, remote", c.Invoke.Mode))
	}

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Definitions.Watch && c.Definitions.WatchDebounce <= 0 {
		errs = append(errs, "definitions.watch_debounce must be positive when watch is enabled")
	}
	if !slices.Contains([]string{"json", "console", ""}, c.Observability.LogFormat) {
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", c.Observability.LogFormat))
	}
	if !slices.Contains([]string{"otlp", "stdout", ""}, c.Observability.Tracing.Exporter) {
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q must be otlp or stdout", c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEPFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEPFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEPFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STEPFLOW_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("STEPFLOW_INVOKE_MODE"); v != "" {
		cfg.Invoke.Mode = v
	}
	if v := os.Getenv("STEPFLOW_INVOKE_BASE_URL"); v != "" {
		cfg.Invoke.BaseURL = v
	}
	if v := os.Getenv("STEPFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("STEPFLOW_DEFINITIONS_WATCH"); v != "" {
		if watch, err := strconv.ParseBool(v); err == nil {
			cfg.Definitions.Watch = watch
		}
	}
	if v := os.Getenv("STEPFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
