// Package config handles loading and validating cLawyer configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lawyered0/cLawyer-sub000/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for cLawyer.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.clawyer/data. Override: CLAWYER_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Proxy         ProxyConfig          `json:"proxy" yaml:"proxy"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Orchestrator  *OrchestratorConfig  `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`   // nil = defaults
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = defaults
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data dir
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env and file providers only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics only
}

// ServerConfig configures the operator-facing HTTP API.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8377".
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"`       // Bearer keys for /v1. Override/append: CLAWYER_API_KEY env var.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8377".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8377"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-key rate limiting for the API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute.
}

// ProxyConfig configures the egress proxy sandboxes route through.
type ProxyConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8378".
	// PublicURL is the address sandboxes reach the proxy at, from inside
	// the container network. Default: "http://172.17.0.1:8378".
	PublicURL string `json:"public_url" yaml:"public_url"`
}

// Addr returns the proxy listen address with a default of ":8378".
func (p *ProxyConfig) Addr() string {
	if p.ListenAddr != "" {
		return p.ListenAddr
	}
	return ":8378"
}

// URL returns the proxy URL sandboxes use, defaulting to the Docker
// bridge gateway.
func (p *ProxyConfig) URL() string {
	if p.PublicURL != "" {
		return p.PublicURL
	}
	return "http://172.17.0.1:8378"
}

// SandboxConfig configures the Docker sandboxes jobs run in.
type SandboxConfig struct {
	Image               string  `json:"image" yaml:"image"`                                 // Default: "clawyer-runtime:latest".
	MaxMemoryMB         int     `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 1024.
	CPUCores            float64 `json:"cpu_cores" yaml:"cpu_cores"`                         // Default: 1.0.
	PIDsLimit           int     `json:"pids_limit" yaml:"pids_limit"`                       // Default: 128.
	MaxExecutionSeconds int     `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 1800.
	// CallbackURL is the orchestrator address workers report to, from
	// inside the container network. Default: "http://172.17.0.1:8377".
	CallbackURL string `json:"callback_url" yaml:"callback_url"`
}

// Callback returns the worker callback URL with its default.
func (s *SandboxConfig) Callback() string {
	if s.CallbackURL != "" {
		return s.CallbackURL
	}
	return "http://172.17.0.1:8377"
}

// MaxExecution returns the sandbox wall-clock timeout with a default of 30m.
func (s *SandboxConfig) MaxExecution() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Minute
}

// OrchestratorConfig tunes job supervision.
type OrchestratorConfig struct {
	StuckWindowSeconds      int    `json:"stuck_window_seconds" yaml:"stuck_window_seconds"`           // Default: 120.
	HeartbeatTimeoutSeconds int    `json:"heartbeat_timeout_seconds" yaml:"heartbeat_timeout_seconds"` // 0 = silent jobs are labeled stuck but never interrupted.
	BrowseURLPattern        string `json:"browse_url_pattern" yaml:"browse_url_pattern"`               // Printf pattern with one %s for the job ID.
}

// StuckWindow returns the no-event window before a job is labeled stuck.
func (o *OrchestratorConfig) StuckWindow() time.Duration {
	if o != nil && o.StuckWindowSeconds > 0 {
		return time.Duration(o.StuckWindowSeconds) * time.Second
	}
	return 2 * time.Minute
}

// HeartbeatTimeout returns the no-event window before a job is
// interrupted. Zero disables interruption.
func (o *OrchestratorConfig) HeartbeatTimeout() time.Duration {
	if o != nil && o.HeartbeatTimeoutSeconds > 0 {
		return time.Duration(o.HeartbeatTimeoutSeconds) * time.Second
	}
	return 0
}

// Pattern returns the browse URL pattern, possibly empty.
func (o *OrchestratorConfig) Pattern() string {
	if o == nil {
		return ""
	}
	return o.BrowseURLPattern
}

// SchedulerConfig tunes the routine scheduler.
type SchedulerConfig struct {
	PollIntervalSeconds int `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 15.
}

// PollInterval returns the cron poll interval with a default of 15s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 15 * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: CLAWYER_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecretsConfig configures the Vault credential provider.
// Env and file providers are always available.
type SecretsConfig struct {
	VaultAddress   string `json:"vault_address" yaml:"vault_address"` // Override: VAULT_ADDR env var.
	VaultToken     string `json:"vault_token" yaml:"vault_token"`     // Override: VAULT_TOKEN env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5.
}

// Timeout returns the Vault request timeout with a default of 5s.
func (s *SecretsConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// ObservabilityConfig configures metrics, tracing, and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "clawyer"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeDocker bool `json:"include_docker" yaml:"include_docker"`
}

// DefaultConfigPath returns the default config file path (~/.clawyer/config.yml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/clawyer.yml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".clawyer", "config.yml")
}

// Default returns a runnable configuration for when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets and keys can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides — env vars take
// precedence over config values.
func (c *Config) applyEnv() {
	if key := os.Getenv("CLAWYER_API_KEY"); key != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, key)
	}
	c.DataDir = goutils.Env("CLAWYER_DATA_DIR", c.DataDir)
	if dsn := os.Getenv("CLAWYER_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = dsn
	}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		if c.Secrets == nil {
			c.Secrets = &SecretsConfig{}
		}
		c.Secrets.VaultAddress = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		if c.Secrets == nil {
			c.Secrets = &SecretsConfig{}
		}
		c.Secrets.VaultToken = token
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".clawyer", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "clawyer.db")
}

// StorageSettings translates the config into the storage layer's
// settings, applying the SQLite default path.
func (c *Config) StorageSettings() storage.Config {
	out := storage.Config{Driver: storage.DefaultDriver}
	if c.Storage != nil {
		out.Driver = c.Storage.Driver
		if out.Driver == "" {
			out.Driver = storage.DefaultDriver
		}
		if c.Storage.SQLite != nil {
			out.SQLite.Path = c.Storage.SQLite.Path
			out.SQLite.JournalMode = c.Storage.SQLite.JournalMode
		}
		if c.Storage.Postgres != nil {
			out.Postgres.DSN = c.Storage.Postgres.DSN
			out.Postgres.MaxOpenConns = c.Storage.Postgres.MaxOpenConns
			out.Postgres.MaxIdleConns = c.Storage.Postgres.MaxIdleConns
			out.Postgres.ConnMaxLifetimeS = c.Storage.Postgres.ConnMaxLifetimeS
		}
	}
	if out.Driver == storage.DriverSQLite && out.SQLite.Path == "" {
		out.SQLite.Path = c.DatabasePath()
	}
	return out
}

func (c *Config) validate() error {
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite, storage.DriverPostgres:
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == storage.DriverPostgres {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set CLAWYER_DB_DSN)")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		tr := c.Observability.Tracing
		if tr.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch tr.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", tr.Protocol)
		}
	}
	if o := c.Orchestrator; o != nil {
		if o.StuckWindowSeconds < 0 {
			return fmt.Errorf("orchestrator.stuck_window_seconds must not be negative")
		}
		if o.HeartbeatTimeoutSeconds < 0 {
			return fmt.Errorf("orchestrator.heartbeat_timeout_seconds must not be negative")
		}
		if o.BrowseURLPattern != "" && strings.Count(o.BrowseURLPattern, "%s") != 1 {
			return fmt.Errorf("orchestrator.browse_url_pattern must contain exactly one %%s")
		}
	}
	return nil
}
