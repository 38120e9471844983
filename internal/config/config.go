// Package config loads server configuration: defaults, then an optional
// TOML file, then environment variables. Env wins.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Provider ProviderConfig `toml:"provider"`
	Routing  RoutingConfig  `toml:"routing"`
	Queue    QueueConfig    `toml:"queue"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Observer ObserverConfig `toml:"observer"`
	Audit    AuditConfig    `toml:"audit"`
}

type ServerConfig struct {
	Addr       string `toml:"addr"`
	WebhookURL string `toml:"webhook_url"`
}

type AuthConfig struct {
	JWTSecret        string `toml:"jwt_secret"`
	JWTRefreshSecret string `toml:"jwt_refresh_secret"`
	JWTExpiry        string `toml:"jwt_expiry"`
	JWTRefreshExpiry string `toml:"jwt_refresh_expiry"`
	Audience         string `toml:"audience"`
}

// Expiry parses JWTExpiry, falling back to 15 minutes.
func (a AuthConfig) Expiry() time.Duration {
	if d, err := time.ParseDuration(a.JWTExpiry); err == nil && d > 0 {
		return d
	}
	return 15 * time.Minute
}

// RefreshExpiry parses JWTRefreshExpiry, falling back to 7 days. TOML and
// env carry it as a Go duration string ("168h").
func (a AuthConfig) RefreshExpiry() time.Duration {
	if d, err := time.ParseDuration(a.JWTRefreshExpiry); err == nil && d > 0 {
		return d
	}
	return 7 * 24 * time.Hour
}

type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Name    string `toml:"name"`
	RPM     int    `toml:"rpm"` // 0 = no request pacing
	TPM     int    `toml:"tpm"` // 0 = no token pacing
}

type RoutingConfig struct {
	DefaultModel   string   `toml:"default_model"`
	FallbackModels []string `toml:"fallback_models"`
}

type QueueConfig struct {
	MaxConcurrency   int `toml:"max_concurrency"`
	Capacity         int `toml:"capacity"`
	IntervalMs       int `toml:"interval_ms"`
	IntervalCap      int `toml:"interval_cap"`
	DefaultTimeoutMs int `toml:"default_timeout_ms"`
	MaxRetries       int `toml:"max_retries"`
}

type SandboxConfig struct {
	UseDocker     bool   `toml:"use_docker"`
	Image         string `toml:"image"`
	AgentAddr     string `toml:"agent_addr"`
	MaxMemoryMB   int    `toml:"max_memory_mb"`
	MaxCPUPercent int    `toml:"max_cpu_percent"`
	MaxExecutionMs int   `toml:"max_execution_ms"`
	SessionIdleMs int    `toml:"session_idle_ms"`
	WorkDir       string `toml:"work_dir"` // local runner only; "" = temp dir
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "postgres"
	Path        string `toml:"path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type AuditConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{JWTExpiry: "15m", JWTRefreshExpiry: "168h", Audience: "penny"},
		Provider: ProviderConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
		},
		Routing: RoutingConfig{DefaultModel: "gpt-4o-mini"},
		Queue: QueueConfig{
			MaxConcurrency:   10,
			Capacity:         1024,
			IntervalMs:       1000,
			IntervalCap:      20,
			DefaultTimeoutMs: 30000,
			MaxRetries:       3,
		},
		Sandbox: SandboxConfig{
			Image:          "penny-sandbox:latest",
			AgentAddr:      "http://localhost:8090",
			MaxMemoryMB:    512,
			MaxCPUPercent:  50,
			MaxExecutionMs: 30000,
			SessionIdleMs:  1800000,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "penny.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "penny.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	envStr(&cfg.Server.Addr, "PENNY_ADDR")
	envStr(&cfg.Server.WebhookURL, "PENNY_WEBHOOK_URL")
	envStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	envStr(&cfg.Auth.JWTRefreshSecret, "JWT_REFRESH_SECRET")
	envStr(&cfg.Auth.JWTExpiry, "JWT_EXPIRY")
	envStr(&cfg.Auth.JWTRefreshExpiry, "JWT_REFRESH_EXPIRY")
	envStr(&cfg.Provider.APIKey, "PENNY_PROVIDER_API_KEY")
	envStr(&cfg.Provider.BaseURL, "PENNY_PROVIDER_BASE_URL")
	envInt(&cfg.Provider.RPM, "PENNY_PROVIDER_RPM")
	envInt(&cfg.Provider.TPM, "PENNY_PROVIDER_TPM")
	envStr(&cfg.Routing.DefaultModel, "DEFAULT_MODEL")
	envInt(&cfg.Queue.MaxConcurrency, "MAX_CONCURRENCY")
	envInt(&cfg.Queue.IntervalMs, "QUEUE_INTERVAL_MS")
	envInt(&cfg.Queue.IntervalCap, "QUEUE_INTERVAL_CAP")
	envInt(&cfg.Queue.DefaultTimeoutMs, "DEFAULT_TIMEOUT_MS")
	envInt(&cfg.Queue.MaxRetries, "MAX_RETRIES")
	envInt(&cfg.Sandbox.MaxMemoryMB, "MAX_MEMORY_MB")
	envInt(&cfg.Sandbox.MaxCPUPercent, "MAX_CPU_PERCENT")
	envInt(&cfg.Sandbox.MaxExecutionMs, "MAX_EXECUTION_MS")
	envInt(&cfg.Sandbox.SessionIdleMs, "SESSION_IDLE_MS")
	envStr(&cfg.Sandbox.WorkDir, "PENNY_SANDBOX_WORKDIR")
	envStr(&cfg.Database.Path, "PENNY_DB_PATH")
	envStr(&cfg.Database.PostgresDSN, "PENNY_POSTGRES_DSN")
	envStr(&cfg.Redis.Addr, "PENNY_REDIS_ADDR")
	envStr(&cfg.Redis.Password, "PENNY_REDIS_PASSWORD")
	envBool(&cfg.Observer.Enabled, "PENNY_OBSERVER_ENABLED")
	envBool(&cfg.Audit.Enabled, "AUDIT_LOGGING_ENABLED")

	if cfg.Database.PostgresDSN != "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Auth.JWTRefreshSecret == "" {
		cfg.Auth.JWTRefreshSecret = cfg.Auth.JWTSecret
	}

	return cfg
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
