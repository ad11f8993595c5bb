package config

import "time"

// Fail modes applied when the policy store cannot be reached
const (
	FailModeSkip      = "skip"
	FailModeAnonymize = "anonymize"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Privacy   PrivacyConfig   `yaml:"privacy" mapstructure:"privacy"`
	Upstream  UpstreamConfig  `yaml:"upstream" mapstructure:"upstream"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Access    AccessConfig    `yaml:"access" mapstructure:"access"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// PrivacyConfig contains PII detection and anonymization configuration
type PrivacyConfig struct {
	// Enabled is a global switch; when false no request is anonymized
	// whatever the stored policy says.
	Enabled                    bool     `yaml:"enabled" mapstructure:"enabled"`
	Detectors                  []string `yaml:"detectors" mapstructure:"detectors"`
	FailMode                   string   `yaml:"fail_mode" mapstructure:"fail_mode"` // skip or anonymize
	LegacyConstantPlaceholders bool     `yaml:"legacy_constant_placeholders" mapstructure:"legacy_constant_placeholders"`
}

// UpstreamConfig contains upstream provider configuration
type UpstreamConfig struct {
	DefaultProvider string                    `yaml:"default_provider" mapstructure:"default_provider"`
	Timeout         time.Duration             `yaml:"timeout" mapstructure:"timeout"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// ProviderConfig describes one OpenAI-compatible upstream
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	DefaultModel string `yaml:"default_model" mapstructure:"default_model"`
}

// DatabaseConfig contains policy and history storage configuration. An empty
// DSN keeps both stores in memory.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres or sqlite3
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
	HistoryEnabled  bool          `yaml:"history_enabled" mapstructure:"history_enabled"`
}

// RedisConfig contains policy cache configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	URL          string        `yaml:"url" mapstructure:"url"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	PolicyTTL    time.Duration `yaml:"policy_ttl" mapstructure:"policy_ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// AccessConfig contains authentication for privileged endpoints
type AccessConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
	AuditRole string `yaml:"audit_role" mapstructure:"audit_role"`
}

// SecurityConfig contains request guardrails
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig limits completion requests per client
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains dashboard event stream configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Events          EventsConfig  `yaml:"events" mapstructure:"events"`
}

// EventsConfig selects which events are broadcast to dashboards
type EventsConfig struct {
	BroadcastAnonymization bool `yaml:"broadcast_anonymization" mapstructure:"broadcast_anonymization"`
	BroadcastAudit         bool `yaml:"broadcast_audit" mapstructure:"broadcast_audit"`
	BroadcastSystem        bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
	BroadcastConnections   bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
}

// MetricsConfig contains Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Privacy: PrivacyConfig{
			Enabled:   true,
			Detectors: []string{"all"},
			FailMode:  FailModeSkip,
		},
		Upstream: UpstreamConfig{
			DefaultProvider: "openai",
			Timeout:         90 * time.Second,
			Providers: map[string]ProviderConfig{
				"openai": {
					BaseURL:      "https://api.openai.com/v1",
					DefaultModel: "gpt-4o-mini",
				},
			},
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
			HistoryEnabled:  true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			URL:          "redis://localhost:6379/0",
			PoolSize:     10,
			MinIdleConns: 2,
			PolicyTTL:    30 * time.Second,
			KeyPrefix:    "pii-gateway:policy:",
		},
		Access: AccessConfig{
			AuditRole: "fsb",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
				IdleTTL:           10 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
			Events: EventsConfig{
				BroadcastAnonymization: true,
				BroadcastAudit:         true,
				BroadcastSystem:        true,
				BroadcastConnections:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	cfg.Logging.File.Path = "logs/pii-gateway.log"
	return cfg
}
