package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.Reset()
	config := GetDefaults()
	setDefaults(config)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/pii-gateway/")
	viper.AddConfigPath("$HOME/.pii-gateway/")

	// Environment variable overrides, e.g. GATEWAY_PRIVACY_FAIL_MODE
	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults registers every key with viper so environment overrides apply
// even when the key is absent from the file.
func setDefaults(d *Config) {
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	viper.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	viper.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	viper.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)

	viper.SetDefault("privacy.enabled", d.Privacy.Enabled)
	viper.SetDefault("privacy.detectors", d.Privacy.Detectors)
	viper.SetDefault("privacy.fail_mode", d.Privacy.FailMode)
	viper.SetDefault("privacy.legacy_constant_placeholders", d.Privacy.LegacyConstantPlaceholders)

	viper.SetDefault("upstream.default_provider", d.Upstream.DefaultProvider)
	viper.SetDefault("upstream.timeout", d.Upstream.Timeout)
	providers := make(map[string]any, len(d.Upstream.Providers))
	for name, p := range d.Upstream.Providers {
		providers[name] = map[string]any{
			"base_url":      p.BaseURL,
			"api_key":       p.APIKey,
			"default_model": p.DefaultModel,
		}
	}
	viper.SetDefault("upstream.providers", providers)

	viper.SetDefault("database.driver", d.Database.Driver)
	viper.SetDefault("database.dsn", d.Database.DSN)
	viper.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	viper.SetDefault("database.auto_migrate", d.Database.AutoMigrate)
	viper.SetDefault("database.history_enabled", d.Database.HistoryEnabled)

	viper.SetDefault("redis.enabled", d.Redis.Enabled)
	viper.SetDefault("redis.url", d.Redis.URL)
	viper.SetDefault("redis.pool_size", d.Redis.PoolSize)
	viper.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	viper.SetDefault("redis.policy_ttl", d.Redis.PolicyTTL)
	viper.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	viper.SetDefault("access.jwt_secret", d.Access.JWTSecret)
	viper.SetDefault("access.issuer", d.Access.Issuer)
	viper.SetDefault("access.audit_role", d.Access.AuditRole)

	viper.SetDefault("security.rate_limit.enabled", d.Security.RateLimit.Enabled)
	viper.SetDefault("security.rate_limit.requests_per_minute", d.Security.RateLimit.RequestsPerMinute)
	viper.SetDefault("security.rate_limit.burst", d.Security.RateLimit.Burst)
	viper.SetDefault("security.rate_limit.idle_ttl", d.Security.RateLimit.IdleTTL)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)
	viper.SetDefault("logging.file.enabled", d.Logging.File.Enabled)
	viper.SetDefault("logging.file.path", d.Logging.File.Path)

	viper.SetDefault("websocket.enabled", d.WebSocket.Enabled)
	viper.SetDefault("websocket.path", d.WebSocket.Path)
	viper.SetDefault("websocket.username", d.WebSocket.Username)
	viper.SetDefault("websocket.password", d.WebSocket.Password)
	viper.SetDefault("websocket.max_connections", d.WebSocket.MaxConnections)
	viper.SetDefault("websocket.read_buffer_size", d.WebSocket.ReadBufferSize)
	viper.SetDefault("websocket.write_buffer_size", d.WebSocket.WriteBufferSize)
	viper.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	viper.SetDefault("websocket.pong_timeout", d.WebSocket.PongTimeout)
	viper.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	viper.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	viper.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)
	viper.SetDefault("websocket.events.broadcast_anonymization", d.WebSocket.Events.BroadcastAnonymization)
	viper.SetDefault("websocket.events.broadcast_audit", d.WebSocket.Events.BroadcastAudit)
	viper.SetDefault("websocket.events.broadcast_system", d.WebSocket.Events.BroadcastSystem)
	viper.SetDefault("websocket.events.broadcast_connections", d.WebSocket.Events.BroadcastConnections)

	viper.SetDefault("metrics.enabled", d.Metrics.Enabled)
	viper.SetDefault("metrics.path", d.Metrics.Path)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Privacy.FailMode != FailModeSkip && config.Privacy.FailMode != FailModeAnonymize {
		return fmt.Errorf("invalid privacy fail mode: %s (must be skip or anonymize)", config.Privacy.FailMode)
	}

	if len(config.Upstream.Providers) == 0 {
		return fmt.Errorf("no upstream providers configured")
	}
	if _, ok := config.Upstream.Providers[config.Upstream.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %q is not configured", config.Upstream.DefaultProvider)
	}
	for name, p := range config.Upstream.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q has no base_url", name)
		}
	}

	if config.Database.DSN != "" && config.Database.Driver != "postgres" && config.Database.Driver != "sqlite3" {
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", config.Database.Driver)
	}

	if config.Redis.Enabled && config.Redis.URL == "" {
		return fmt.Errorf("redis is enabled but redis.url is empty")
	}

	if rl := config.Security.RateLimit; rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("invalid rate limit: %d/min burst %d", rl.RequestsPerMinute, rl.Burst)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes. Only reloads
// that pass validation reach callback; failures go to onError.
func Watch(callback func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}

		callback(newConfig)
	})
	viper.WatchConfig()
}
