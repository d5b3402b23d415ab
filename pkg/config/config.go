package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// BaseURL is the externally visible origin of this service, used to
	// build SAML ACS URLs and OIDC redirect URIs.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	ReplicaURLs string        `yaml:"replica_urls"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
}

// AuthConfig holds authentication-core configuration
type AuthConfig struct {
	// SecretKey is the 32-byte key (hex encoded) for the at-rest secret
	// codec and CSRF token signing.
	SecretKey string `yaml:"secret_key"`

	// SessionTTL bounds how long an authenticated session lives.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// LoginAttemptTTL bounds SAML AuthnRequest records and OIDC
	// state/nonce cookies.
	LoginAttemptTTL time.Duration `yaml:"login_attempt_ttl"`

	// ProviderTimeout bounds outbound calls to identity providers
	// (token exchange, JWKS, userinfo).
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// AllowedRedirectOrigins are origins permitted as absolute post-login
	// return URLs. The service's own BaseURL origin is always allowed.
	AllowedRedirectOrigins []string `yaml:"allowed_redirect_origins"`

	// SecureCookies controls the Secure flag on auth cookies; disable
	// only for local development over plain HTTP.
	SecureCookies bool `yaml:"secure_cookies"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`

	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	ServiceName     string `yaml:"service_name"`
	ServiceVersion  string `yaml:"service_version"`
	TracingInsecure bool   `yaml:"tracing_insecure"`
}

// LoadConfig loads configuration from the environment, applies the YAML
// overlay when SKYHOOK_CONFIG_FILE is set, and validates the result.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Observability: loadObservabilityConfig(),
	}

	if file := getEnv("SKYHOOK_CONFIG_FILE", ""); file != "" {
		if err := cfg.applyFile(file); err != nil {
			return nil, fmt.Errorf("failed to apply config file %s: %w", file, err)
		}
	}

	if cfg.Observability.LogLevelName != "" {
		cfg.Observability.LogLevel = parseLogLevel(cfg.Observability.LogLevelName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML file onto the config.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SKYHOOK_HOST", "0.0.0.0"),
		Port:            getEnv("SKYHOOK_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SKYHOOK_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SKYHOOK_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SKYHOOK_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SKYHOOK_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SKYHOOK_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("SKYHOOK_BASE_URL", "http://localhost:8080"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("SKYHOOK_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("SKYHOOK_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("SKYHOOK_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("SKYHOOK_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("SKYHOOK_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("SKYHOOK_REDIS_URL", "redis://localhost:6379/0"),
		Password:   getEnv("SKYHOOK_REDIS_PASSWORD", ""),
		DB:         getEnvInt("SKYHOOK_REDIS_DB", -1),
		MaxRetries: getEnvInt("SKYHOOK_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("SKYHOOK_REDIS_POOL_SIZE", 10),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		SecretKey:              getEnv("SKYHOOK_SECRET_KEY", ""),
		SessionTTL:             getEnvDuration("SKYHOOK_SESSION_TTL", 24*time.Hour),
		LoginAttemptTTL:        getEnvDuration("SKYHOOK_LOGIN_ATTEMPT_TTL", 10*time.Minute),
		ProviderTimeout:        getEnvDuration("SKYHOOK_PROVIDER_TIMEOUT", 10*time.Second),
		AllowedRedirectOrigins: splitAndTrim(getEnv("SKYHOOK_ALLOWED_REDIRECT_ORIGINS", "")),
		SecureCookies:          getEnvBool("SKYHOOK_SECURE_COOKIES", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	name := getEnv("SKYHOOK_LOG_LEVEL", "info")
	return ObservabilityConfig{
		LogLevel:        parseLogLevel(name),
		LogLevelName:    name,
		MetricsEnabled:  getEnvBool("SKYHOOK_METRICS_ENABLED", true),
		TracingEnabled:  getEnvBool("SKYHOOK_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("SKYHOOK_TRACING_ENDPOINT", "localhost:4317"),
		ServiceName:     getEnv("SKYHOOK_SERVICE_NAME", "skyhook-auth"),
		ServiceVersion:  getEnv("SKYHOOK_SERVICE_VERSION", "1.0.0"),
		TracingInsecure: getEnvBool("SKYHOOK_TRACING_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL: %s", c.Server.BaseURL)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Auth.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if len(c.Auth.SecretKey) != 64 {
		return fmt.Errorf("secret key must be 32 bytes hex encoded (64 characters)")
	}
	if c.Auth.LoginAttemptTTL <= 0 {
		return fmt.Errorf("login attempt TTL must be positive")
	}
	if c.Auth.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}

	for _, origin := range c.Auth.AllowedRedirectOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed redirect origin must be an absolute origin: %s", origin)
		}
	}

	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
