// Package config loads storefront core configuration from YAML, an optional
// .env file, and STOREFRONT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
var DefaultPath = filepath.Join("config", "storefront.yaml")

// Config is the root configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Signals  SignalsConfig  `yaml:"signals"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// GatewayConfig configures the HTTP gateway and refresh coordinator.
type GatewayConfig struct {
	BaseURL            string        `yaml:"base_url" env:"STOREFRONT_BASE_URL"`
	Timeout            time.Duration `yaml:"timeout" env:"STOREFRONT_HTTP_TIMEOUT"`
	LoginPath          string        `yaml:"login_path" env:"STOREFRONT_LOGIN_PATH"`
	LogoutPath         string        `yaml:"logout_path" env:"STOREFRONT_LOGOUT_PATH"`
	RefreshPath        string        `yaml:"refresh_path" env:"STOREFRONT_REFRESH_PATH"`
	ErrorCodeHeader    string        `yaml:"error_code_header" env:"STOREFRONT_ERROR_CODE_HEADER"`
	RefreshSuccessCode string        `yaml:"refresh_success_code" env:"STOREFRONT_REFRESH_SUCCESS_CODE"`
	RefreshQueueLimit  int           `yaml:"refresh_queue_limit" env:"STOREFRONT_REFRESH_QUEUE_LIMIT"`
	RefreshWaitTimeout time.Duration `yaml:"refresh_wait_timeout" env:"STOREFRONT_REFRESH_WAIT_TIMEOUT"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" env:"STOREFRONT_REQUESTS_PER_SECOND"`
	Burst              int           `yaml:"burst" env:"STOREFRONT_REQUEST_BURST"`
}

// RealtimeConfig configures the streaming channel.
type RealtimeConfig struct {
	URL                  string        `yaml:"url" env:"STOREFRONT_REALTIME_URL"`
	Host                 string        `yaml:"host" env:"STOREFRONT_REALTIME_HOST"`
	Heartbeat            time.Duration `yaml:"heartbeat" env:"STOREFRONT_REALTIME_HEARTBEAT"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" env:"STOREFRONT_REALTIME_HANDSHAKE_TIMEOUT"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"STOREFRONT_RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" env:"STOREFRONT_RECONNECT_MAX_DELAY"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts" env:"STOREFRONT_RECONNECT_MAX_ATTEMPTS"`
}

// SignalsConfig configures the optional cross-instance signal source.
type SignalsConfig struct {
	RedisAddr     string `yaml:"redis_addr" env:"STOREFRONT_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"STOREFRONT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"STOREFRONT_REDIS_DB"`
	Channel       string `yaml:"channel" env:"STOREFRONT_SIGNAL_CHANNEL"`
}

// MetricsConfig configures the admin listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"STOREFRONT_ADMIN_ADDR"`
	Namespace  string `yaml:"namespace" env:"STOREFRONT_METRICS_NAMESPACE"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"STOREFRONT_LOG_LEVEL"`
	Format string `yaml:"format" env:"STOREFRONT_LOG_FORMAT"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:            "http://localhost:8080",
			Timeout:            30 * time.Second,
			LoginPath:          "/api/auth/login",
			LogoutPath:         "/api/auth/logout",
			RefreshPath:        "/api/auth/reissue",
			ErrorCodeHeader:    "error-code",
			RefreshSuccessCode: "ACCESS_TOKEN_REISSUED",
			RefreshQueueLimit:  100,
			RefreshWaitTimeout: 30 * time.Second,
			Burst:              10,
		},
		Realtime: RealtimeConfig{
			URL:                  "ws://localhost:8080/ws",
			Heartbeat:            20 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			ReconnectMaxAttempts: 5,
		},
		Signals: SignalsConfig{
			Channel: "storefront:session",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9102",
			Namespace:  "storefront",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnvFile loads a .env file into the process environment first.
func LoadWithEnvFile(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}
	return Load(path)
}

// LoadOrDefault loads DefaultPath, falling back to Default on any error.
func LoadOrDefault() *Config {
	cfg, err := Load(DefaultPath)
	if err != nil {
		return Default()
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Gateway.BaseURL); err != nil {
		return fmt.Errorf("gateway.base_url: %w", err)
	}
	if c.Gateway.RefreshPath == "" {
		return fmt.Errorf("gateway.refresh_path is required")
	}
	if c.Gateway.ErrorCodeHeader == "" {
		return fmt.Errorf("gateway.error_code_header is required")
	}
	if c.Gateway.RefreshQueueLimit <= 0 {
		return fmt.Errorf("gateway.refresh_queue_limit must be positive")
	}
	if c.Gateway.RequestsPerSecond < 0 {
		return fmt.Errorf("gateway.requests_per_second must not be negative")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if c.Realtime.ReconnectBaseDelay <= 0 || c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return fmt.Errorf("realtime reconnect delays must satisfy 0 < base <= max")
	}
	if c.Realtime.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("realtime.reconnect_max_attempts must not be negative")
	}
	if c.Realtime.Heartbeat < 0 {
		return fmt.Errorf("realtime.heartbeat must not be negative")
	}
	return nil
}
