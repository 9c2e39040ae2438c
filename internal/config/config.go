// Package config loads bridge configuration: environment variables for the
// process, plus an optional YAML file of session profiles.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// OpenClaw gateway
	GatewayURL     string        `envconfig:"OPENCLAW_GATEWAY_URL" default:"ws://localhost:18789/ws/gateway"`
	GatewayToken   string        `envconfig:"OPENCLAW_GATEWAY_TOKEN"`
	SessionKey     string        `envconfig:"OPENCLAW_SESSION_KEY" default:"agent:main:main"`
	ReconnectDelay time.Duration `envconfig:"GATEWAY_RECONNECT_DELAY" default:"2s"`
	StreamTimeout  time.Duration `envconfig:"GATEWAY_STREAM_TIMEOUT" default:"10m"`

	// Transcript lookup (optional; external runs fall back to a placeholder
	// label when unset)
	TranscriptBaseURL string `envconfig:"TRANSCRIPT_BASE_URL"`
	TranscriptToken   string `envconfig:"TRANSCRIPT_TOKEN"`

	// HTTP API
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	AuthMode    string `envconfig:"AUTH_MODE" default:"none"` // "none", "api-key", "jwt"
	APIKey      string `envconfig:"API_KEY"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	CORSOrigins string `envconfig:"CORS_ORIGINS"`

	// Session profiles YAML (optional)
	ProfilesPath string `envconfig:"SESSION_PROFILES_PATH"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case "none":
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("config: AUTH_MODE=api-key requires API_KEY")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("config: AUTH_MODE=jwt requires JWT_SECRET")
		}
	default:
		return fmt.Errorf("config: unknown AUTH_MODE %q", c.AuthMode)
	}
	return nil
}

// IsDevelopment reports whether the bridge runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
