package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable the relay reads.
const EnvPrefix = "ROOMRELAY_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Limiter   *LimiterConfig   `json:"limiter" envPrefix:"LIMITER_"`
	Chat      *ChatConfig      `json:"chat" envPrefix:"CHAT_"`
	Auth      *AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Archive   *ArchiveConfig   `json:"archive" envPrefix:"ARCHIVE_"`
	Log       *LogConfig       `json:"log" envPrefix:"LOG_"`
}

type HTTPConfig struct {
	Host            string   `json:"host" env:"HOST"`
	Port            int      `json:"port" env:"PORT"`
	ReadTimeout     Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// FUNCTIONAL DISCOVERY: Handshake throttling is per remote address; rate is
// upgrades per second and zero turns it off.
type WebSocketConfig struct {
	Path           string   `json:"path" env:"PATH"`
	PingInterval   Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout    Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize     int      `json:"buffer_size" env:"BUFFER_SIZE"`
	MaxFrameBytes  int64    `json:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS"`
	HandshakeRate  float64  `json:"handshake_rate" env:"HANDSHAKE_RATE"`
	HandshakeBurst int      `json:"handshake_burst" env:"HANDSHAKE_BURST"`
}

type LimiterConfig struct {
	Policy            string   `json:"policy" env:"POLICY"`
	Capacity          float64  `json:"capacity" env:"CAPACITY"`
	BaseRate          float64  `json:"base_rate" env:"BASE_RATE"`
	PenaltyMultiplier float64  `json:"penalty_multiplier" env:"PENALTY_MULTIPLIER"`
	MaxPenalty        int      `json:"max_penalty" env:"MAX_PENALTY"`
	PenaltyDuration   Duration `json:"penalty_duration" env:"PENALTY_DURATION"`
	FailureThreshold  int      `json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	WindowLimit       int      `json:"window_limit" env:"WINDOW_LIMIT"`
	WindowSize        Duration `json:"window_size" env:"WINDOW_SIZE"`
}

type ChatConfig struct {
	MaxMessageLength int  `json:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
	AllowRejoin      bool `json:"allow_rejoin" env:"ALLOW_REJOIN"`
}

// AuthConfig holds the HMAC secret for join tokens. With no secret every
// presented token is rejected and only anonymous joins succeed.
type AuthConfig struct {
	Secret string `json:"secret" env:"SECRET"`
}

type ArchiveConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	Path       string `json:"path" env:"PATH"`
	BufferSize int    `json:"buffer_size" env:"BUFFER_SIZE"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// FUNCTIONAL DISCOVERY: Defaults mirror the relay's documented limits:
// burst of 5, 1 message/s, 500 characters.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		WebSocket: &WebSocketConfig{
			Path:           "/ws",
			PingInterval:   Duration(30 * time.Second),
			ReadTimeout:    Duration(60 * time.Second),
			WriteTimeout:   Duration(5 * time.Second),
			BufferSize:     100,
			MaxFrameBytes:  1 << 20,
			AllowedOrigins: []string{"*"},
			HandshakeRate:  5,
			HandshakeBurst: 20,
		},
		Limiter: &LimiterConfig{
			Policy:            "adaptive",
			Capacity:          5,
			BaseRate:          1,
			PenaltyMultiplier: 2,
			MaxPenalty:        4,
			PenaltyDuration:   Duration(30 * time.Second),
			FailureThreshold:  3,
			WindowLimit:       5,
			WindowSize:        Duration(time.Second),
		},
		Chat: &ChatConfig{
			MaxMessageLength: 500,
		},
		Auth: &AuthConfig{},
		Archive: &ArchiveConfig{
			Enabled:    false,
			Path:       "./data/roomrelay.db",
			BufferSize: 1000,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the relay cannot start with.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Limiter == nil || c.Chat == nil ||
		c.Auth == nil || c.Archive == nil || c.Log == nil {
		return errors.New("all configuration sections are required")
	}

	// Port 0 asks the kernel for a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("WebSocket path must start with /")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WebSocket max frame bytes must be positive")
	}
	if c.WebSocket.HandshakeRate < 0 || c.WebSocket.HandshakeBurst < 0 {
		return fmt.Errorf("WebSocket handshake rate and burst cannot be negative")
	}

	switch strings.ToLower(c.Limiter.Policy) {
	case "adaptive":
		if c.Limiter.Capacity <= 0 || c.Limiter.BaseRate <= 0 {
			return fmt.Errorf("limiter capacity and base rate must be positive")
		}
		if c.Limiter.PenaltyMultiplier < 1 {
			return fmt.Errorf("limiter penalty multiplier must be at least 1")
		}
		if c.Limiter.MaxPenalty < 0 {
			return fmt.Errorf("limiter max penalty cannot be negative")
		}
		if c.Limiter.PenaltyDuration <= 0 || c.Limiter.FailureThreshold <= 0 {
			return fmt.Errorf("limiter penalty duration and failure threshold must be positive")
		}
	case "window":
		if c.Limiter.WindowLimit <= 0 || c.Limiter.WindowSize <= 0 {
			return fmt.Errorf("limiter window limit and size must be positive")
		}
	default:
		return fmt.Errorf("unknown limiter policy %q", c.Limiter.Policy)
	}

	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat max message length must be positive")
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return fmt.Errorf("archive path cannot be empty when archiving is enabled")
		}
		if c.Archive.BufferSize <= 0 {
			return fmt.Errorf("archive buffer size must be positive")
		}
	}

	return nil
}

// Address returns host:port for the HTTP listener.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadFromEnv overlays ROOMRELAY_* environment variables on cfg. Unset
// variables leave the existing values alone.
// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadFromFile overlays a JSON file on cfg. Durations are strings such as
// "30s"; omitted keys keep their current values.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Load builds the runtime configuration.
// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults.
// A missing or broken file is an error rather than silently ignored.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := LoadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
