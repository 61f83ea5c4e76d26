package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the debugger service
type Config struct {
	// Control API
	Port int `envconfig:"PORT" default:"10002"`

	// Embedded (pipe) server unless remote is set
	Remote       bool   `envconfig:"DEBUGGER_REMOTE" default:"false"`
	RemoteHost   string `envconfig:"REMOTE_HOST" default:"127.0.0.1"`
	RemotePort   int    `envconfig:"REMOTE_PORT" default:"6000"`
	RemoteScheme string `envconfig:"REMOTE_SCHEME" default:"tcp"`

	// Log every packet except newGlobal notifications.
	TracePackets bool `envconfig:"TRACE_PACKETS" default:"false"`

	DialAttempts uint          `envconfig:"DIAL_ATTEMPTS" default:"5"`
	DialDelay    time.Duration `envconfig:"DIAL_DELAY" default:"250ms"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.Remote {
		if config.RemoteHost == "" {
			return fmt.Errorf("REMOTE_HOST is required when DEBUGGER_REMOTE is set")
		}
		if config.RemotePort <= 0 || config.RemotePort > 65535 {
			return fmt.Errorf("REMOTE_PORT must be between 1 and 65535")
		}
	}
	switch config.RemoteScheme {
	case "tcp", "ws", "wss":
	default:
		return fmt.Errorf("REMOTE_SCHEME must be one of tcp, ws, wss")
	}
	if config.DialAttempts == 0 || config.DialAttempts > 100 {
		return fmt.Errorf("DIAL_ATTEMPTS must be between 1 and 100")
	}
	if config.DialDelay < 0 {
		return fmt.Errorf("DIAL_DELAY must not be negative")
	}
	if _, err := ParseLevel(config.LogLevel); err != nil {
		return err
	}

	return nil
}

// SlogLevel returns LOG_LEVEL as a slog level, or info when it does not parse.
func (c *Config) SlogLevel() slog.Level {
	return levelOrInfo(c.LogLevel)
}

func levelOrInfo(s string) slog.Level {
	level, err := ParseLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
}

// ServerConfig holds the configuration of the standalone debug server
type ServerConfig struct {
	// Length-prefixed TCP listener
	ListenAddr string `envconfig:"RDP_LISTEN_ADDR" default:"127.0.0.1:6000"`
	// WebSocket listener; disabled when empty
	WebSocketAddr string `envconfig:"RDP_WEBSOCKET_ADDR" default:""`

	// Tabs to open at startup, comma separated. The first one is selected.
	Tabs []string `envconfig:"RDP_TABS"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// SlogLevel returns LOG_LEVEL as a slog level, or info when it does not parse.
func (c *ServerConfig) SlogLevel() slog.Level {
	return levelOrInfo(c.LogLevel)
}

// LoadServer loads the debug server configuration from environment variables
func LoadServer() (*ServerConfig, error) {
	var config ServerConfig
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("RDP_LISTEN_ADDR is required")
	}
	if _, err := ParseLevel(config.LogLevel); err != nil {
		return nil, err
	}
	return &config, nil
}
