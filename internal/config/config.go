package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Data persistence settings
	Audio   AudioConfig   `toml:"audio"`   // Microphone capture settings
	Backend BackendConfig `toml:"backend"` // Transcription backend settings
	Display DisplayConfig `toml:"display"` // Passive display hub settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Primary HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, needed for WS)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next keep-alive request
	StaticDir          string   `toml:"static_dir"`            // Directory holding the dashboard and display-window pages
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (filename is generated per day)
	MaxCallsInAPI  int    `toml:"max_calls_in_api"` // Maximum number of call records returned by the /calls API
}

// AudioConfig contains microphone capture settings
type AudioConfig struct {
	FFmpegPath        string `toml:"ffmpeg_path"`         // Path to the ffmpeg binary used for device capture
	InputDevice       string `toml:"input_device"`        // Capture device identifier (e.g., "default" for pulse)
	InputFormat       string `toml:"input_format"`        // ffmpeg input format (e.g., "pulse", "alsa", "avfoundation")
	SampleRate        int    `toml:"sample_rate"`         // Audio sample rate in Hz (16000 target for the backend)
	Channels          int    `toml:"channels"`            // Channel count (1 = mono)
	SegmentIntervalMs int    `toml:"segment_interval_ms"` // Capture segment length in milliseconds
}

// BackendConfig contains settings for the external transcription/SOAP backend
type BackendConfig struct {
	URL                  string `toml:"url"`                       // WebSocket URL of the backend (e.g., ws://host:8000/ws/realtime-call)
	Language             string `toml:"language"`                  // Default call language tag ("en", "ja")
	HandshakeTimeoutSecs int    `toml:"handshake_timeout_seconds"` // WebSocket dial timeout
	FinalizeTimeoutSecs  int    `toml:"finalize_timeout_seconds"`  // Bounded wait for the completed event after end
	PingIntervalSecs     int    `toml:"ping_interval_seconds"`     // Keepalive ping cadence (0 disables)
}

// DisplayConfig contains settings for the passive display hub
type DisplayConfig struct {
	SendBufferSize int `toml:"send_buffer_size"` // Per-client outbound queue; clients that fall behind are dropped
}

// DefaultConfig returns a configuration populated with defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeoutSecs: 30,
			IdleTimeoutSecs: 60,
			StaticDir:       "static",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			SQLiteBasePath: "data",
			MaxCallsInAPI:  200,
		},
		Audio: AudioConfig{
			FFmpegPath:        "ffmpeg",
			InputDevice:       "default",
			InputFormat:       "pulse",
			SampleRate:        16000,
			Channels:          1,
			SegmentIntervalMs: 5000,
		},
		Backend: BackendConfig{
			Language:             "en",
			HandshakeTimeoutSecs: 15,
			FinalizeTimeoutSecs:  30,
			PingIntervalSecs:     20,
		},
		Display: DisplayConfig{
			SendBufferSize: 256,
		},
	}
}

// Load loads configuration from the specified TOML file
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return config, nil
}

// LoadWithFallback tries to load config from the preferred path first,
// then falls back to the default locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Storage.SQLiteBasePath == "" {
		return fmt.Errorf("storage sqlite_base_path is required")
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid audio sample rate: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("invalid audio channel count: %d", c.Audio.Channels)
	}
	if c.Audio.SegmentIntervalMs < 500 {
		return fmt.Errorf("segment_interval_ms too small: %d (minimum 500)", c.Audio.SegmentIntervalMs)
	}

	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.Backend.FinalizeTimeoutSecs <= 0 {
		return fmt.Errorf("finalize_timeout_seconds must be positive: %d", c.Backend.FinalizeTimeoutSecs)
	}

	if c.Display.SendBufferSize <= 0 {
		c.Display.SendBufferSize = 256
	}

	return nil
}
