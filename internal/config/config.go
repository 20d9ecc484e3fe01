package config

import (
	"fmt"
	"time"

	"github.com/sockbus/sockbus/pkg/types"
)

// Config represents the complete configuration for a sockbus endpoint
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Crypto    CryptoConfig    `json:"crypto" yaml:"crypto"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, or file path
}

// TransportConfig contains endpoint naming and stream configuration
type TransportConfig struct {
	// Name is the logical endpoint name, resolved to a socket path or
	// pipe name by the transport layer.
	Name string `json:"name" yaml:"name"`

	// Directory overrides the socket directory on Unix-likes. Ignored on
	// Windows, where pipe names live in a flat namespace.
	Directory string `json:"directory,omitempty" yaml:"directory,omitempty"`

	// Path bypasses name resolution entirely when set.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	MaxFrameSize int           `json:"max_frame_size" yaml:"max_frame_size"` // bytes
}

// ServerConfig contains server-side connection handling configuration
type ServerConfig struct {
	MaxConnections   int           `json:"max_connections" yaml:"max_connections"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// ClientConfig contains client identity and connection configuration
type ClientConfig struct {
	// Username is the stable identity the server registry keys on. A
	// generated identity is used when empty.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Name is a human-readable label shown alongside the username.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// HeartbeatConfig contains liveness probe configuration
type HeartbeatConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// ReconnectConfig contains client auto-reconnect configuration
type ReconnectConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxAttempts bounds consecutive failed attempts; 0 means retry
	// forever.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// CryptoConfig contains frame encryption configuration
type CryptoConfig struct {
	// Password selects sealed framing when non-empty. Both peers must
	// share it; a mismatch surfaces as authentication failures on every
	// frame, never as an explicit wrong-password signal.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Iterations is the PBKDF2 iteration count. Both peers must agree.
	Iterations int `json:"iterations" yaml:"iterations"`
}

// applyDefaults fills in zero-valued config fields with their defaults.
// This is called after loading from YAML so partial configs get sensible
// values field-by-field.
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultTransport := DefaultTransportConfig()
	if cfg.Transport.Name == "" && cfg.Transport.Path == "" {
		cfg.Transport.Name = defaultTransport.Name
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = defaultTransport.DialTimeout
	}
	if cfg.Transport.MaxFrameSize == 0 {
		cfg.Transport.MaxFrameSize = defaultTransport.MaxFrameSize
	}

	defaultServer := DefaultServerConfig()
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = defaultServer.MaxConnections
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = defaultServer.HandshakeTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultServer.WriteTimeout
	}

	defaultClient := DefaultClientConfig()
	if cfg.Client.WriteTimeout == 0 {
		cfg.Client.WriteTimeout = defaultClient.WriteTimeout
	}

	defaultHeartbeat := DefaultHeartbeatConfig()
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = defaultHeartbeat.Interval
	}
	if cfg.Heartbeat.Timeout == 0 {
		cfg.Heartbeat.Timeout = defaultHeartbeat.Timeout
	}

	// Reconnect defaults: if the entire section is absent (all zero
	// values), use full defaults to preserve the default Enabled value.
	// A partial section with an explicit enabled=false is left alone.
	defaultReconnect := DefaultReconnectConfig()
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = defaultReconnect
	} else if cfg.Reconnect.Interval == 0 {
		cfg.Reconnect.Interval = defaultReconnect.Interval
	}

	defaultCrypto := DefaultCryptoConfig()
	if cfg.Crypto.Iterations == 0 {
		cfg.Crypto.Iterations = defaultCrypto.Iterations
	}
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Transport.DialTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "transport dial timeout must be positive")
	}
	if c.Transport.MaxFrameSize < MinFrameSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("transport max frame size must be at least %d bytes", MinFrameSize))
	}

	if c.Server.MaxConnections <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server max connections must be positive")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server handshake timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server write timeout must be positive")
	}

	if c.Client.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client write timeout must be positive")
	}

	if c.Heartbeat.Interval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat interval must be positive")
	}
	if c.Heartbeat.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat timeout must be positive")
	}

	if c.Reconnect.Interval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "reconnect interval must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "reconnect max attempts cannot be negative")
	}

	if c.Crypto.Iterations < MinKeyIterations {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("crypto iterations must be at least %d", MinKeyIterations))
	}

	return nil
}

// String returns a string representation of the config with the password
// redacted
func (c *Config) String() string {
	password := ""
	if c.Crypto.Password != "" {
		password = "[redacted]"
	}
	return fmt.Sprintf("Config{Endpoint: %s, LogLevel: %s, Password: %s}",
		c.Transport.Name, c.Logging.Level, password)
}
