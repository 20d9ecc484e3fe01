package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the sockbus configuration directory
// Uses ~/.config/sockbus/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "sockbus"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	// If test config path is set, use it
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvConfig    = "SOCKBUS_CONFIG"
	EnvLogLevel  = "SOCKBUS_LOG_LEVEL"
	EnvLogFormat = "SOCKBUS_LOG_FORMAT"
	EnvLogOutput = "SOCKBUS_LOG_OUTPUT"
	EnvEndpoint  = "SOCKBUS_ENDPOINT"
	EnvSocketDir = "SOCKBUS_SOCKET_DIR"
	EnvPassword  = "SOCKBUS_PASSWORD"
	EnvUsername  = "SOCKBUS_USERNAME"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stderr"

	// Default Transport settings
	DefaultEndpointName = "bus"
	DefaultDialTimeout  = 10 * time.Second
	DefaultMaxFrameSize = 1024 * 1024 // 1 MiB
	// MinFrameSize is the smallest accepted frame bound
	MinFrameSize = 4096

	// Default Server settings
	DefaultMaxConnections   = 128
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	// Default Heartbeat settings
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second

	// Default Reconnect settings
	DefaultReconnectInterval    = 5 * time.Second
	DefaultReconnectMaxAttempts = 0 // 0 means infinite

	// Default Crypto settings
	DefaultKeyIterations = 200000
	// MinKeyIterations is the floor for the PBKDF2 iteration count
	MinKeyIterations = 200000
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultTransportConfig returns the default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Name:         DefaultEndpointName,
		DialTimeout:  DefaultDialTimeout,
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:   DefaultMaxConnections,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: DefaultWriteTimeout,
	}
}

// DefaultHeartbeatConfig returns the default heartbeat configuration
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:  false,
		Interval: DefaultHeartbeatInterval,
		Timeout:  DefaultHeartbeatTimeout,
	}
}

// DefaultReconnectConfig returns the default reconnect configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:     true,
		Interval:    DefaultReconnectInterval,
		MaxAttempts: DefaultReconnectMaxAttempts,
	}
}

// DefaultCryptoConfig returns the default crypto configuration
func DefaultCryptoConfig() CryptoConfig {
	return CryptoConfig{
		Iterations: DefaultKeyIterations,
	}
}

// DefaultConfig returns a complete configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Transport: DefaultTransportConfig(),
		Server:    DefaultServerConfig(),
		Client:    DefaultClientConfig(),
		Heartbeat: DefaultHeartbeatConfig(),
		Reconnect: DefaultReconnectConfig(),
		Crypto:    DefaultCryptoConfig(),
	}
}
