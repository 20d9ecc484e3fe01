package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sockbus/sockbus/internal/config"
	"github.com/sockbus/sockbus/internal/logger"
)

// Version is the CLI version string
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile    string
	logLevel   string
	logFormat  string
	logOutput  string
	endpoint   string
	socketDir  string
	socketPath string
	password   string
	username   string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sockbus",
	Short: "Event bus over local sockets",
	Long: `sockbus brokers events between processes on one machine over Unix
domain sockets (or named pipes on Windows). Messages are newline-delimited
JSON, optionally sealed with a shared password.

Run "sockbus serve" to host a bus, "sockbus listen" to subscribe to events,
and "sockbus send" to emit one.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logOutput != "" {
		cfg.Logging.Output = logOutput
	}
	if endpoint != "" {
		cfg.Transport.Name = endpoint
	}
	if socketDir != "" {
		cfg.Transport.Directory = socketDir
	}
	if socketPath != "" {
		cfg.Transport.Path = socketPath
	}
	if password != "" {
		cfg.Crypto.Password = password
	}
	if username != "" {
		cfg.Client.Username = username
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger builds the root logger from the loaded configuration
func initLogger(cfg *config.Config) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.StringVar(&cfgFile, "config", "",
		"Config file path (default: $SOCKBUS_CONFIG or ~/.config/sockbus/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "",
		"Log format: json, text")
	pf.StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path")
	pf.StringVar(&endpoint, "endpoint", "",
		"Logical endpoint name (default: bus)")
	pf.StringVar(&socketDir, "socket-dir", "",
		"Socket directory (default: $XDG_RUNTIME_DIR or os.TempDir)")
	pf.StringVar(&socketPath, "socket-path", "",
		"Exact socket path, bypassing endpoint name resolution")
	pf.StringVar(&password, "password", "",
		"Shared password for sealed framing (default: plaintext)")
	pf.StringVar(&username, "username", "",
		"Client identity announced to the server")
}
