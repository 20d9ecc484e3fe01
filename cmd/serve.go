package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sockbus/sockbus/internal/config"
	"github.com/sockbus/sockbus/internal/logger"
	"github.com/sockbus/sockbus/pkg/server"
	"github.com/sockbus/sockbus/pkg/socket"
	"github.com/sockbus/sockbus/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host an event bus on a local socket",
	Long: `Serve listens on the configured endpoint and brokers events between
connected clients. Events named "message" are rebroadcast to every other
client, so a bare serve process already works as a relay.

The config file is watched and reloaded on change or SIGHUP; logging
changes take effect without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Transport: cfg.Transport,
		Server:    cfg.Server,
		Heartbeat: cfg.Heartbeat,
		Crypto:    cfg.Crypto,
		Logger:    rootLog,
	})
	if err != nil {
		return err
	}

	// Relay behavior: generic messages fan out to every other client
	srv.OnFunc(types.EventMessage, func(ctx context.Context, sock *socket.Socket, msg types.Message) error {
		return sock.Broadcast(types.EventMessage, msg.Data)
	})

	if err := srv.Start(); err != nil {
		return err
	}
	rootLog.Info("Bus is running. Press Ctrl+C to stop.",
		"endpoint", srv.Endpoint(), "version", Version)

	// Config reload keeps the process running across config edits
	reloader := config.NewReloader(cfgFile, cfg)
	reloader.AddCallback(func(ctx context.Context, newCfg *config.Config) error {
		level, err := logger.ParseLevel(newCfg.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		return nil
	})
	reloader.Start()
	defer reloader.Stop()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	rootLog.Info("Shutting down")
	return srv.Stop()
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
