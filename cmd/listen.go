package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockbus/sockbus/pkg/client"
	"github.com/sockbus/sockbus/pkg/socket"
	"github.com/sockbus/sockbus/pkg/types"
)

var listenCmd = &cobra.Command{
	Use:   "listen [event...]",
	Short: "Subscribe to bus events and print them",
	Long: `Listen connects to the configured endpoint and prints every matching
event to stdout as one JSON object per line. With no arguments it
subscribes to "message" events.

The connection is kept alive per the reconnect configuration, so a
restarted server does not end the subscription.`,
	RunE: runListen,
}

// printedEvent is the stdout line format for one received event
type printedEvent struct {
	Time  string          `json:"time"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	events := args
	if len(events) == 0 {
		events = []string{types.EventMessage}
	}

	out := json.NewEncoder(os.Stdout)

	c, err := client.New(client.Config{
		Transport: cfg.Transport,
		Client:    cfg.Client,
		Heartbeat: cfg.Heartbeat,
		Reconnect: cfg.Reconnect,
		Crypto:    cfg.Crypto,
		Logger:    rootLog,
		OnDisconnect: func(reason string) {
			rootLog.Warn("Disconnected", "reason", reason)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	for _, event := range events {
		event := event
		c.OnFunc(event, func(ctx context.Context, s *socket.Socket, msg types.Message) error {
			return out.Encode(printedEvent{
				Time:  time.Now().Format(time.RFC3339),
				Event: msg.Event,
				Data:  msg.Data,
			})
		})
	}

	if err := c.Connect(cmd.Context()); err != nil {
		return err
	}
	rootLog.Info("Listening", "endpoint", c.Endpoint(), "events", fmt.Sprint(events))

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return nil
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
