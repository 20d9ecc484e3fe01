package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sockbus/sockbus/pkg/client"
)

var (
	sendEvent string
	sendData  string
)

var sendCmd = &cobra.Command{
	Use:   "send --event <name> [--data <json>]",
	Short: "Emit one event to the bus and exit",
	Long: `Send connects to the configured endpoint, emits a single event, and
disconnects. The --data value is parsed as JSON when it is valid JSON
and sent as a plain string otherwise.`,
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	var data interface{}
	if sendData != "" {
		var parsed json.RawMessage
		if json.Unmarshal([]byte(sendData), &parsed) == nil {
			data = parsed
		} else {
			data = sendData
		}
	}

	// One-shot senders never want reconnect behavior
	cfg.Reconnect.Enabled = false

	c, err := client.New(client.Config{
		Transport: cfg.Transport,
		Client:    cfg.Client,
		Reconnect: cfg.Reconnect,
		Crypto:    cfg.Crypto,
		Logger:    rootLog,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(cmd.Context()); err != nil {
		return err
	}
	if err := c.Emit(sendEvent, data); err != nil {
		return err
	}

	rootLog.Debug("Event sent", "event", sendEvent)
	return nil
}

func init() {
	sendCmd.Flags().StringVar(&sendEvent, "event", "message",
		"Event name to emit")
	sendCmd.Flags().StringVar(&sendData, "data", "",
		"Event payload, JSON or plain string")
	rootCmd.AddCommand(sendCmd)
}
