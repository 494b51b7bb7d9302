package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/events"
)

func newEventsCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		endpoint string
		kinds    []string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print session events published by the gateway",
		Long: `events subscribes to the gateway's ZeroMQ event stream and prints one
JSON object per line until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint == "" {
				return errors.New("no endpoint: pass --endpoint or set events_endpoint")
			}
			ch, err := events.Subscribe(cmd.Context(), endpoint, kinds...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range ch {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", cfg.EventsEndpoint, "ZeroMQ endpoint to connect to")
	cmd.Flags().StringSliceVar(&kinds, "type", nil, "only print these event types")
	return cmd
}
