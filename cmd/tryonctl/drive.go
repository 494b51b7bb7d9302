package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/capture"
	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/wsclient"
)

func newDriveCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		url  string
		opts wsclient.DriveOptions
	)
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Push synthetic frames through a running gateway",
		Long: `drive connects to the gateway WebSocket like a browser would, sends
synthetic frames one at a time and reports round-trip latency.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Port)
			}
			c, err := wsclient.Dial(cmd.Context(), url, cfg.MaxMessageBytes)
			if err != nil {
				return err
			}
			defer c.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "session %s ready, garment %d of %d\n",
				c.Ready.SessionID, c.Ready.GarmentID, len(c.Ready.Garments))

			src := capture.NewSynthetic(cfg.Producer.Width, cfg.Producer.Height, cfg.Producer.Rate)
			report, err := wsclient.Drive(cmd.Context(), c, src, opts)
			fmt.Fprintln(cmd.OutOrStdout(), report)
			if err != nil && cmd.Context().Err() != nil {
				// interrupted; the partial report is still useful
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway WebSocket URL (default ws://127.0.0.1:<port>/ws)")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "gateway port used when --url is empty")
	cmd.Flags().IntVar(&opts.Frames, "frames", 100, "frames to send (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.SwitchAt, "switch-at", -1, "send a garment change before this frame (negative disables)")
	cmd.Flags().IntVar(&opts.Garment, "garment", 1, "garment selected by --switch-at")
	cmd.Flags().Float64Var(&cfg.Producer.Rate, "rate", cfg.Producer.Rate, "synthetic frames per second")
	cmd.Flags().IntVar(&cfg.Producer.Width, "width", cfg.Producer.Width, "synthetic frame width")
	cmd.Flags().IntVar(&cfg.Producer.Height, "height", cfg.Producer.Height, "synthetic frame height")
	return cmd
}
