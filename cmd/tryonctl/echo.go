package main

import (
	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/echo"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

func newEchoCommand(cfg *config.AppConfig) *cobra.Command {
	var ec echo.Config
	var framingName string
	cmd := &cobra.Command{
		Use:   "echo-backend",
		Short: "Run a stand-in inference backend",
		Long: `echo-backend speaks the backend framing and replies to every frame with
the frame itself. Garment commands are recorded and, with --tag, appended
to each reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := framing.ByName(framingName)
			if err != nil {
				return err
			}
			ec.Encoding = enc
			srv, err := echo.Listen(ec)
			if err != nil {
				return err
			}
			err = srv.Serve(cmd.Context())
			logx.Log.Info().
				Uint64("connections", srv.Accepted()).
				Uint64("frames", srv.Frames()).
				Int("commands", len(srv.Commands())).
				Msg("echo backend stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&ec.Addr, "addr", cfg.Backend.Addr, "listen address")
	cmd.Flags().StringVar(&framingName, "framing", cfg.Backend.Framing, "framing: legacy or tagged")
	cmd.Flags().DurationVar(&ec.Delay, "delay", 0, "delay before each frame reply")
	cmd.Flags().BoolVar(&ec.Tag, "tag", false, "append the active garment to each reply")
	cmd.Flags().IntVar(&ec.NoiseCommands, "noise", 0, "command messages sent ahead of each frame reply")
	cmd.Flags().IntVar(&ec.DropAfter, "drop-after", 0, "close a connection after this many replies")
	cmd.Flags().Uint64Var(&ec.MaxPayload, "max-payload", cfg.Backend.MaxReplyBytes, "largest accepted inbound message")
	return cmd
}
