package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/output"
)

func newRawLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rawlog",
		Short: "Inspect raw exchange logs",
	}
	cmd.AddCommand(newRawLogDumpCommand())
	return cmd
}

func newRawLogDumpCommand() *cobra.Command {
	var (
		limit   int
		session string
	)
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print one line per recorded message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := output.OpenRawLog(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			w := cmd.OutOrStdout()
			counts := map[uint8]int{}
			printed := 0
			for limit <= 0 || printed < limit {
				rec, err := r.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if session != "" && rec.SessionID != session {
					continue
				}
				counts[rec.Kind]++
				printed++

				line := fmt.Sprintf("%s  %-7s  %s  %8d bytes",
					rec.Time.Format("15:04:05.000000"), output.KindName(rec.Kind), rec.SessionID, len(rec.Payload))
				if rec.Kind == output.KindCommand {
					if c, err := framing.DecodeCommand(rec.Payload); err == nil {
						line += fmt.Sprintf("  %s id=%d", c.Type, c.ID)
					} else {
						line += "  undecodable: " + err.Error()
					}
				}
				fmt.Fprintln(w, line)
			}
			fmt.Fprintf(w, "requests=%d replies=%d commands=%d\n",
				counts[output.KindRequest], counts[output.KindReply], counts[output.KindCommand])
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many records (0 prints all)")
	cmd.Flags().StringVar(&session, "session", "", "only show this session id")
	return cmd
}
