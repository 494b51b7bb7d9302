package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/probe"
)

func newProbeCommand(cfg *config.AppConfig) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the inference backend accepts connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cfg.BackendOptions()
			if err != nil {
				return err
			}
			if c, ok := opts.Dialer.(io.Closer); ok {
				defer c.Close()
			}
			if count < 1 {
				count = 1
			}

			down := 0
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(interval):
					}
				}
				st := probe.Check(cmd.Context(), opts.Dialer, opts.Addr, opts.DialTimeout)
				if st.Reachable {
					fmt.Fprintf(cmd.OutOrStdout(), "%s reachable in %s\n", st.Addr, st.Latency.Round(time.Microsecond))
					continue
				}
				down++
				fmt.Fprintf(cmd.OutOrStdout(), "%s unreachable: %s\n", st.Addr, st.Error)
			}
			if down > 0 {
				return fmt.Errorf("backend unreachable in %d of %d probes", down, count)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of probes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between probes")
	cfg.BindBackendFlags(cmd.Flags())
	return cmd
}
