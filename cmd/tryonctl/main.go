package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// file and env layers are applied before cobra parses flags so that
	// they show up as flag defaults
	cfg, err := config.Prepare(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	rootCmd := &cobra.Command{
		Use:   "tryonctl",
		Short: "Operator tools for the try-on relay",
		Long: `tryonctl probes and fakes the inference backend, drives a running
gateway with synthetic frames and inspects what the relay records.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logx.Configure(cfg.LogLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (TRYON_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newProbeCommand(&cfg))
	rootCmd.AddCommand(newEchoCommand(&cfg))
	rootCmd.AddCommand(newDriveCommand(&cfg))
	rootCmd.AddCommand(newEventsCommand(&cfg))
	rootCmd.AddCommand(newRawLogCommand())
	rootCmd.AddCommand(newConfigCommand(&cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
