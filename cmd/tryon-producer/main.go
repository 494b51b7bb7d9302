package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Charancs/v-try-on-FP2/internal/backend"
	"github.com/Charancs/v-try-on-FP2/internal/capture"
	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/producer"
	"github.com/Charancs/v-try-on-FP2/internal/session"
	"github.com/Charancs/v-try-on-FP2/internal/tui"
)

func main() {
	fs := pflag.NewFlagSet("tryon-producer", pflag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:], (*config.AppConfig).BindProducerFlags)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	interactive := cfg.Producer.TUI && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		// Console logs would tear the terminal UI.
		logx.Configure("error")
	} else {
		logx.Configure(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, interactive); err != nil {
		logx.Log.Fatal().Err(err).Msg("producer stopped")
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.AppConfig, interactive bool) error {
	cat, err := catalog.LoadOrDefault(cfg.CatalogFile)
	if err != nil {
		return err
	}
	opts, err := cfg.BackendOptions()
	if err != nil {
		return err
	}
	if c, ok := opts.Dialer.(io.Closer); ok {
		defer c.Close()
	}
	src, err := capture.New(capture.Options{
		Kind:       cfg.Producer.Source,
		Width:      cfg.Producer.Width,
		Height:     cfg.Producer.Height,
		Rate:       cfg.Producer.Rate,
		Dir:        cfg.Producer.Dir,
		RawLogPath: cfg.Producer.RawLogPath,
		Endpoint:   cfg.Producer.Endpoint,
	})
	if err != nil {
		return err
	}
	var sink producer.Sink
	if cfg.Producer.OutDir != "" {
		if sink, err = producer.LatestFile(cfg.Producer.OutDir); err != nil {
			return err
		}
	}

	p := producer.New(producer.Config{
		Catalog: cat,
		Open: func(ctx context.Context, _ string) (session.Backend, error) {
			conn, err := backend.Open(ctx, opts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Source:    src,
		Garment:   cfg.Producer.Garment,
		Sink:      sink,
		MaxFrames: cfg.Producer.MaxFrames,
	})

	logx.Log.Info().
		Str("backend", opts.Addr).
		Str("source", src.Name()).
		Int("garment", cfg.Producer.Garment).
		Msg("starting producer")

	if !interactive {
		go logProgress(ctx, p.Session(), cfg.StatsInterval)
		return p.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	if err := tui.Run(p, cat); err != nil {
		stop()
		<-errCh
		return err
	}
	stop()
	return <-errCh
}

func logProgress(ctx context.Context, s *session.Session, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			info := s.Info()
			logx.Log.Info().
				Str("state", info.State).
				Uint64("frames", info.Frames).
				Float64("fps", info.FPS).
				Str("garment", info.GarmentName).
				Msg("progress")
		}
	}
}
