package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/Charancs/v-try-on-FP2/internal/catalog"
	"github.com/Charancs/v-try-on-FP2/internal/config"
	"github.com/Charancs/v-try-on-FP2/internal/events"
	"github.com/Charancs/v-try-on-FP2/internal/logx"
	"github.com/Charancs/v-try-on-FP2/internal/metrics"
	"github.com/Charancs/v-try-on-FP2/internal/output"
	"github.com/Charancs/v-try-on-FP2/internal/probe"
	"github.com/Charancs/v-try-on-FP2/internal/server"
	"github.com/Charancs/v-try-on-FP2/internal/session"
	"github.com/Charancs/v-try-on-FP2/internal/types"
)

var version = "dev"

func main() {
	fs := pflag.NewFlagSet("tryon-gateway", pflag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:], (*config.AppConfig).BindFlags)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("gateway stopped")
	}
	logx.Log.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg config.AppConfig) error {
	cat, err := catalog.LoadOrDefault(cfg.CatalogFile)
	if err != nil {
		return err
	}
	backendOpts, err := cfg.BackendOptions()
	if err != nil {
		return err
	}
	if c, ok := backendOpts.Dialer.(io.Closer); ok {
		defer c.Close()
	}

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, "gateway")

	var store session.Store
	if cfg.RedisAddr != "" {
		store, err = session.NewRedisStore(ctx, cfg.RedisAddr, session.DefaultRedisKey)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		logx.Log.Info().Str("redis", cfg.Redacted().RedisAddr).Msg("mirroring sessions to redis")
	}

	var observers []session.Observer
	var sinks []events.Sink
	if cfg.EventsEndpoint != "" {
		zs, err := events.NewZMQSink(cfg.EventsEndpoint)
		if err != nil {
			return fmt.Errorf("events endpoint: %w", err)
		}
		sinks = append(sinks, zs)
		logx.Log.Info().Str("endpoint", cfg.EventsEndpoint).Msg("publishing session events")
	}
	if cfg.MQTTBroker != "" {
		host, _ := os.Hostname()
		ms, err := events.NewMQTTSink(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    fmt.Sprintf("tryon-gateway-%s-%d", host, os.Getpid()),
			TopicPrefix: cfg.MQTTTopic,
		})
		if err != nil {
			return fmt.Errorf("mqtt broker: %w", err)
		}
		sinks = append(sinks, ms)
	}
	if len(sinks) > 0 {
		pub := events.NewPublisher(256, sinks...)
		defer pub.Close()
		observers = append(observers, pub)
	}

	runTimestamp := time.Now().Format("20060102_150405")
	if cfg.OutputDir != "" {
		sw, err := output.NewSummaryWriter(cfg.OutputDir, runTimestamp)
		if err != nil {
			return fmt.Errorf("session summary: %w", err)
		}
		defer sw.Close()
		observers = append(observers, sw)
	}
	var rawLog *output.RawLogWriter
	if cfg.RawLogEnabled {
		rawLog, err = output.NewRawLogWriter(cfg.RawLogDir, "exchanges")
		if err != nil {
			return fmt.Errorf("failed to start raw log: %w", err)
		}
		defer func() {
			if err := rawLog.Close(); err != nil {
				logx.Log.Warn().Err(err).Msg("raw log close failed")
			}
		}()
		logx.Log.Info().Str("path", rawLog.Path()).Msg("recording frame exchanges")
	}

	tracker := &probe.Tracker{}
	var lastUp atomic.Int32
	lastUp.Store(-1)
	go probe.Poll(ctx, backendOpts.Dialer, backendOpts.Addr, cfg.ProbeInterval, func(s types.BackendStatus) {
		tracker.Update(s)
		metrics.SetBackendUp(s.Reachable)
		up := int32(0)
		if s.Reachable {
			up = 1
		}
		if lastUp.Swap(up) != up {
			ev := logx.Log.Info()
			if !s.Reachable {
				ev = logx.Log.Warn().Str("error", s.Error)
			}
			ev.Str("backend", s.Addr).Bool("reachable", s.Reachable).Dur("latency", s.Latency).Msg("backend probe")
		}
	})

	g := server.New(server.Options{
		Catalog:         cat,
		Backend:         backendOpts,
		MaxMessageBytes: cfg.MaxMessageBytes,
		FrameDataURI:    cfg.FrameDataURI,
		AllowedOrigins:  cfg.AllowedOrigins,
		AssetDir:        cfg.AssetDir,
		ServeMetrics:    cfg.MetricsAddr == "",
		Store:           store,
		Observers:       observers,
		RawLog:          rawLog,
		Probe:           tracker,
	})
	defer g.Registry().Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}
	go logStats(ctx, g, cfg.StatsInterval)

	logx.Log.Info().
		Str("version", version).
		Int("port", cfg.Port).
		Str("backend", backendOpts.Addr).
		Str("framing", backendOpts.Encoding.Name()).
		Int("garments", cat.Len()).
		Msg("starting gateway")
	return g.Run(ctx, fmt.Sprintf(":%d", cfg.Port))
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logx.Log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Error().Err(err).Msg("metrics server failed")
	}
}

func logStats(ctx context.Context, g *server.Gateway, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := g.Counters()
			logx.Log.Info().
				Int("sessions", g.Registry().Len()).
				Int64("frames", c["frames"]).
				Int64("decode_errors", c["decode_errors"]).
				Int64("garment_changes", c["garment_changes"]).
				Int64("sessions_failed", c["sessions_failed"]).
				Msg("stats")
		}
	}
}
