package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradedesk-sync/internal/api"
	"tradedesk-sync/internal/cfg"
	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/metrics"
	"tradedesk-sync/internal/realtime"
	"tradedesk-sync/internal/reconcile"
	"tradedesk-sync/internal/sched"
	"tradedesk-sync/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	recorder := metrics.NewRecorder(m)

	client := newSyncClient(c, recorder)
	client.Start(ctx)

	server := api.NewServer(client, promhttp.Handler(), c.HTTPPort)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("api server start failed")
	}

	log.Info().
		Str("ws_url", c.WsURL).
		Str("api_base_url", c.APIBaseURL).
		Int("http_port", c.HTTPPort).
		Bool("auto_connect", c.AutoConnect).
		Msg("deskmon started")

	waitForShutdown(ctx, cancel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api server shutdown incomplete")
	}
	client.Close()
	log.Info().Msg("deskmon stopped")
}

// setupLogging applies LOG_LEVEL and LOG_PRETTY to the global logger
func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// newSyncClient wires the real-time client from settings
func newSyncClient(c cfg.Settings, recorder *metrics.Recorder) *realtime.Client {
	return realtime.NewClient(realtime.Options{
		Connection: connection.Config{
			URL:               c.WsURL,
			ReconnectAttempts: c.ReconnectAttempts,
			ReconnectInterval: c.ReconnectInterval,
			HeartbeatInterval: c.HeartbeatInterval,
			AutoConnect:       c.AutoConnect,
		},
		Dialer:           transport.NewWSDialer(),
		Scheduler:        sched.NewTimers(),
		Refetcher:        reconcile.NewClient(c.APIBaseURL, c.RESTTimeout),
		Metrics:          recorder,
		SignalCap:        c.SignalCap,
		LedgerGCInterval: c.LedgerGCInterval,
		LedgerRetention:  c.LedgerRetention,
		AckTimeout:       c.AckTimeout,
	})
}

// waitForShutdown waits for shutdown signals
func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()
}
