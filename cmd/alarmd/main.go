// Command alarmd is the alarm evaluation and distribution server binary. It
// loads a TOML configuration file and the YAML alarm definitions, connects to
// the message broker and the history database, starts one evaluator per
// alarm, and serves subscribers over websocket plus a small REST API. It
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsgrid/alarmd/internal/alarm"
	"github.com/opsgrid/alarmd/internal/broker"
	"github.com/opsgrid/alarmd/internal/config"
	"github.com/opsgrid/alarmd/internal/history"
	"github.com/opsgrid/alarmd/internal/journal"
	"github.com/opsgrid/alarmd/internal/measure"
	"github.com/opsgrid/alarmd/internal/metrics"
	"github.com/opsgrid/alarmd/internal/server"
	"github.com/opsgrid/alarmd/internal/status"
)

// defaultConfigPath is used when no positional argument names a
// configuration file.
const defaultConfigPath = "examples/server_config.toml"

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	configPath := defaultConfigPath
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	alarms, err := alarm.LoadDefinitions(cfg.Alarm.Path)
	if err != nil {
		logger.Error("failed to load alarm definitions", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("alarm server starting",
		slog.String("config", configPath),
		slog.Int("alarms", len(alarms)),
		slog.String("http_addr", cfg.Server.Addr()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meter := metrics.New()

	// ── History store ─────────────────────────────────────────────────────────
	store, err := history.New(ctx, history.Config{
		URL:    cfg.DB.URL,
		Table:  cfg.DB.Table,
		Driver: cfg.DB.Driver,
		DSN:    cfg.DB.DSN,
	})
	if err != nil {
		logger.Error("failed to open history store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// The table may already exist or be created out of band; a failure here
	// must not stop the server.
	if err := store.EnsureTable(ctx); err != nil {
		logger.Warn("could not ensure event table", slog.Any("error", err))
	}

	// ── Message broker ────────────────────────────────────────────────────────
	brk, err := broker.Dial(cfg.Broker.URL())
	if err != nil {
		logger.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer brk.Close()
	logger.Info("broker connected", slog.String("host", cfg.Broker.Host))

	// Backpressure points between ingress and the rest of the pipeline.
	ackIntake := make(chan string, 100)
	events := make(chan alarm.Event, 100)

	bus := measure.NewBus(measure.DefaultCapacity)

	ingressCh, err := brk.Channel()
	if err != nil {
		logger.Error("failed to open broker channel", slog.Any("error", err))
		os.Exit(1)
	}
	ingress, err := broker.NewIngress(ingressCh, bus, ackIntake, logger,
		broker.WithIngressMetrics(meter))
	if err != nil {
		logger.Error("failed to declare ingress topology", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Egress journal and publisher ──────────────────────────────────────────
	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open event journal", slog.Any("error", err))
		os.Exit(1)
	}
	defer jnl.Close()

	publisherCh, err := brk.Channel()
	if err != nil {
		logger.Error("failed to open broker channel", slog.Any("error", err))
		os.Exit(1)
	}
	publisher, err := broker.NewPublisher(publisherCh, jnl, logger,
		broker.WithPublisherMetrics(meter))
	if err != nil {
		logger.Error("failed to declare egress topology", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Projection and fan-out ────────────────────────────────────────────────
	bcast := status.NewBroadcaster(events, logger,
		status.WithOutbox(publisher),
		status.WithMetrics(meter),
	)

	// ── Evaluators ────────────────────────────────────────────────────────────
	routes := alarm.NewRoutes()
	for _, ac := range alarms {
		in, err := ingress.Subscribe(ac.Measurement)
		if err != nil {
			logger.Error("failed to subscribe measurement",
				slog.String("alarm", ac.Name),
				slog.String("meas", ac.Measurement),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
		routes.Register(ac.Name, ackIntake)
		go alarm.NewEvaluator(ac, in, events, store, logger).Run(ctx)
	}

	dispatcher := alarm.NewDispatcher(ackIntake, events, store, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	if cfg.Server.AuthSecret == "" {
		logger.Warn("auth_secret not configured; REST API authentication disabled (dev mode)")
	}
	srv := server.New(bcast, routes, store, logger,
		server.WithMetrics(meter),
		server.WithAuthSecret(cfg.Server.AuthSecret),
	)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start the pipeline ────────────────────────────────────────────────────
	go func() {
		_ = bcast.Run(ctx)
	}()
	go dispatcher.Run(ctx)
	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event publisher stopped", slog.Any("error", err))
		}
	}()

	ingressErrCh := make(chan error, 1)
	go func() {
		if err := ingress.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			ingressErrCh <- fmt.Errorf("broker ingress: %w", err)
		}
		close(ingressErrCh)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.Server.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-ingressErrCh:
		if err != nil {
			logger.Error("broker ingress error", slog.Any("error", err))
			exitCode = 1
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	// Wait for the ingress to wind down so in-flight deliveries are settled.
	select {
	case err := <-ingressErrCh:
		if err != nil {
			logger.Warn("broker ingress drain error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("broker ingress stop timed out")
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	logger.Info("alarm server exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
