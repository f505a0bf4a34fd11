package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"uptree/config"
	"uptree/directory"
	"uptree/engine"
	"uptree/exports"
	"uptree/gateway"
	"uptree/gateway/auth"
	"uptree/gateway/idempotency"
	"uptree/observability/logging"
	telemetry "uptree/observability/otel"
	"uptree/outbox"
	"uptree/storage"
	"uptree/stream"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("uptreed: load config: %v", err)
	}

	logOpts, err := cfg.LoggingOptions()
	if err != nil {
		log.Fatalf("uptreed: logging config: %v", err)
	}
	logger := logging.SetupWith(logOpts)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.TelemetryConfig())
		if err != nil {
			log.Fatalf("uptreed: init telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("uptreed: prepare data dir: %v", err)
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("uptreed: open storage: %v", err)
	}
	if err := store.Migrate(); err != nil {
		log.Fatalf("uptreed: migrate schema: %v", err)
	}

	catalog, err := cfg.LoadCatalog()
	if err != nil {
		log.Fatalf("uptreed: load catalog: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := directory.NewService(store, time.Now)
	anchor, err := dir.Register(rootCtx, cfg.Engine.AnchorSubject, "", "")
	if err != nil {
		log.Fatalf("uptreed: register anchor: %v", err)
	}

	journal, err := stream.OpenJournal(cfg.Stream.JournalPath)
	if err != nil {
		log.Fatalf("uptreed: open stream journal: %v", err)
	}
	defer journal.Close()

	hub, err := stream.NewHub(stream.Options{
		HistoryLimit: cfg.Stream.HistoryLimit,
		Journal:      journal,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("uptreed: stream hub: %v", err)
	}
	defer hub.Close()

	eng, err := engine.New(store, dir, engine.Options{
		Anchor:  anchor.Address,
		Catalog: catalog,
		Emitter: hub,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("uptreed: engine: %v", err)
	}

	var wake func()
	if cfg.Webhook.Endpoint != "" {
		dispatcher, err := outbox.NewDispatcher(store, cfg.Webhook.Endpoint, []byte(cfg.Webhook.Secret),
			outbox.WithRetryPolicy(cfg.Webhook.MaxAttempts, cfg.Webhook.MinBackoff.Duration, cfg.Webhook.MaxBackoff.Duration),
			outbox.WithPollInterval(cfg.Webhook.PollInterval.Duration),
			outbox.WithBatchSize(cfg.Webhook.BatchSize),
			outbox.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout.Duration}),
			outbox.WithLogger(logger),
		)
		if err != nil {
			log.Fatalf("uptreed: outbox dispatcher: %v", err)
		}
		dispatcher.Start()
		defer dispatcher.Close()
		wake = dispatcher.Wake
	} else {
		logger.Warn("webhook endpoint not configured, outbox rows will accumulate undelivered")
	}

	var authenticator *auth.Authenticator
	if len(cfg.Gateway.APIKeys) > 0 {
		nonces, err := auth.OpenLevelDB(cfg.Gateway.NonceStorePath)
		if err != nil {
			log.Fatalf("uptreed: open nonce store: %v", err)
		}
		defer nonces.Close()
		authenticator = auth.New(cfg.Gateway.APIKeys, auth.Options{
			Skew:  cfg.Gateway.TimestampSkew.Duration,
			Store: nonces,
		})
		if err := authenticator.Hydrate(rootCtx); err != nil {
			log.Fatalf("uptreed: hydrate nonce cache: %v", err)
		}
	}

	idem, err := idempotency.Open(cfg.Gateway.IdempotencyPath)
	if err != nil {
		log.Fatalf("uptreed: open idempotency store: %v", err)
	}
	defer idem.Close()

	runner, err := exports.NewRunner(exports.Config{
		Store:         store,
		Dir:           cfg.Exports.Dir,
		RetentionDays: cfg.Exports.RetentionDays,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("uptreed: exports runner: %v", err)
	}
	go exports.NewScheduler(runner, cfg.Exports.Interval.Duration, logger).Start(rootCtx)

	srv, err := gateway.New(gateway.Options{
		Engine:            eng,
		Hub:               hub,
		Authenticator:     authenticator,
		Idempotency:       idem,
		Exporter:          runner,
		AdminSecret:       []byte(cfg.Gateway.JWTSecret),
		RequestsPerSecond: cfg.Gateway.RateLimit.RequestsPerSecond,
		Burst:             cfg.Gateway.RateLimit.Burst,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		Wake:              wake,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("uptreed: gateway: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("uptreed listening", "address", cfg.ListenAddress, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server terminated", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}
