package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skridofly/stump-offline/internal/cleanup"
	"github.com/skridofly/stump-offline/internal/config"
	"github.com/skridofly/stump-offline/internal/credentials"
	"github.com/skridofly/stump-offline/internal/downloader"
	"github.com/skridofly/stump-offline/internal/http/rest"
	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/notifier"
	"github.com/skridofly/stump-offline/internal/progresssync"
	"github.com/skridofly/stump-offline/internal/scheduler"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/storage/sqlite"
	"github.com/skridofly/stump-offline/internal/stump"
	"github.com/skridofly/stump-offline/internal/telemetry"
)

// Files younger than this may belong to a download that has not committed yet.
const orphanMinAge = 30 * time.Minute

func main() {
	// A missing .env file is fine; the environment may be set otherwise.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("stump offline starting...", "log_level", cfg.LogLevel, "data_dir", cfg.DataDir)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	broker := storage.NewBroker()

	db, err := sqlite.Open(ctx, cfg.DBPath, broker)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer db.Close()

	store := sqlite.NewInstrumentedStore(db, tel)

	// =========================================================================
	// Start Servers and Credentials
	servers, err := config.LoadServers(cfg.ServersFile)
	if err != nil {
		return fmt.Errorf("failed to load servers: %w", err)
	}

	creds, err := credentials.NewManager(servers, cfg.TokensFile,
		credentials.WithHTTPClient(&http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}))
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	clients := stump.NewFactory(servers, creds, tel, cfg.HTTPTimeout)

	logger.Info("servers loaded", "servers", servers.IDs())

	// =========================================================================
	// Start Downloader and Sync Engine
	manager := downloader.NewManager(store, clients, tel, cfg.BooksDir, cfg.ThumbnailsDir)

	engine := progresssync.NewEngine(store, clients, tel,
		progresssync.WithServers(servers.IDs()...),
		progresssync.WithMaxParallel(cfg.MaxParallelSync),
	)

	// =========================================================================
	// Start Scheduler
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Client: &http.Client{Timeout: cfg.HTTPTimeout}}
	}

	sweep := func(ctx context.Context) (cleanup.SweepReport, error) {
		return cleanup.SweepOrphans(ctx, store, orphanMinAge, cfg.BooksDir, cfg.ThumbnailsDir)
	}

	jobs := scheduler.New(scheduler.Config{
		SyncInterval:  cfg.SyncInterval,
		SyncOnStart:   cfg.SyncOnStart,
		SweepInterval: cfg.OrphanSweepInterval,
	}, engine, sweep, notif, scheduler.WithTelemetry(tel))

	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer jobs.Stop()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, rest.NewHandler(store, manager, engine, db))

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// setupServer prepares the handlers and middleware to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, api *rest.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "stump-offline"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
