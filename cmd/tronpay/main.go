package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tronpay/internal/common/database"
	"tronpay/internal/common/events"
	"tronpay/internal/common/middleware"
	"tronpay/internal/common/nats"
	"tronpay/internal/form"
	"tronpay/internal/guard"
	"tronpay/internal/notify"
	"tronpay/internal/payment"
	"tronpay/internal/payment/api"
	"tronpay/internal/reconcile"
	"tronpay/internal/tron"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	NATSEnabled bool `envconfig:"NATS_ENABLED" default:"false"`

	Database  database.Config
	NATS      nats.Config
	Guard     guard.Config
	Tron      tron.Config
	Cache     tron.CacheConfig
	Reconcile reconcile.Config
	Payment   payment.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database.URL, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// The event bus is optional; without it outcomes still reach
	// registered callbacks.
	var publisher notify.Publisher
	if cfg.NATSEnabled {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if err := nc.EnsureStream(ctx, "PAYMENTS", []string{
			events.SubjectFormCreated,
			events.SubjectFormConfirmed,
			events.SubjectFormExpired,
			events.SubjectFormCancelled,
		}); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = nc
	}

	store := form.NewPostgresStore(db)
	abuseGuard := guard.New(cfg.Guard, guard.NewPostgresCounterStore(db.Pool()), logger)
	dispatcher := notify.NewDispatcher(publisher, logger)

	feedClient := tron.NewClient(cfg.Tron, abuseGuard.APILimiter(), logger)
	feed := tron.NewCache(feedClient, cfg.Cache, logger)

	reconciler := reconcile.New(cfg.Reconcile, store, feed, abuseGuard, dispatcher, logger)

	paymentService, err := payment.NewService(
		cfg.Payment,
		store,
		abuseGuard,
		form.NewAllocator(logger),
		dispatcher,
		feed,
		reconciler,
		logger,
	)
	if err != nil {
		logger.Error("failed to create payment service", "error", err)
		os.Exit(1)
	}

	paymentService.StartMonitoring(ctx)

	paymentHandler := api.NewHandler(paymentService)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.RateLimit(abuseGuard, func(r *http.Request) string {
		return middleware.GetClientIP(r.Context())
	}))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", paymentHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payment service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"wallet", tron.MaskAddress(cfg.Payment.WalletAddress),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Wait for the in-flight reconcile cycle so no match is half applied.
	paymentService.StopMonitoring()

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
