package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efreitasn/matchledger/internal/config"
	"github.com/efreitasn/matchledger/internal/engine"
	"github.com/efreitasn/matchledger/internal/handler"
	"github.com/efreitasn/matchledger/internal/pgstore"
	"github.com/efreitasn/matchledger/internal/pricefeed"
	"github.com/efreitasn/matchledger/internal/service"
	"github.com/efreitasn/matchledger/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Order and ledger storage: PostgreSQL when configured, memory otherwise.
	var (
		orders store.OrderReader
		ledger store.Ledger
	)
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to open postgres store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate postgres store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		orders, ledger = pg, pg
		logger.Info("using postgres store")
	} else {
		orderStore := store.NewOrderStore()
		orders, ledger = orderStore, store.NewLedgerStore(orderStore, store.NewTradeStore())
		logger.Info("using in-memory store")
	}

	// Prices: Redis when configured, a static feed set over HTTP otherwise.
	var feed service.PriceWriter
	if cfg.RedisAddr != "" {
		rf, err := pricefeed.NewRedis(ctx, pricefeed.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.PriceKeyPrefix,
		})
		if err != nil {
			logger.Error("failed to connect price feed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rf.Close()
		feed = rf
		logger.Info("using redis price feed", slog.String("addr", cfg.RedisAddr))
	} else {
		feed = pricefeed.NewStatic()
		logger.Info("using static price feed")
	}

	// Engine and services.
	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), cfg.WebhookTimeout, logger)
	reconciler := engine.NewReconciler(feed, logger)
	executor := engine.NewExecutor(cfg.FeeRate, reconciler)
	eng := engine.New(orders, ledger, feed, executor, webhookSvc, logger)

	accountSvc := service.NewAccountService(ledger, reconciler, feed, logger)
	orderSvc := service.NewOrderService(eng, orders, ledger, cfg.FeeRate, logger)
	priceSvc := service.NewPriceService(feed, logger)

	router := handler.NewRouter(accountSvc, orderSvc, priceSvc, webhookSvc, eng, logger)

	eng.Start(ctx, cfg.MatchInterval)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.Duration("match_interval", cfg.MatchInterval),
			slog.String("fee_rate", cfg.FeeRate.String()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Stop accepting requests, then stop matching and drain webhook deliveries.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	webhookSvc.Wait()

	logger.Info("server stopped")
}
