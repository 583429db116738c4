package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/api"
	"github.com/lacartera/hostr/internal/config"
	"github.com/lacartera/hostr/internal/dedup"
	"github.com/lacartera/hostr/internal/dispatch"
	"github.com/lacartera/hostr/internal/ledger"
	"github.com/lacartera/hostr/internal/notify"
	"github.com/lacartera/hostr/internal/relay"
	"github.com/lacartera/hostr/internal/store"
	"github.com/lacartera/hostr/internal/submgr"
	"github.com/lacartera/hostr/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	servicePubkey, err := nostr.GetPublicKey(cfg.NostrPrivateKey)
	if err != nil {
		logger.Error("invalid NOSTR_PRIVATE_KEY", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Wire the pipeline: relays -> subscription manager -> delivery queue
	// -> worker pool -> webhooks, metered by the credit ledger.
	dialer := relay.NewDialer()
	deduper := dedup.New(redisStore.Client())
	hub := ws.NewHub(logger)
	queue := dispatch.NewQueue(redisStore.Client(), logger)

	publisher, err := notify.NewPublisher(cfg.NostrPrivateKey, cfg.WriteRelays, dialer, pgStore, logger)
	if err != nil {
		logger.Error("failed to initialize publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	mux := relay.NewMultiplexer(dialer, logger)
	manager := submgr.New(pgStore, deduper, queue, publisher, mux, logger)
	defer mux.Close()

	creditLedger := ledger.New(pgStore, publisher, manager, logger)

	limiter := dispatch.NewRateLimiter(redisStore.Client(), cfg.WebhookRateLimit)
	deliverer := dispatch.NewDeliverer(queue, deduper, creditLedger, manager, pgStore, hub, limiter, logger)
	pool := dispatch.NewPool(deliverer, cfg.NumWorkers, logger)
	pool.Start(runCtx)

	dispatcher := dispatch.NewDispatcher(redisStore.Client(), pool, logger)
	go dispatcher.Start(runCtx)

	settlement := ledger.NewSettlement(pgStore, deduper, publisher, dialer, cfg.WriteRelays, cfg.ZapProviderPubkey, servicePubkey, logger)
	settlement.Start(runCtx)

	if err := manager.Load(ctx); err != nil {
		logger.Error("failed to load subscriptions", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.RouterDeps{
		Store:       pgStore,
		Registry:    manager,
		Notifier:    publisher,
		Queue:       queue,
		Hub:         hub,
		SecretKey:   cfg.NostrPrivateKey,
		Pubkey:      servicePubkey,
		WriteRelays: cfg.WriteRelays,
		LNURLURL:    cfg.LNURLCallbackURL,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	cancelRun()
	pool.Wait()

	logger.Info("server stopped")
}
