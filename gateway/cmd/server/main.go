// Command server runs the orglink gateway.
//
// # Usage
//
//	server --database postgres://localhost/orglink --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (ORGLINK_*)
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
	"time"

	"github.com/joho/godotenv"

	"github.com/orglink/bridge/db/migrate"
	"github.com/orglink/bridge/gateway/internal/api"
	"github.com/orglink/bridge/gateway/internal/bridge"
	"github.com/orglink/bridge/gateway/internal/cache"
	"github.com/orglink/bridge/gateway/internal/metrics"
	"github.com/orglink/bridge/gateway/internal/secrets"
	"github.com/orglink/bridge/gateway/internal/service"
	"github.com/orglink/bridge/gateway/internal/store"
	"github.com/orglink/bridge/gateway/internal/worker"
)

const version = "0.3.0"

func main() {
	var (
		port         = flag.Int("port", 8080, "HTTP server port")
		dbURL        = flag.String("database", "", "Database URL (postgres://...)")
		redisURL     = flag.String("redis", "", "Redis URL for response caching (optional)")
		syncInterval = flag.Duration("sync-interval", 1*time.Hour, "Scheduled directory sync interval")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		showVersion  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("orglink-gateway v" + version)
		os.Exit(0)
	}

	// Load .env if present
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if *dbURL == "" {
		*dbURL = os.Getenv("ORGLINK_DATABASE_URL")
	}
	if *dbURL == "" {
		*dbURL = "postgres://localhost:5432/orglink?sslmode=disable"
	}
	if *redisURL == "" {
		*redisURL = os.Getenv("ORGLINK_REDIS_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, *dbURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Response cache is optional, the gateway runs without it
	var responseCache *cache.Cache
	if *redisURL != "" {
		responseCache, err = cache.New(*redisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, response caching disabled", "error", err)
			responseCache = nil
		} else {
			defer responseCache.Close()
		}
	}

	keys, err := secrets.NewKeyStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize key store", "error", err)
		os.Exit(1)
	}
	defer keys.Close()

	// Make sure an agent key exists before accepting connections. The
	// plaintext is logged only when the key was just created.
	key, err := keys.GetOrCreateAgentKey(ctx)
	if err != nil {
		logger.Error("failed to provision agent key", "error", err)
		os.Exit(1)
	}
	if key.Key != "" {
		logger.Info("generated new agent key, deploy it to the agent",
			"key", key.Key, "fingerprint", key.Fingerprint)
	} else {
		logger.Info("agent key loaded", "fingerprint", key.Fingerprint)
	}

	hub := bridge.NewHub(logger)

	var svcCache service.ResponseCache
	if responseCache != nil {
		svcCache = responseCache
	}
	svc := service.New(db, hub, svcCache, logger)

	apiServer := api.NewServer(svc, hub, keys, metrics.NewCollector(), logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	syncCfg := worker.DefaultSyncConfig()
	syncCfg.Interval = *syncInterval
	syncWorker := worker.NewSyncWorker(svc, hub, syncCfg, logger)
	syncWorker.Start(workerCtx)

	go func() {
		logger.Info("starting gateway", "port", *port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
