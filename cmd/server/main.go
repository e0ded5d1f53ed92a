/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fleet sync engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire cache, syncer, resolver, notifier
  5. Configure HTTP router
  6. Start server with graceful shutdown

CONFIGURATION:
  Flags take precedence; env vars (optionally from .env) fill the rest:
  -port / PORT          HTTP server port (default: 8080)
  -db / DATABASE_PATH   SQLite database path (default: fleet.db)
                        Use ":memory:" for in-memory database
  -workers / SYNC_WORKERS  Per-batch vehicle parallelism (default: 4)
  LOG_LEVEL             debug | info | warn | error (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/fleet.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/api"
	"github.com/warp/fleet-sync/availability"
	"github.com/warp/fleet-sync/notify"
	"github.com/warp/fleet-sync/resolve"
	"github.com/warp/fleet-sync/store/sqlite"
	"github.com/warp/fleet-sync/syncer"
)

func main() {
	// .env is optional; flags and real env vars win.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "fleet.db"), "SQLite database path")
	workers := flag.Int("workers", envInt("SYNC_WORKERS", syncer.DefaultWorkers), "sync worker pool size")
	flag.Parse()

	logger, err := buildLogger(envStr("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire services
	cache := availability.New(store)
	orch := syncer.New(store, cache, logger.Named("syncer"), syncer.WithWorkers(*workers))
	resolver := resolve.New(store, logger.Named("resolve"),
		resolve.WithNotifier(notify.NewLog(logger.Named("notify"))))

	handler := api.NewHandler(store, orch, resolver, cache)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("db", *dbPath),
			zap.Int("workers", *workers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
