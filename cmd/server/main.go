/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + CREDIT_* environment)
  2. Initialize logger
  3. Open the entry store (memory, SQLite or PostgreSQL)
  4. Connect the historical balance cache (Redis, or in-process)
  5. Create the ledger, API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML/JSON/TOML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Close store and cache connections
  4. Exit

EXAMPLES:
  # Defaults: SQLite at ./data/credits.db, port 8080
  ./server

  # In-memory store, text logs
  CREDIT_STORE_DRIVER=memory CREDIT_LOG_FORMAT=text ./server

  # PostgreSQL with Redis-backed history
  ./server -config=./deploy/credits.yaml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - credit/ledger.go: Ledger construction
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/cache/rediscache"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
	"github.com/warp/credit-engine/store/postgres"
	"github.com/warp/credit-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	entries, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	opts, err := cfg.Ledger.Options()
	if err != nil {
		return err
	}
	opts = append(opts, credit.WithLogger(logger))

	// Historical cache: Redis when enabled, otherwise the ledger's in-process default
	if cfg.Redis.Enabled {
		client, err := rediscache.Dial(ctx, rediscache.Options{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		opts = append(opts, credit.WithCache(rediscache.New(client, cfg.Redis.Prefix)))
	}

	ledger := credit.New(entries, opts...)
	router := api.NewRouter(api.NewHandler(ledger, logger), cfg.HTTP.AllowedOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.HTTP.Port,
			"store", cfg.Store.Driver,
			"redis", cfg.Redis.Enabled,
			"credit_types", ledger.Types().Names(),
			"grouped_usage", ledger.GroupedUsage())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured entry store and its closer.
func openStore(ctx context.Context, cfg config.StoreConfig) (credit.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() {}, nil

	case "postgres":
		db, err := postgres.Open(cfg.Postgres.Connection())
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(db)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
