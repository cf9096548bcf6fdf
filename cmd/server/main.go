/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the operation ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (defaults -> TOML file -> env), then apply flags
  2. Open the financial store (sqlite, postgres or memory)
  3. Open the Badger lock store
  4. Build engine services and the API handler
  5. Start the sweep scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  TOML config file (optional)
  -port    HTTP server port, overrides server.port
  -db      Storage DSN, overrides storage.dsn
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the lock store and the database

EXAMPLES:
  ./server -config=ops.toml
  ./server -db=":memory:" -port=3000
  DB_SOURCE=postgres://ops@localhost/ops ./server

SEE ALSO:
  - config/config.go: Configuration keys and env overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/api"
	"github.com/warp/operation-ledger/config"
	"github.com/warp/operation-ledger/engine"
	"github.com/warp/operation-ledger/engine/store"
	"github.com/warp/operation-ledger/locks"
	"github.com/warp/operation-ledger/notify"
	"github.com/warp/operation-ledger/store/postgres"
	"github.com/warp/operation-ledger/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "TOML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "Storage DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.DSN = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger arbor.ILogger) error {
	ctx := context.Background()

	// Initialize stores
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	lockDB, err := locks.Open(cfg.Locks.Path)
	if err != nil {
		return err
	}
	defer lockDB.Close()

	lockTTL, _ := cfg.LockTTL()
	lockStore, err := locks.NewBadgerStore(lockDB, lockTTL)
	if err != nil {
		return err
	}

	heartbeatPeriod, _ := cfg.HeartbeatPeriod()
	grace, _ := cfg.NeverHeartbeatGrace()
	sink := notify.FanOut{notify.NewLogSink(logger)}

	// Engine services
	ops := engine.NewOperations(st, logger)
	ops.Locks = lockStore
	ops.Heartbeats = lockStore
	ops.Sink = sink
	ops.HeartbeatPeriod = heartbeatPeriod

	sweeper := engine.NewSweeper(st, logger)
	sweeper.Locks = lockStore
	sweeper.Heartbeats = lockStore
	sweeper.Sink = sink
	sweeper.NeverHeartbeatGrace = grace
	sweeper.BatchLimit = cfg.Liveness.BatchLimit

	handler := api.NewHandler(api.Services{
		Store:      st,
		Ledger:     engine.NewLedger(st, logger),
		Operations: ops,
		Corrector:  engine.NewCorrector(st, logger, sink),
		Auditor:    engine.NewAuditor(st),
		Sweeper:    sweeper,
	}, logger, cfg.Security.CronSecret)

	if cfg.Security.CronSecret == "" {
		logger.Warn().Msg("security.cron_secret is empty; POST /api/cron/sweep will refuse to run")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AdminToken:     cfg.Security.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// Scheduler
	scheduler := api.NewSweepScheduler(sweeper, logger)
	if cfg.Liveness.Enabled {
		if err := scheduler.Start(cfg.Liveness.SweepSchedule); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("storage", cfg.Storage.Driver).
			Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info().Msg("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server stopped")
	return nil
}

type closableStore interface {
	engine.Store
	io.Closer
}

func openStore(ctx context.Context, cfg config.StorageConfig) (closableStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DSN)
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return sqlite.New(cfg.DSN)
	}
}
