/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the calculation rule engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.toml + CALCRULE_* env), apply flags
  2. Build the zap logger and Prometheus metrics
  3. Initialize SQLite store
  4. Load rule definitions and build the rule registry
  5. Configure HTTP router and start the batch scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides app.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database
  -rules   Rule definitions JSON file (overrides rules.file)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with in-memory database and debug logs
  CALCRULE_LOG_LEVEL=debug ./server -db=":memory:"

  # Run with a rule definitions file
  ./server -rules=./rules.json

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - factory/rule.go: Rule definitions
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/calcrule-engine/api"
	"github.com/warp/calcrule-engine/capitation"
	"github.com/warp/calcrule-engine/config"
	"github.com/warp/calcrule-engine/factory"
	"github.com/warp/calcrule-engine/logger"
	"github.com/warp/calcrule-engine/metrics"
	"github.com/warp/calcrule-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "calcrule-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	rulesFile := flag.String("rules", "", "Rule definitions JSON file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *rulesFile != "" {
		cfg.Rules.File = *rulesFile
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Rules
	var defs []factory.RuleJSON
	if cfg.Rules.File != "" {
		if defs, err = factory.LoadRulesFile(cfg.Rules.File); err != nil {
			return err
		}
	}
	registry, err := factory.BuildRegistry(defs, store, capitation.Options{
		Workers: cfg.Conversion.Workers,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("build rule registry: %w", err)
	}
	for _, rh := range registry.List() {
		log.Info("rule registered",
			zap.String("id", string(rh.Config.ID())),
			zap.String("name", rh.Config.Name()),
			zap.Int("version", rh.Config.Version()),
		)
	}

	handler := api.NewHandler(store, registry, log)
	router := api.NewRouter(handler, prometheus.DefaultGatherer)

	scheduler := api.NewBatchScheduler(store, registry, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.AuditUserID = cfg.Scheduler.AuditUserID
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", "http://localhost:"+cfg.App.Port+"/api"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
