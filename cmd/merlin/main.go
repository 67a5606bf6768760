// Merlin - Booking fraud assessment for the StarBooked marketplace.

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

	"github.com/starbooked/merlin/internal/alerts"
	"github.com/starbooked/merlin/internal/api"
	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/bus"
	"github.com/starbooked/merlin/internal/cache"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/evaluator"
	"github.com/starbooked/merlin/internal/repository"
	"github.com/starbooked/merlin/internal/rules"
	"github.com/starbooked/merlin/internal/stats"
	"github.com/starbooked/merlin/internal/velocity"
	"github.com/starbooked/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("MERLIN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("MERLIN_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"velocity", cfg.Velocity.Backend,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Velocity Counter
	counter, err := velocity.New(cfg.Velocity)
	if err != nil {
		slog.Error("failed to initialize velocity counter", "error", err)
		os.Exit(1)
	}
	defer counter.Close()
	if mc, ok := counter.(*velocity.MemoryCounter); ok {
		mc.StartCompaction(ctx, time.Hour)
	}
	slog.Info("velocity counter initialized", "backend", cfg.Velocity.Backend)

	// Initialize Blacklist Store
	blStore := blacklist.NewStore(repo, cacheImpl)
	slog.Info("blacklist store initialized")

	// Initialize Rule Catalog
	catalog, err := rules.NewCatalog()
	if err != nil {
		slog.Error("failed to initialize rule catalog", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, catalog); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule catalog initialized", "rules_count", catalog.Count())

	// Initialize Alert Dispatcher with background purge
	dispatcher := alerts.NewDispatcher(repo, busImpl, cfg.Alerts.Retention)
	dispatcher.StartPurgeLoop(ctx, cfg.Alerts.PurgeInterval)
	slog.Info("alert dispatcher initialized", "retention", cfg.Alerts.Retention)

	// Initialize Evaluator
	eval := evaluator.New(catalog, counter, blStore, repo, busImpl, dispatcher, cfg.Thresholds)
	slog.Info("evaluator initialized",
		"medium_threshold", cfg.Thresholds.Medium,
		"high_threshold", cfg.Thresholds.High,
	)

	// Initialize Statistics Aggregator
	aggregator := stats.NewAggregator(repo)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("MERLIN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, eval)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, catalog, eval, blStore, dispatcher, aggregator, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("merlin shutdown complete")
}

// loadRulesFromDatabase loads active rules from the database into the catalog.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, catalog *rules.Catalog) error {
	dbRules, err := repo.ListRules(ctx, true)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty catalog - rules can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return catalog.LoadAll(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 MERLIN                    ║")
	fmt.Println("  ║      Booking Fraud Assessment Engine      ║")
	fmt.Println("  ║       Every booking, second-guessed.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                 - Assess a booking attempt")
	fmt.Println("    GET  /assessments              - List recent assessments")
	fmt.Println("    GET  /assessments/{id}         - Get assessment by ID")
	fmt.Println("    POST /assessments/{id}/review  - Apply a review decision")
	fmt.Println("    GET  /rules                    - List loaded rules")
	fmt.Println("    POST /rules                    - Create a rule")
	fmt.Println("    POST /rules/reload             - Hot-reload rules from database")
	fmt.Println("    POST /blacklist                - Add a blacklist entry")
	fmt.Println("    GET  /alerts                   - List alerts")
	fmt.Println("    GET  /stats                    - Assessment statistics")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
