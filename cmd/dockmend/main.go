package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dockmend/dockmend/internal/batch"
	"github.com/dockmend/dockmend/internal/buildlog"
	"github.com/dockmend/dockmend/internal/config"
	"github.com/dockmend/dockmend/internal/control"
	"github.com/dockmend/dockmend/internal/engine"
	"github.com/dockmend/dockmend/internal/events"
	"github.com/dockmend/dockmend/internal/recipe"
	"github.com/dockmend/dockmend/internal/repair"
	"github.com/dockmend/dockmend/internal/store"
	"github.com/dockmend/dockmend/internal/web"
)

func main() {
	// Check for subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Exit(runServe(os.Args[2:]))
		case "export":
			os.Exit(runExport(os.Args[2:]))
		}
	}

	configPath := flag.String("config", "dockmend.yaml", "path to configuration file")
	bibcode := flag.String("bibcode", "", "process only this bibcode")
	flag.Parse()

	recipesDir := flag.Arg(0)
	if recipesDir == "" {
		recipesDir = "."
	}

	os.Exit(runBatch(*configPath, recipesDir, *bibcode))
}

// env bundles the wired components shared by the one-shot and serve paths.
type env struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	broker *events.Broker
	driver *batch.Driver
}

func setup(configPath string) (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	log.Printf("store opened at %s", cfg.DBPath())

	broker := events.NewBroker()
	builder := engine.NewBuilder(cfg.Engine, cfg.BuildTimeout())
	tester := engine.NewTester(cfg.Engine, cfg.BuildTimeout())
	repairer := repair.NewClient(cfg.Repair.Endpoint, repair.Options{
		Token:            cfg.RepairToken(),
		Timeout:          cfg.RepairTimeout(),
		TransientRetries: cfg.Repair.TransientRetries,
		MaxNewTokens:     cfg.Repair.MaxNewTokens,
		Temperature:      cfg.Repair.Temperature,
	})
	artifacts := buildlog.NewManager(cfg.Artifacts.Dir, cfg.ErrorExcerptLines)

	driver := batch.NewDriver(st, builder, tester, repairer, artifacts, broker, batch.Config{
		TargetVersions: cfg.TargetVersions,
		Workers:        cfg.WorkerConcurrency,
		Control: control.Config{
			RetryBudget:  *cfg.RetryBudget,
			ThresholdPct: *cfg.SuccessThresholdPct,
			ExcerptLines: cfg.ErrorExcerptLines,
		},
	})

	return &env{cfg: cfg, store: st, broker: broker, driver: driver}, nil
}

// startStatusServer starts the optional status API when listen is
// configured. The returned shutdown func is a no-op otherwise.
func (e *env) startStatusServer() func() {
	if e.cfg.Listen == "" {
		return func() {}
	}
	srv := web.NewServer(e.cfg.Listen, e.store, e.broker)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: status server: %v", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: status server shutdown: %v", err)
		}
	}
}

func runBatch(configPath, recipesDir, bibcode string) int {
	e, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer e.store.Close()

	recipes, err := recipe.Discover(recipesDir, bibcode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	log.Printf("loaded %d recipe(s) from %s", len(recipes), recipesDir)

	stopStatus := e.startStatusServer()
	defer stopStatus()

	// SIGINT stops issuing new build/test/repair calls at the next state
	// boundary; aborted pairs leave no record and are picked up on rerun.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := e.driver.Run(ctx, recipes)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: batch: %v", err)
		return 1
	}

	log.Printf("batch finished: %d completed, %d skipped, %d failed, %d aborted",
		summary.Completed, summary.Skipped, summary.Failed, summary.Aborted)
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 0
}
