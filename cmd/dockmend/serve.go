package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dockmend/dockmend/internal/recipe"
	"github.com/dockmend/dockmend/internal/scheduler"
)

// runServe runs dockmend as a re-verification daemon: an immediate sweep,
// then one sweep per cron activation. Idempotent resume makes repeat sweeps
// cheap; only pairs without a terminal record are built.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "dockmend.yaml", "path to configuration file")
	fs.Parse(args)

	recipesDir := fs.Arg(0)
	if recipesDir == "" {
		recipesDir = "."
	}

	e, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer e.store.Close()

	if e.cfg.Schedule == "" {
		fmt.Fprintln(os.Stderr, "error: serve mode requires a schedule in the configuration")
		return 1
	}
	sched, err := scheduler.ParseSchedule(e.cfg.Schedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid schedule %q: %v\n", e.cfg.Schedule, err)
		return 1
	}

	stopStatus := e.startStatusServer()
	defer stopStatus()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweep := func() {
		recipes, err := recipe.Discover(recipesDir, "")
		if err != nil {
			log.Printf("ERROR: discovering recipes: %v", err)
			return
		}
		summary, err := e.driver.Run(ctx, recipes)
		if err != nil && ctx.Err() == nil {
			log.Printf("ERROR: sweep: %v", err)
			return
		}
		log.Printf("sweep finished: %d completed, %d skipped, %d failed, %d aborted",
			summary.Completed, summary.Skipped, summary.Failed, summary.Aborted)
	}

	log.Printf("dockmend serving, next sweep at %s",
		scheduler.NextTime(sched, time.Now()).Format(time.RFC3339))
	sweep()
	scheduler.Run(ctx, sched, sweep)

	log.Println("dockmend stopped")
	return 0
}
