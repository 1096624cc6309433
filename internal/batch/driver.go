package batch

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/dockmend/dockmend/internal/buildlog"
	"github.com/dockmend/dockmend/internal/control"
	"github.com/dockmend/dockmend/internal/engine"
	"github.com/dockmend/dockmend/internal/events"
	"github.com/dockmend/dockmend/internal/recipe"
	"github.com/dockmend/dockmend/internal/store"
)

// Config controls one batch sweep.
type Config struct {
	TargetVersions []string
	Workers        int
	Control        control.Config
}

// Summary reports what one sweep did.
type Summary struct {
	Completed int
	Skipped   int
	Aborted   int
	Failed    int
}

// Driver enumerates recipes x target versions and runs one controller per
// pair across a bounded worker pool. Pairs share nothing mutable except the
// record store, whose appends are serialized here.
type Driver struct {
	store     store.RecordStore
	builder   *engine.Builder
	tester    *engine.Tester
	repairer  control.Repairer
	artifacts *buildlog.Manager
	broker    *events.Broker
	cfg       Config

	appendMu sync.Mutex
}

// NewDriver creates a Driver.
func NewDriver(
	st store.RecordStore,
	builder *engine.Builder,
	tester *engine.Tester,
	repairer control.Repairer,
	artifacts *buildlog.Manager,
	broker *events.Broker,
	cfg Config,
) *Driver {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Driver{
		store:     st,
		builder:   builder,
		tester:    tester,
		repairer:  repairer,
		artifacts: artifacts,
		broker:    broker,
		cfg:       cfg,
	}
}

type pair struct {
	rec     *recipe.Recipe
	version string
}

// Run processes every (recipe, target version) pair that has no terminal
// record yet. One pair's failure never blocks the rest; cancellation stops
// workers at the next state boundary and aborted pairs emit no record.
func (d *Driver) Run(ctx context.Context, recipes []*recipe.Recipe) (*Summary, error) {
	var pairs []pair
	summary := &Summary{}

	for _, rec := range recipes {
		if !rec.Meta.IsEnabled() {
			log.Printf("DEBUG: skipping disabled recipe %q", rec.Bibcode)
			continue
		}
		for _, v := range d.cfg.TargetVersions {
			has, err := d.store.Has(ctx, rec.Bibcode, v)
			if err != nil {
				return nil, err
			}
			if has {
				// Idempotent resume: already-terminal pairs are never
				// rebuilt or re-repaired.
				summary.Skipped++
				d.broker.Publish(events.Event{
					Type:          events.TypePairSkipped,
					Bibcode:       rec.Bibcode,
					TargetVersion: v,
				})
				continue
			}
			pairs = append(pairs, pair{rec: rec, version: v})
		}
	}

	work := make(chan pair)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				completed, failed, aborted := d.runPair(ctx, p)
				mu.Lock()
				summary.Completed += completed
				summary.Failed += failed
				summary.Aborted += aborted
				mu.Unlock()
			}
		}()
	}

feed:
	for _, p := range pairs {
		select {
		case <-ctx.Done():
			mu.Lock()
			summary.Aborted++
			mu.Unlock()
			break feed
		case work <- p:
		}
	}
	close(work)
	wg.Wait()

	d.broker.Publish(events.Event{Type: events.TypeBatchDone})
	return summary, ctx.Err()
}

func (d *Driver) runPair(ctx context.Context, p pair) (completed, failed, aborted int) {
	log.Printf("processing %s with ubuntu %s", p.rec.Bibcode, p.version)
	d.broker.Publish(events.Event{
		Type:          events.TypePairStarted,
		Bibcode:       p.rec.Bibcode,
		TargetVersion: p.version,
	})

	runner := &pairRunner{
		driver:  d,
		rec:     p.rec,
		version: p.version,
		tag:     recipe.ImageTag(p.rec.Bibcode, p.version),
	}
	ctrl := control.New(runner, runner, d.repairer, d.cfg.Control)

	row, err := ctrl.Run(ctx, p.rec, p.version)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Printf("pair %s:%s aborted", p.rec.Bibcode, p.version)
			return 0, 0, 1
		}
		log.Printf("ERROR: pair %s:%s: %v", p.rec.Bibcode, p.version, err)
		return 0, 1, 0
	}

	// Single-writer discipline on the append-only sink: the record is
	// durably committed before this worker takes its next pair.
	d.appendMu.Lock()
	err = d.store.Append(ctx, row)
	d.appendMu.Unlock()
	if err != nil {
		log.Printf("ERROR: recording pair %s:%s: %v", p.rec.Bibcode, p.version, err)
		return 0, 1, 0
	}

	d.broker.Publish(events.Event{
		Type:          events.TypePairCompleted,
		Bibcode:       p.rec.Bibcode,
		TargetVersion: p.version,
		TerminalState: row.TerminalState,
	})
	log.Printf("pair %s:%s done: %s (%d passed, %d failed)",
		p.rec.Bibcode, p.version, row.TerminalState, row.CasesPassed, row.CasesFailed)
	return 1, 0, 0
}

// pairRunner adapts the engine and artifact layers to the controller's
// Builder and Tester interfaces for one pair. Working copies and build log
// tails are written as a side effect of each attempt.
type pairRunner struct {
	driver  *Driver
	rec     *recipe.Recipe
	version string
	tag     string
}

func (r *pairRunner) Build(ctx context.Context, attempt int, recipeText string) (*engine.BuildResult, error) {
	path, err := r.driver.artifacts.WriteWorkingCopy(r.rec, r.version, attempt, recipeText)
	if err != nil {
		return nil, err
	}

	res, err := r.driver.builder.Build(ctx, path, r.rec.Dir, r.tag)
	if err != nil {
		return nil, err
	}

	if _, err := r.driver.artifacts.WriteBuildLog(r.rec, r.version, attempt, res.Output); err != nil {
		log.Printf("WARN: writing build log for %s:%s: %v", r.rec.Bibcode, r.version, err)
	}
	return res, nil
}

func (r *pairRunner) Test(ctx context.Context, attempt int) (*engine.TestOutcome, error) {
	return r.driver.tester.Run(ctx, r.tag, r.rec.Meta.TestCommand)
}
