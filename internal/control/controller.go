package control

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dockmend/dockmend/internal/engine"
	"github.com/dockmend/dockmend/internal/recipe"
	"github.com/dockmend/dockmend/internal/repair"
	"github.com/dockmend/dockmend/internal/store"
	"github.com/dockmend/dockmend/pkg/record"
)

// Builder builds one working copy of the recipe. The attempt index names
// the working copy (0 is the unmodified recipe) so callers can persist
// per-attempt artifacts.
type Builder interface {
	Build(ctx context.Context, attempt int, recipeText string) (*engine.BuildResult, error)
}

// Tester runs the recipe's functional test against the artifact built by
// the most recent successful Build call. A returned error wrapping
// engine.ErrHarness means the harness could not run at all.
type Tester interface {
	Test(ctx context.Context, attempt int) (*engine.TestOutcome, error)
}

// Repairer produces a candidate replacement recipe from a failure excerpt.
type Repairer interface {
	Suggest(ctx context.Context, req repair.Request) (*repair.Suggestion, error)
}

// Config bounds one controller run.
type Config struct {
	// RetryBudget is the maximum number of repair cycles per pair.
	RetryBudget int
	// ThresholdPct is the pass percentage at and above which the pair is done.
	ThresholdPct float64
	// ExcerptLines bounds the trailing error excerpt sent to the repair
	// service and recorded in error details.
	ExcerptLines int
}

// Controller drives one (recipe, target version) pair through
// build -> test -> repair -> rebuild until a terminal state is reached.
// Each instance owns all of its pair's state; nothing is shared across
// pairs.
type Controller struct {
	builder  Builder
	tester   Tester
	repairer Repairer
	cfg      Config
}

// New creates a Controller.
func New(builder Builder, tester Tester, repairer Repairer, cfg Config) *Controller {
	return &Controller{builder: builder, tester: tester, repairer: repairer, cfg: cfg}
}

// Run executes the state machine for one pair and returns its terminal
// record. Cancellation is observed between states only; an aborted pair
// returns ctx.Err() and no record.
func (c *Controller) Run(ctx context.Context, rec *recipe.Recipe, targetVersion string) (*store.Row, error) {
	working := recipe.WithTargetVersion(rec.Text, targetVersion)
	startedAt := time.Now().UTC()

	attempt := 0
	budgetUsed := 0
	var errorParts []string
	var modifications []string
	var rationales []string

	// Last attempt is authoritative: these reset on every rebuild, so a
	// pair whose final attempt never reached testing reports zero cases
	// and an undefined percentage, not a stale earlier result.
	var lastPassed, lastFailed int
	var lastPct *float64

	finish := func(state string) *store.Row {
		finishedAt := time.Now().UTC()
		return &store.Row{
			Record: record.Record{
				Bibcode:        rec.Bibcode,
				BaseVersion:    rec.BaseVersion,
				TargetVersion:  targetVersion,
				CasesPassed:    lastPassed,
				CasesFailed:    lastFailed,
				PassPct:        lastPct,
				PackageManager: rec.PackageManager,
				ErrorDetails:   strings.Join(errorParts, " and "),
				Modifications:  strings.Join(modifications, "; "),
				TerminalState:  state,
			},
			Attempts:   attempt + 1,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			DurationMs: finishedAt.Sub(startedAt).Milliseconds(),
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lastPassed, lastFailed, lastPct = 0, 0, nil

		// BUILDING
		br, err := c.builder.Build(ctx, attempt, working)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var failExcerpt string
		switch {
		case err != nil:
			failExcerpt = err.Error()
		case br.Success:
			// TESTING
			outcome, terr := c.tester.Test(ctx, attempt)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if terr != nil {
				// Harness failures are build-class: the artifact could not
				// be exercised, which is not a 0% test score.
				failExcerpt = terr.Error()
				break
			}

			lastPassed, lastFailed = outcome.Passed, outcome.Failed
			lastPct = record.PassPercentage(outcome.Passed, outcome.Failed)
			if lastPct != nil && *lastPct >= c.cfg.ThresholdPct {
				return finish(record.StatePass), nil
			}
			failExcerpt = fmt.Sprintf("tests below threshold (%s%%): %s",
				record.FormatPct(lastPct),
				engine.LastLines(outcome.Output, c.cfg.ExcerptLines))
		default:
			failExcerpt = engine.LastLines(br.Output, c.cfg.ExcerptLines)
		}

		errorParts = append(errorParts, failExcerpt)

		if budgetUsed >= c.cfg.RetryBudget {
			log.Printf("pair %s:%s failed after %d repair cycle(s), budget exhausted",
				rec.Bibcode, targetVersion, budgetUsed)
			return finish(record.StateFailBudget), nil
		}

		// REPAIRING
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		budgetUsed++
		log.Printf("pair %s:%s failed, requesting repair (%d/%d)",
			rec.Bibcode, targetVersion, budgetUsed, c.cfg.RetryBudget)

		suggestion, serr := c.repairer.Suggest(ctx, repair.Request{
			RecipeText:      working,
			ErrorExcerpt:    engine.LastLines(failExcerpt, c.cfg.ExcerptLines),
			PriorRationales: rationales,
		})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if serr != nil {
			// Unreachable service, empty response, or an unchanged recipe:
			// rebuilding an identical recipe cannot succeed, so the pair
			// terminates instead of burning the remaining budget.
			log.Printf("WARN: pair %s:%s unrepairable: %v", rec.Bibcode, targetVersion, serr)
			return finish(record.StateFailUnrepairable), nil
		}

		summary := rationaleSummary(suggestion.Rationale)
		rationales = append(rationales, summary)
		modifications = append(modifications, fmt.Sprintf("repair %d: %s", budgetUsed, summary))
		working = suggestion.RecipeText
		attempt++
	}
}

// rationaleSummary reduces a free-form rationale to its first line for
// record keeping.
func rationaleSummary(rationale string) string {
	line := strings.TrimSpace(rationale)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "no rationale"
	}
	return line
}
