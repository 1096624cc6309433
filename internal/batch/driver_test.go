package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dockmend/dockmend/internal/buildlog"
	"github.com/dockmend/dockmend/internal/control"
	"github.com/dockmend/dockmend/internal/engine"
	"github.com/dockmend/dockmend/internal/events"
	"github.com/dockmend/dockmend/internal/recipe"
	"github.com/dockmend/dockmend/internal/repair"
	"github.com/dockmend/dockmend/internal/store"
	"github.com/dockmend/dockmend/pkg/record"
)

// memStore is an in-memory RecordStore for driver tests.
type memStore struct {
	mu   sync.Mutex
	rows []*store.Row
}

func (m *memStore) Append(ctx context.Context, row *store.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Bibcode == row.Bibcode && r.TargetVersion == row.TargetVersion {
			return fmt.Errorf("duplicate pair %s:%s", row.Bibcode, row.TargetVersion)
		}
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *memStore) Has(ctx context.Context, bibcode, targetVersion string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Bibcode == bibcode && r.TargetVersion == targetVersion {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) List(ctx context.Context, opts store.ListOpts) ([]*store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Row(nil), m.rows...), nil
}

func (m *memStore) GetStats(ctx context.Context) (*store.Stats, error) {
	return &store.Stats{Total: len(m.rows)}, nil
}

type stubRepairer struct {
	mu    sync.Mutex
	calls int
	fn    func(repair.Request) (*repair.Suggestion, error)
}

func (s *stubRepairer) Suggest(ctx context.Context, req repair.Request) (*repair.Suggestion, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return nil, repair.ErrNoSuggestion
	}
	return s.fn(req)
}

// writeFakeEngine writes an engine stand-in that succeeds on build and
// emits test counters on run.
func writeFakeEngine(t *testing.T, buildBody, runBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\nbuild) %s;;\nrun) %s;;\nesac\n", buildBody, runBody)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return path
}

func writeRecipeDir(t *testing.T, base, bibcode string) {
	t.Helper()
	dir := filepath.Join(base, bibcode)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	text := "FROM ubuntu:14.04\nRUN pip install numpy\n"
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(text), 0644); err != nil {
		t.Fatalf("write Dockerfile: %v", err)
	}
}

func newTestDriver(t *testing.T, st store.RecordStore, eng string, rep control.Repairer, versions []string, workers int) *Driver {
	t.Helper()
	return NewDriver(
		st,
		engine.NewBuilder(eng, time.Minute),
		engine.NewTester(eng, time.Minute),
		rep,
		buildlog.NewManager("", 200),
		events.NewBroker(),
		Config{
			TargetVersions: versions,
			Workers:        workers,
			Control:        control.Config{RetryBudget: 3, ThresholdPct: 100.0, ExcerptLines: 200},
		},
	)
}

func TestDriverRecordsPassingPair(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRecipeDir(t, base, "RosuS12")
	recipes, err := recipe.Discover(base, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	eng := writeFakeEngine(t, `echo "built ok"`, `echo "Tests Passed: 5"; echo "Tests Failed: 0"`)
	st := &memStore{}
	rep := &stubRepairer{}

	d := newTestDriver(t, st, eng, rep, []string{"22.04"}, 1)
	summary, err := d.Run(context.Background(), recipes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Completed != 1 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(st.rows) != 1 {
		t.Fatalf("expected 1 record, got %d", len(st.rows))
	}
	row := st.rows[0]
	if row.TerminalState != record.StatePass {
		t.Fatalf("expected DONE_PASS, got %s", row.TerminalState)
	}
	if rep.calls != 0 {
		t.Fatalf("expected no repair calls, got %d", rep.calls)
	}

	// Per-attempt artifacts land next to the recipe.
	workCopy := filepath.Join(base, "RosuS12", "Dockerfile_22.04")
	if _, err := os.Stat(workCopy); err != nil {
		t.Fatalf("expected working copy %s: %v", workCopy, err)
	}
	logFile := filepath.Join(base, "RosuS12", "build_log_2204.txt")
	if _, err := os.Stat(logFile); err != nil {
		t.Fatalf("expected build log %s: %v", logFile, err)
	}
}

func TestDriverSkipsRecordedPairs(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRecipeDir(t, base, "RosuS12")
	recipes, err := recipe.Discover(base, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	st := &memStore{rows: []*store.Row{{
		Record: record.Record{Bibcode: "RosuS12", TargetVersion: "22.04", TerminalState: record.StatePass},
	}}}

	// An unrunnable engine proves nothing is rebuilt for recorded pairs.
	eng := filepath.Join(t.TempDir(), "no-such-engine")
	d := newTestDriver(t, st, eng, &stubRepairer{}, []string{"22.04"}, 1)

	summary, err := d.Run(context.Background(), recipes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Completed != 0 {
		t.Fatalf("expected pure skip, got %+v", summary)
	}
	if len(st.rows) != 1 {
		t.Fatalf("expected no new records, got %d", len(st.rows))
	}
}

func TestDriverUnrepairablePairDoesNotBlockBatch(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRecipeDir(t, base, "AlphaA01")
	writeRecipeDir(t, base, "BetaB02")
	recipes, err := recipe.Discover(base, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	// Builds fail; the repairer never has a usable suggestion.
	eng := writeFakeEngine(t, `echo "E: broken"; exit 1`, `exit 0`)
	st := &memStore{}
	d := newTestDriver(t, st, eng, &stubRepairer{}, []string{"22.04"}, 2)

	summary, err := d.Run(context.Background(), recipes)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("expected both pairs recorded, got %+v", summary)
	}
	for _, row := range st.rows {
		if row.TerminalState != record.StateFailUnrepairable {
			t.Fatalf("expected DONE_FAIL_UNREPAIRABLE, got %s", row.TerminalState)
		}
	}
}

func TestDriverRerunIsIdempotent(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRecipeDir(t, base, "RosuS12")
	recipes, err := recipe.Discover(base, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	eng := writeFakeEngine(t, `echo ok`, `echo "Tests Passed: 1"; echo "Tests Failed: 0"`)
	st := &memStore{}
	d := newTestDriver(t, st, eng, &stubRepairer{}, []string{"20.04", "22.04"}, 1)

	if _, err := d.Run(context.Background(), recipes); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	summary, err := d.Run(context.Background(), recipes)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if summary.Completed != 0 || summary.Skipped != 2 {
		t.Fatalf("expected rerun to skip everything, got %+v", summary)
	}
	if len(st.rows) != 2 {
		t.Fatalf("expected exactly one record per pair, got %d", len(st.rows))
	}
}

func TestDriverCancelledRunEmitsNoNewRecords(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeRecipeDir(t, base, "RosuS12")
	recipes, err := recipe.Discover(base, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := writeFakeEngine(t, `echo ok`, `exit 0`)
	st := &memStore{}
	d := newTestDriver(t, st, eng, &stubRepairer{}, []string{"22.04"}, 1)

	if _, err := d.Run(ctx, recipes); err == nil {
		t.Fatal("expected context error from cancelled run")
	}
	if len(st.rows) != 0 {
		t.Fatalf("aborted pairs must not be recorded, got %d rows", len(st.rows))
	}
}
