package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dockmend/dockmend/internal/events"
	"github.com/dockmend/dockmend/internal/store"
	"github.com/dockmend/dockmend/pkg/record"
)

type stubStore struct {
	rows  []*store.Row
	stats store.Stats
	err   error
}

func (s *stubStore) Append(ctx context.Context, row *store.Row) error { return nil }

func (s *stubStore) Has(ctx context.Context, bibcode, targetVersion string) (bool, error) {
	return false, nil
}

func (s *stubStore) List(ctx context.Context, opts store.ListOpts) ([]*store.Row, error) {
	if s.err != nil {
		return nil, s.err
	}
	if opts.Bibcode == "" {
		return s.rows, nil
	}
	var out []*store.Row
	for _, r := range s.rows {
		if r.Bibcode == opts.Bibcode {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) GetStats(ctx context.Context) (*store.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s.stats, nil
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := &handler{store: &stubStore{}, broker: events.NewBroker()}
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	h := &handler{
		store:  &stubStore{stats: store.Stats{Total: 5, Passed: 3, FailedBudget: 1, Unrepairable: 1}},
		broker: events.NewBroker(),
	}
	rec := httptest.NewRecorder()
	h.stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["total"] != 5 || body["done_pass"] != 3 || body["done_fail_budget"] != 1 || body["done_fail_unrepairable"] != 1 {
		t.Fatalf("unexpected stats: %v", body)
	}
}

func TestRecords(t *testing.T) {
	t.Parallel()

	pct := 100.0
	st := &stubStore{rows: []*store.Row{
		{
			Record: record.Record{
				Bibcode:       "RosuS12",
				BaseVersion:   "14.04",
				TargetVersion: "22.04",
				CasesPassed:   10,
				PassPct:       &pct,
				TerminalState: record.StatePass,
			},
			Attempts: 1,
		},
		{
			Record: record.Record{
				Bibcode:       "ZeroZ00",
				TargetVersion: "18.04",
				TerminalState: record.StateFailBudget,
			},
			Attempts: 4,
		},
	}}
	h := &handler{store: st, broker: events.NewBroker()}

	rec := httptest.NewRecorder()
	h.records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/records", nil))

	var body []recordJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 records, got %d", len(body))
	}
	if body[0].PassPercentage != "100.00" {
		t.Fatalf("unexpected pass percentage %q", body[0].PassPercentage)
	}
	// Undefined percentages survive the JSON surface as "NaN".
	if body[1].PassPercentage != "NaN" {
		t.Fatalf("expected NaN, got %q", body[1].PassPercentage)
	}
}

func TestRecordsFilterByBibcode(t *testing.T) {
	t.Parallel()

	st := &stubStore{rows: []*store.Row{
		{Record: record.Record{Bibcode: "AlphaA01", TargetVersion: "14.04"}},
		{Record: record.Record{Bibcode: "BetaB02", TargetVersion: "14.04"}},
	}}
	h := &handler{store: st, broker: events.NewBroker()}

	rec := httptest.NewRecorder()
	h.records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/records?bibcode=BetaB02", nil))

	var body []recordJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0].Bibcode != "BetaB02" {
		t.Fatalf("unexpected filter result: %v", body)
	}
}

// streamRecorder is a flushable ResponseWriter safe for concurrent reads
// while the SSE handler writes from its own goroutine.
type streamRecorder struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	hdr   http.Header
	wrote chan struct{}
	once  sync.Once
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{hdr: make(http.Header), wrote: make(chan struct{})}
}

func (w *streamRecorder) Header() http.Header  { return w.hdr }
func (w *streamRecorder) WriteHeader(code int) {}
func (w *streamRecorder) Flush()               {}

func (w *streamRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	w.once.Do(func() { close(w.wrote) })
	return n, err
}

func (w *streamRecorder) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	broker := events.NewBroker()
	h := &handler{store: &stubStore{}, broker: broker}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.eventStream(rec, req)
	}()

	// The handler subscribes asynchronously; republish until an event
	// lands in the stream.
	deadline := time.After(2 * time.Second)
	for {
		broker.Publish(events.Event{Type: events.TypePairCompleted, Bibcode: "RosuS12"})
		select {
		case <-rec.wrote:
		case <-deadline:
			t.Fatal("event never reached the stream")
		case <-time.After(10 * time.Millisecond):
			continue
		}
		break
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	body := rec.String()
	if !strings.Contains(body, "event: pair.completed") || !strings.Contains(body, `"bibcode":"RosuS12"`) {
		t.Fatalf("unexpected stream body: %q", body)
	}
}
