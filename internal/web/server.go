package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dockmend/dockmend/internal/events"
	"github.com/dockmend/dockmend/internal/store"
	"github.com/dockmend/dockmend/pkg/record"
)

// Server exposes a small read-only status API for long-running batches:
// health, aggregate progress, recorded rows, and a live event stream.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, st store.RecordStore, broker *events.Broker) *Server {
	mux := http.NewServeMux()
	h := &handler{store: st, broker: broker}

	mux.HandleFunc("/api/v1/health", h.health)
	mux.HandleFunc("/api/v1/stats", h.stats)
	mux.HandleFunc("/api/v1/records", h.records)
	mux.HandleFunc("/api/v1/events", h.eventStream)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("status API listening on %s", ln.Addr())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	store  store.RecordStore
	broker *events.Broker
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total":                  stats.Total,
		"done_pass":              stats.Passed,
		"done_fail_budget":       stats.FailedBudget,
		"done_fail_unrepairable": stats.Unrepairable,
	})
}

type recordJSON struct {
	Bibcode        string `json:"bibcode"`
	BaseVersion    string `json:"base_version"`
	TargetVersion  string `json:"target_version"`
	CasesPassed    int    `json:"cases_passed"`
	CasesFailed    int    `json:"cases_failed"`
	PassPercentage string `json:"pass_percentage"`
	PackageManager string `json:"package_manager"`
	TerminalState  string `json:"terminal_state"`
	Attempts       int    `json:"attempts"`
	DurationMs     int64  `json:"duration_ms"`
}

func (h *handler) records(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context(), store.ListOpts{
		Bibcode: r.URL.Query().Get("bibcode"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]recordJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordJSON{
			Bibcode:        row.Bibcode,
			BaseVersion:    row.BaseVersion,
			TargetVersion:  row.TargetVersion,
			CasesPassed:    row.CasesPassed,
			CasesFailed:    row.CasesFailed,
			PassPercentage: record.FormatPct(row.PassPct),
			PackageManager: row.PackageManager,
			TerminalState:  row.TerminalState,
			Attempts:       row.Attempts,
			DurationMs:     row.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// eventStream serves batch progress as server-sent events.
func (h *handler) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.broker.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
			flusher.Flush()
		}
	}
}
