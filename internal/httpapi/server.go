package httpapi

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"finpod/internal/domain"
	"finpod/internal/engine"
	"finpod/internal/metrics"
	"finpod/internal/store"
)

const dateLayout = "2006-01-02"

// Server serves the strategy artifacts written by the engine.
type Server struct {
	artifacts *engine.ArtifactWriter
	audit     *store.AuditLog // nil when the audit log is disabled
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewServer creates a Server reading artifacts under strategyDir. audit and
// m may be nil.
func NewServer(strategyDir string, audit *store.AuditLog, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		artifacts: engine.NewArtifactWriter(strategyDir),
		audit:     audit,
		metrics:   m,
		log:       log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/strategy/dates", s.handleDates)
	mux.HandleFunc("GET /api/strategy/{date}", s.handleDay)
	mux.HandleFunc("GET /api/strategy/{date}/{symbol}", s.handleRecord)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func validDate(d string) bool {
	_, err := time.Parse(dateLayout, d)
	return err == nil
}

func (s *Server) handleDates(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.artifacts.Dir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Error("listing artifact dates", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dates")
		return
	}
	dates := []string{}
	for _, e := range entries {
		if e.IsDir() && validDate(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	writeJSON(w, DatesResponse{Dates: dates})
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	paths, err := filepath.Glob(filepath.Join(s.artifacts.Dir(), date, "*.json"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if len(paths) == 0 {
		writeError(w, http.StatusNotFound, "no records for "+date)
		return
	}

	records := make([]domain.TournamentRecord, 0, len(paths))
	for _, p := range paths {
		rec, err := engine.ReadRecord(p)
		if err != nil {
			s.log.Warn("skipping unreadable artifact", "path", p, "error", err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Symbol != records[j].Symbol {
			return records[i].Symbol < records[j].Symbol
		}
		return records[i].Timeframe < records[j].Timeframe
	})

	if r.URL.Query().Get("view") == "summary" {
		out := SummaryResponse{Date: date, Count: len(records), Records: make([]SummaryJSON, len(records))}
		for i, rec := range records {
			out.Records[i] = SummaryJSON{
				Symbol:     rec.Symbol,
				Timeframe:  rec.Timeframe,
				Winner:     rec.WinningStrategy.Name,
				Confidence: rec.WinningStrategy.Confidence,
				Position:   rec.Signals.Position,
				EntryPrice: rec.Signals.EntryPrice,
			}
		}
		writeJSON(w, out)
		return
	}
	writeJSON(w, DayResponse{Date: date, Count: len(records), Records: records})
}

// handleRecord serves the artifact bytes unchanged.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = domain.TimeframeDaily
	}
	if !tf.Valid() {
		writeError(w, http.StatusBadRequest, "timeframe must be daily or hourly")
		return
	}
	symbol := r.PathValue("symbol")
	if strings.ContainsAny(symbol, `/\`) || strings.Contains(symbol, "..") {
		writeError(w, http.StatusBadRequest, "invalid symbol")
		return
	}

	data, err := os.ReadFile(s.artifacts.Path(date, symbol, tf))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no record for "+symbol+" on "+date)
		return
	}
	if err != nil {
		s.log.Error("reading artifact", "symbol", symbol, "date", date, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, AuditResponse{Entries: []AuditEntryJSON{}})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	rows, err := s.audit.Recent(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.log.Error("reading audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	out := AuditResponse{Entries: make([]AuditEntryJSON, len(rows))}
	for i, e := range rows {
		out.Entries[i] = AuditEntryJSON{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Symbol:     e.Symbol,
			Timeframe:  e.Timeframe,
			Provider:   e.Provider,
			Outcome:    e.Outcome,
			Error:      e.Error,
			DurationMS: e.DurationMS,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)})
}
