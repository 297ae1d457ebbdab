package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	done := m.TournamentStarted()
	if got := testutil.ToFloat64(m.ActiveTournaments); got != 1 {
		t.Errorf("active tournaments = %v, want 1", got)
	}
	done("persisted")
	if got := testutil.ToFloat64(m.ActiveTournaments); got != 0 {
		t.Errorf("active tournaments after done = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Tournaments.WithLabelValues("persisted")); got != 1 {
		t.Errorf("persisted tournaments = %v, want 1", got)
	}

	m.StrategyRun("bigline", "ok")
	m.StrategyRun("bigline", "ok")
	m.OptimizerTask("technical", "timeout")
	m.SelectorDecision("fallback")
	m.ArtifactError()

	if got := testutil.ToFloat64(m.StrategyRuns.WithLabelValues("bigline", "ok")); got != 2 {
		t.Errorf("bigline ok runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OptimizerTasks.WithLabelValues("technical", "timeout")); got != 1 {
		t.Errorf("technical timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SelectorDecisions.WithLabelValues("fallback")); got != 1 {
		t.Errorf("fallback decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArtifactErrors); got != 1 {
		t.Errorf("artifact errors = %v, want 1", got)
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.TournamentStarted()("failed")
	m.StrategyRun("x", "ok")
	m.OptimizerTask("x", "ok")
	m.SelectorDecision("llm")
	m.ArtifactError()
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SelectorDecision("llm")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `finpod_selector_decisions_total{path="llm"} 1`) {
		t.Errorf("exposition missing selector counter:\n%s", body)
	}
}
