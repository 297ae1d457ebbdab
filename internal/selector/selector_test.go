package selector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"finpod/internal/domain"
	"finpod/internal/metrics"
	"finpod/internal/store"
)

type stubChat struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *stubChat) Chat(ctx context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, s.err
}

func (s *stubChat) Provider() string { return "stub" }

func (s *stubChat) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func longPacket(entry float64) domain.Signals {
	return domain.Signals{Position: domain.PositionLong, EntryPrice: entry, TargetPrice: entry * 1.03, StopLoss: entry * 0.97, PositionSize: 0.1}
}

// gateRequest is the drawdown-gate scenario: technical has the better
// Sharpe but breaches the gate.
func gateRequest() Request {
	return Request{
		Symbol:      "AAPL",
		Timeframe:   domain.TimeframeDaily,
		IndexSymbol: "^IXIC",
		Threshold:   0.15,
		LastClose:   100,
		Results: map[string]domain.BacktestResult{
			"technical": {StrategyType: "technical", SharpeRatio: 2.0, MaxDrawdown: 0.30, ExpectedReturn: 0.4, Signals: longPacket(100)},
			"bigline":   {StrategyType: "bigline", SharpeRatio: 0.5, MaxDrawdown: 0.05, ExpectedReturn: 0.1, Signals: longPacket(100)},
		},
	}
}

func newTestLLM(chat *stubChat, opts ...Option) *LLM {
	base := []Option{WithLogger(slog.New(slog.DiscardHandler)), WithRetryDelay(time.Millisecond)}
	return NewLLM(chat, append(base, opts...)...)
}

func TestRuleBasedDrawdownGate(t *testing.T) {
	d, err := NewRuleBased().Select(context.Background(), gateRequest())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Winner.Name != "bigline" {
		t.Fatalf("winner = %q, want bigline", d.Winner.Name)
	}
	if d.Winner.MaxDrawdown >= 0.15 {
		t.Errorf("winner drawdown %v breaches the gate", d.Winner.MaxDrawdown)
	}
	if d.Winner.Confidence != 0.55 {
		t.Errorf("confidence = %v, want 0.55", d.Winner.Confidence)
	}
	if !strings.Contains(d.Winner.Reasoning, RuleBasedPhrase) {
		t.Errorf("reasoning %q lacks %q", d.Winner.Reasoning, RuleBasedPhrase)
	}
	if d.Signals.Position != domain.PositionLong || d.Path != PathRule {
		t.Errorf("signals/path = %s/%s, want LONG/rule", d.Signals.Position, d.Path)
	}
}

func TestRuleBasedNoWinner(t *testing.T) {
	req := gateRequest()
	req.Results["bigline"] = domain.BacktestResult{SharpeRatio: 0, MaxDrawdown: 0}
	req.Results["quantity"] = domain.BacktestResult{SharpeRatio: 3, MaxDrawdown: 0.01, Dormant: true}

	d, _ := NewRuleBased().Select(context.Background(), req)
	if d.Winner.Name != domain.NoWinner {
		t.Fatalf("winner = %q, want none", d.Winner.Name)
	}
	if d.Winner.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6", d.Winner.Confidence)
	}
	if d.Signals != domain.NeutralSignals(100) {
		t.Errorf("signals = %+v, want neutral at 100", d.Signals)
	}
}

func TestRuleBasedTiesAndClamp(t *testing.T) {
	req := Request{Threshold: 0.15, LastClose: 50, Results: map[string]domain.BacktestResult{
		"zeta":  {SharpeRatio: 9, MaxDrawdown: 0.1, Signals: longPacket(50)},
		"alpha": {SharpeRatio: 9, MaxDrawdown: 0.1, Signals: longPacket(50)},
	}}
	d, _ := NewRuleBased().Select(context.Background(), req)
	if d.Winner.Name != "alpha" {
		t.Errorf("tie winner = %q, want alpha", d.Winner.Name)
	}
	if d.Winner.Confidence != 0.95 {
		t.Errorf("confidence = %v, want clamp at 0.95", d.Winner.Confidence)
	}
}

func TestLLMGarbageFallsBack(t *testing.T) {
	m := metrics.New()
	chat := &stubChat{reply: "not json at all"}
	s := newTestLLM(chat, WithMetrics(m))

	d, err := s.Select(context.Background(), gateRequest())
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if d.Path != PathFallback {
		t.Errorf("path = %q, want fallback", d.Path)
	}
	if !strings.Contains(d.Winner.Reasoning, RuleBasedPhrase) || !strings.Contains(d.Winner.Reasoning, CauseMalformed) {
		t.Errorf("reasoning = %q, want rule-based phrase and malformed cause", d.Winner.Reasoning)
	}
	if d.Winner.Name != "bigline" {
		t.Errorf("winner = %q, want bigline", d.Winner.Name)
	}
	if got := testutil.ToFloat64(m.SelectorDecisions.WithLabelValues(PathFallback)); got != 1 {
		t.Errorf("fallback decisions = %v, want 1", got)
	}
	if chat.Calls() != 1 {
		t.Errorf("chat calls = %d, want 1 (malformed replies are not retried)", chat.Calls())
	}
}

const fencedReply = "Here is my decision:\n```json\n" + `{
  "symbol": "AAPL",
  "analysis_date": "2024-03-01",
  "index_symbol": "^IXIC",
  "winning_strategy": {"name": "bigline", "confidence": 0.8, "expected_return": 9, "max_drawdown": 0, "sharpe_ratio": 99, "reasoning": "best under the gate"},
  "signals": {"position": "long", "entry_price": 100, "target_price": 103, "stop_loss": 97, "position_size": 0.1},
  "market_outlook": "constructive",
  "risk_assessment": "contained",
  "extra_key": true
}` + "\n```\n"

func TestLLMFencedJSONAccepted(t *testing.T) {
	audit, err := store.OpenAuditLog(":memory:")
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	defer audit.Close()

	s := newTestLLM(&stubChat{reply: fencedReply}, WithAudit(audit))
	d, err := s.Select(context.Background(), gateRequest())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Path != PathLLM || d.Winner.Name != "bigline" {
		t.Fatalf("decision = %s/%s, want llm/bigline", d.Path, d.Winner.Name)
	}
	// Metrics come from the results, not the model's text.
	if d.Winner.SharpeRatio != 0.5 || d.Winner.MaxDrawdown != 0.05 || d.Winner.ExpectedReturn != 0.1 {
		t.Errorf("winner metrics = %+v, want values from results", d.Winner)
	}
	if d.Winner.Confidence != 0.8 || d.Signals.Position != domain.PositionLong {
		t.Errorf("confidence/position = %v/%s, want 0.8/LONG", d.Winner.Confidence, d.Signals.Position)
	}
	if d.MarketOutlook != "constructive" || d.RiskAssessment != "contained" {
		t.Errorf("outlook/risk = %q/%q", d.MarketOutlook, d.RiskAssessment)
	}

	rows, err := audit.Recent(context.Background(), "AAPL", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != "accepted" || rows[0].Provider != "stub" {
		t.Errorf("audit rows = %+v, want one accepted stub row", rows)
	}
}

func TestLLMRejectsGatedWinner(t *testing.T) {
	reply := `{"symbol": "AAPL", "analysis_date": "2024-03-01", "index_symbol": "^IXIC",
	  "winning_strategy": {"name": "technical", "confidence": 0.9, "reasoning": "highest sharpe"},
	  "signals": {"position": "LONG", "entry_price": 100, "target_price": 103, "stop_loss": 97, "position_size": 0.1},
	  "market_outlook": "up", "risk_assessment": "fine"}`
	d, _ := newTestLLM(&stubChat{reply: reply}).Select(context.Background(), gateRequest())
	if d.Winner.Name != "bigline" || !strings.Contains(d.Winner.Reasoning, CauseInvalid) {
		t.Errorf("decision = %s (%q), want bigline via validation fallback", d.Winner.Name, d.Winner.Reasoning)
	}
}

func TestLLMErrorRetriedOnce(t *testing.T) {
	chat := &stubChat{err: errors.New("connection reset")}
	d, _ := newTestLLM(chat).Select(context.Background(), gateRequest())
	if chat.Calls() != 2 {
		t.Errorf("chat calls = %d, want 2", chat.Calls())
	}
	if !strings.Contains(d.Winner.Reasoning, CauseUnavailable) {
		t.Errorf("reasoning = %q, want %q", d.Winner.Reasoning, CauseUnavailable)
	}
}

func TestLLMCircuitOpens(t *testing.T) {
	chat := &stubChat{err: errors.New("503")}
	s := newTestLLM(chat, WithBreaker(1, time.Hour))

	s.Select(context.Background(), gateRequest())
	calls := chat.Calls()
	d, _ := s.Select(context.Background(), gateRequest())

	if chat.Calls() != calls {
		t.Errorf("chat called %d more times with the circuit open", chat.Calls()-calls)
	}
	if !strings.Contains(d.Winner.Reasoning, CauseCircuitOpen) {
		t.Errorf("reasoning = %q, want %q", d.Winner.Reasoning, CauseCircuitOpen)
	}
	if d.Winner.Name != "bigline" {
		t.Errorf("winner = %q, want bigline", d.Winner.Name)
	}
}

func TestLLMNilChatIsRuleBased(t *testing.T) {
	d, _ := NewLLM(nil).Select(context.Background(), gateRequest())
	if d.Path != PathRule || d.Winner.Name != "bigline" {
		t.Errorf("decision = %s/%s, want rule/bigline", d.Path, d.Winner.Name)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"  {\"a\":1}\n", `{"a":1}`, false},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"sure!\n```\n{\"a\":1}\n```\nthanks", `{"a":1}`, false},
		{"not json at all", "", true},
		{"```\n[1,2]\n```", "", true},
	}
	for _, tt := range tests {
		got, err := extractJSON(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("extractJSON(%q) error = %v, want error %v", tt.in, err, tt.err)
			continue
		}
		if got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseReplyMissingKeys(t *testing.T) {
	_, err := parseReply(`{"winning_strategy": {"name": "bigline"}}`, gateRequest())
	if !errors.Is(err, ErrSchema) {
		t.Errorf("err = %v, want ErrSchema", err)
	}
	_, err = parseReply(`{"winning_strategy": `, gateRequest())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestParseReplyRequiresFullShape(t *testing.T) {
	full := map[string]any{
		"symbol":        "AAPL",
		"analysis_date": "2024-03-01",
		"index_symbol":  "^IXIC",
		"winning_strategy": map[string]any{
			"name": "bigline", "confidence": 0.7, "reasoning": "inside the gate",
		},
		"signals": map[string]any{
			"position": "LONG", "entry_price": 100, "target_price": 103, "stop_loss": 97, "position_size": 0.1,
		},
		"market_outlook":  "up",
		"risk_assessment": "fine",
	}
	encode := func(m map[string]any) string {
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		return string(b)
	}
	if _, err := parseReply(encode(full), gateRequest()); err != nil {
		t.Fatalf("full reply rejected: %v", err)
	}

	for _, key := range []string{"symbol", "analysis_date", "index_symbol", "market_outlook"} {
		m := maps.Clone(full)
		delete(m, key)
		if _, err := parseReply(encode(m), gateRequest()); !errors.Is(err, ErrSchema) {
			t.Errorf("without %s: err = %v, want ErrSchema", key, err)
		}
	}
	for _, key := range []string{"confidence", "reasoning"} {
		m := maps.Clone(full)
		ws := maps.Clone(full["winning_strategy"].(map[string]any))
		delete(ws, key)
		m["winning_strategy"] = ws
		if _, err := parseReply(encode(m), gateRequest()); !errors.Is(err, ErrSchema) {
			t.Errorf("without winning_strategy.%s: err = %v, want ErrSchema", key, err)
		}
	}
}

func TestLLMMissingConfidenceFallsBack(t *testing.T) {
	reply := `{"symbol": "AAPL", "analysis_date": "2024-03-01", "index_symbol": "^IXIC",
	  "winning_strategy": {"name": "bigline", "reasoning": "no score given"},
	  "signals": {"position": "LONG", "entry_price": 100, "target_price": 103, "stop_loss": 97, "position_size": 0.1},
	  "market_outlook": "up", "risk_assessment": "fine"}`
	d, err := newTestLLM(&stubChat{reply: reply}).Select(context.Background(), gateRequest())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Path == PathLLM || !strings.Contains(d.Winner.Reasoning, CauseInvalid) {
		t.Errorf("decision = %s (%q), want validation fallback", d.Path, d.Winner.Reasoning)
	}
}

func TestParseReplyNone(t *testing.T) {
	reply := `{"symbol": "AAPL", "analysis_date": "2024-03-01", "index_symbol": "^IXIC",
	  "winning_strategy": {"name": "none", "confidence": 0.6, "reasoning": "nothing qualifies"},
	  "signals": {"position": "NEUTRAL", "entry_price": 1, "target_price": 1, "stop_loss": 1, "position_size": 0},
	  "market_outlook": "flat", "risk_assessment": "none"}`
	d, err := parseReply(reply, gateRequest())
	if err != nil {
		t.Fatalf("parseReply: %v", err)
	}
	if d.Signals != domain.NeutralSignals(100) {
		t.Errorf("signals = %+v, want neutral at last close 100", d.Signals)
	}
}
