package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"finpod/internal/llm"
	"finpod/internal/metrics"
	"finpod/internal/store"
	"finpod/internal/util"
)

const systemPrompt = `You are the risk-aware judge of a trading strategy tournament.
Pick the strategy with the highest sharpe_ratio whose max_drawdown is strictly below the drawdown threshold and which is not dormant.
If none qualifies, the winner is "none" with a NEUTRAL position and every price equal to the last close.
Reply with a single JSON object and nothing else.`

// LLM asks a language model to pick the winner and falls back to the
// rule-based choice on any failure.
type LLM struct {
	chat       llm.Chatter
	breaker    *gobreaker.CircuitBreaker
	audit      *store.AuditLog
	metrics    *metrics.Metrics
	log        *slog.Logger
	retryDelay time.Duration
}

// Option configures an LLM selector.
type Option func(*LLM)

// WithAudit records every exchange in a.
func WithAudit(a *store.AuditLog) Option { return func(s *LLM) { s.audit = a } }

// WithMetrics counts decisions by path.
func WithMetrics(m *metrics.Metrics) Option { return func(s *LLM) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *LLM) { s.log = l } }

// WithRetryDelay sets the backoff before the single retry. Default 1s.
func WithRetryDelay(d time.Duration) Option { return func(s *LLM) { s.retryDelay = d } }

// WithBreaker replaces the circuit breaker thresholds: it trips after
// failures consecutive errors and stays open for open.
func WithBreaker(failures uint32, open time.Duration) Option {
	return func(s *LLM) { s.breaker = newBreaker(failures, open, s.log) }
}

func newBreaker(failures uint32, open time.Duration, log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-selector",
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

// NewLLM builds a selector backed by chat. A nil chat makes every call take
// the rule-based path.
func NewLLM(chat llm.Chatter, opts ...Option) *LLM {
	s := &LLM{
		chat:       chat,
		log:        slog.Default(),
		retryDelay: time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "selector")
	if s.breaker == nil {
		s.breaker = newBreaker(3, 5*time.Minute, s.log)
	}
	return s
}

// Select asks the model for a decision. It never returns an error: every
// failure degrades to the rule-based decision with the cause in the
// reasoning.
func (s *LLM) Select(ctx context.Context, req Request) (Decision, error) {
	if s.chat == nil {
		d := decide(req, "")
		d.Path = PathRule
		s.metrics.SelectorDecision(PathRule)
		return d, nil
	}

	prompt, err := buildPrompt(req)
	if err != nil {
		return s.fallback(req, CauseMalformed, err), nil
	}

	start := time.Now()
	reply, err := s.ask(ctx, prompt)
	entry := store.AuditEntry{
		Symbol:     req.Symbol,
		Timeframe:  string(req.Timeframe),
		Provider:   s.chat.Provider(),
		Prompt:     prompt,
		Response:   reply,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if err != nil {
		cause := CauseUnavailable
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cause = CauseCircuitOpen
		}
		entry.Outcome, entry.Error = "error", err.Error()
		s.record(ctx, entry)
		return s.fallback(req, cause, err), nil
	}

	d, err := parseReply(reply, req)
	if err != nil {
		cause := CauseMalformed
		if errors.Is(err, ErrSchema) {
			cause = CauseInvalid
		}
		entry.Outcome, entry.Error = "fallback", err.Error()
		s.record(ctx, entry)
		return s.fallback(req, cause, err), nil
	}

	entry.Outcome = "accepted"
	s.record(ctx, entry)
	s.metrics.SelectorDecision(PathLLM)
	s.log.Info("llm selected winner", "symbol", req.Symbol, "winner", d.Winner.Name)
	return d, nil
}

// ask runs one chat exchange through the breaker, retrying once.
func (s *LLM) ask(ctx context.Context, prompt string) (string, error) {
	var reply string
	err := util.Retry(ctx, 2, s.retryDelay, func() error {
		out, err := s.breaker.Execute(func() (interface{}, error) {
			return s.chat.Chat(ctx, systemPrompt, prompt)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
				return util.Permanent(err)
			}
			return err
		}
		reply = out.(string)
		return nil
	})
	return reply, err
}

func (s *LLM) fallback(req Request, cause string, err error) Decision {
	s.log.Warn("llm selection failed, using rule-based fallback", "symbol", req.Symbol, "cause", cause, "error", err)
	s.metrics.SelectorDecision(PathFallback)
	d := decide(req, cause)
	d.Path = PathFallback
	return d
}

func (s *LLM) record(ctx context.Context, e store.AuditEntry) {
	if s.audit == nil {
		return
	}
	// The selector context may already be spent; the audit row should
	// still land.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audit.Record(actx, e); err != nil {
		s.log.Error("failed to write llm audit entry", "symbol", e.Symbol, "error", err)
	}
}

// buildPrompt renders the request and the expected reply shape.
func buildPrompt(req Request) (string, error) {
	results, err := json.MarshalIndent(req.Results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding results: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", req.Symbol)
	fmt.Fprintf(&b, "Timeframe: %s\n", req.Timeframe)
	fmt.Fprintf(&b, "Companion index: %s\n", req.IndexSymbol)
	fmt.Fprintf(&b, "Drawdown threshold: %.4f (max_drawdown must be strictly below)\n", req.Threshold)
	fmt.Fprintf(&b, "Last close: %.4f\n\n", req.LastClose)
	b.WriteString("Backtest results by strategy:\n")
	b.Write(results)
	b.WriteString("\n\nReply with JSON of exactly this shape:\n")
	b.WriteString(`{
  "symbol": "` + req.Symbol + `",
  "analysis_date": "YYYY-MM-DD",
  "index_symbol": "` + req.IndexSymbol + `",
  "winning_strategy": {"name": "<strategy or none>", "confidence": 0.0, "expected_return": 0.0, "max_drawdown": 0.0, "sharpe_ratio": 0.0, "reasoning": "..."},
  "signals": {"position": "LONG|SHORT|NEUTRAL", "entry_price": 0.0, "target_price": 0.0, "stop_loss": 0.0, "position_size": 0.0},
  "market_outlook": "...",
  "risk_assessment": "..."
}`)
	b.WriteString("\nFor LONG: stop_loss < entry_price < target_price. For SHORT: target_price < entry_price < stop_loss. position_size is in [0, 1].\n")
	return b.String(), nil
}

// Compile-time interface checks.
var (
	_ Selector = (*LLM)(nil)
	_ Selector = (*RuleBased)(nil)
)
