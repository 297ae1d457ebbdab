// Package selector reduces the per-strategy backtest results of one
// tournament to a single winning strategy and signals packet.
package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"finpod/internal/domain"
)

// Decision paths, used as metric labels and in logs.
const (
	PathLLM      = "llm"
	PathFallback = "fallback"
	PathRule     = "rule"
)

// Fallback causes appended to the rule-based reasoning.
const (
	CauseUnavailable = "llm unavailable"
	CauseMalformed   = "malformed llm response"
	CauseInvalid     = "llm response failed validation"
	CauseCircuitOpen = "llm circuit open"
)

// RuleBasedPhrase is present in the reasoning of every rule-based decision.
const RuleBasedPhrase = "rule-based selection"

// Request carries everything a selector needs for one symbol.
type Request struct {
	Symbol      string
	Timeframe   domain.Timeframe
	IndexSymbol string
	Threshold   float64 // max_drawdown gate, exclusive
	LastClose   float64
	Results     map[string]domain.BacktestResult
}

// Decision is the selector output merged into the tournament record.
type Decision struct {
	Winner         domain.WinningStrategy
	Signals        domain.Signals
	MarketOutlook  string
	RiskAssessment string
	Path           string
}

// Selector picks the winner of a tournament.
type Selector interface {
	Select(ctx context.Context, req Request) (Decision, error)
}

// Qualifies reports whether r may win under threshold.
func Qualifies(r domain.BacktestResult, threshold float64) bool {
	return !r.Dormant &&
		!math.IsNaN(r.MaxDrawdown) && r.MaxDrawdown < threshold &&
		!math.IsNaN(r.SharpeRatio) && r.SharpeRatio > 0
}

// RuleBased is the deterministic selector: the highest Sharpe ratio among
// qualifying strategies wins, ties broken by name.
type RuleBased struct{}

// NewRuleBased returns the deterministic selector.
func NewRuleBased() *RuleBased { return &RuleBased{} }

// Select never fails.
func (RuleBased) Select(_ context.Context, req Request) (Decision, error) {
	d := decide(req, "")
	d.Path = PathRule
	return d, nil
}

// decide implements the rule-based choice. A non-empty cause is recorded in
// the reasoning.
func decide(req Request, cause string) Decision {
	names := make([]string, 0, len(req.Results))
	for name := range req.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	qualified := 0
	for _, name := range names {
		r := req.Results[name]
		if !Qualifies(r, req.Threshold) {
			continue
		}
		qualified++
		if best == "" || r.SharpeRatio > req.Results[best].SharpeRatio {
			best = name
		}
	}

	prefix := RuleBasedPhrase
	if cause != "" {
		prefix += " (" + cause + ")"
	}

	if best == "" {
		return Decision{
			Winner: domain.WinningStrategy{
				Name:       domain.NoWinner,
				Confidence: 0.6,
				Reasoning: fmt.Sprintf("%s: none of %d strategies had positive sharpe with max drawdown below %.1f%%",
					prefix, len(names), req.Threshold*100),
			},
			Signals:        domain.NeutralSignals(req.LastClose),
			MarketOutlook:  fmt.Sprintf("no strategy shows an edge on %s %s bars; stay flat", req.Symbol, req.Timeframe),
			RiskAssessment: fmt.Sprintf("no position taken; drawdown gate %.1f%%", req.Threshold*100),
		}
	}

	r := req.Results[best]
	return Decision{
		Winner: domain.WinningStrategy{
			Name:           best,
			Confidence:     clamp(0.5+0.1*r.SharpeRatio, 0.5, 0.95),
			ExpectedReturn: r.ExpectedReturn,
			MaxDrawdown:    r.MaxDrawdown,
			SharpeRatio:    r.SharpeRatio,
			Reasoning: fmt.Sprintf("%s: %s has the highest sharpe ratio (%.4f) of %d qualifying strategies with max drawdown below %.1f%%",
				prefix, best, r.SharpeRatio, qualified, req.Threshold*100),
		},
		Signals:        r.Signals,
		MarketOutlook:  outlook(req, best, r),
		RiskAssessment: fmt.Sprintf("max drawdown %.2f%% against a %.1f%% gate; position size %.2f", r.MaxDrawdown*100, req.Threshold*100, r.Signals.PositionSize),
	}
}

func outlook(req Request, name string, r domain.BacktestResult) string {
	var b strings.Builder
	switch r.Signals.Position {
	case domain.PositionLong:
		b.WriteString("bullish")
	case domain.PositionShort:
		b.WriteString("bearish")
	default:
		b.WriteString("neutral")
	}
	fmt.Fprintf(&b, " on %s %s bars per %s, expected return %.2f%%", req.Symbol, req.Timeframe, name, r.ExpectedReturn*100)
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
