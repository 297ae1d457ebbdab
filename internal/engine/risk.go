package engine

import (
	"fmt"
	"math"

	"finpod/internal/domain"
)

// RiskManager enforces the record-level risk rules before a tournament
// record is persisted: finite metrics, bounded position sizes, consistent
// signal packets and the drawdown gate on the winner.
type RiskManager struct {
	maxPositionSize float64
	maxDrawdown     float64
}

// NewRiskManager creates a RiskManager with the specified limits.
//
//   - maxPositionSize: upper bound on signals.position_size (at most 1).
//   - maxDrawdown: the winner's max_drawdown must be strictly below this.
func NewRiskManager(maxPositionSize, maxDrawdown float64) *RiskManager {
	if maxPositionSize <= 0 || maxPositionSize > 1 {
		maxPositionSize = 1
	}
	return &RiskManager{
		maxPositionSize: maxPositionSize,
		maxDrawdown:     maxDrawdown,
	}
}

// Sanitize repairs rec in place and returns a description of every
// correction it made. lastClose prices the neutral packet used when the
// record's own packet cannot be trusted.
func (rm *RiskManager) Sanitize(rec *domain.TournamentRecord, lastClose float64) []string {
	var fixes []string

	for name, r := range rec.AllResults {
		r.Finite()
		r.Signals.PositionSize = clamp(r.Signals.PositionSize, 0, 1)
		rec.AllResults[name] = r
	}

	w := &rec.WinningStrategy
	w.Confidence = clamp(domain.Finite(w.Confidence), 0, 1)
	w.ExpectedReturn = domain.Finite(w.ExpectedReturn)
	w.MaxDrawdown = domain.Finite(w.MaxDrawdown)
	w.SharpeRatio = domain.Finite(w.SharpeRatio)

	if w.Name != domain.NoWinner && !(w.MaxDrawdown < rm.maxDrawdown) {
		fixes = append(fixes, fmt.Sprintf("winner %s breaches drawdown gate (%.4f)", w.Name, w.MaxDrawdown))
		*w = domain.WinningStrategy{
			Name:       domain.NoWinner,
			Confidence: 0.6,
			Reasoning:  "winner withdrawn by risk check: max drawdown at or above threshold",
		}
		rec.Signals = domain.NeutralSignals(lastClose)
		return fixes
	}

	s := &rec.Signals
	s.EntryPrice = domain.Finite(s.EntryPrice)
	s.TargetPrice = domain.Finite(s.TargetPrice)
	s.StopLoss = domain.Finite(s.StopLoss)
	if size := clamp(domain.Finite(s.PositionSize), 0, rm.maxPositionSize); size != s.PositionSize {
		fixes = append(fixes, fmt.Sprintf("position size %.4f clamped to %.4f", s.PositionSize, size))
		s.PositionSize = size
	}

	if w.Name == domain.NoWinner && s.Position != domain.PositionNeutral {
		fixes = append(fixes, "no winner but non-neutral packet")
		rec.Signals = domain.NeutralSignals(lastClose)
	} else if !s.Consistent() {
		fixes = append(fixes, fmt.Sprintf("inconsistent %s packet neutralised", s.Position))
		price := s.EntryPrice
		if price <= 0 {
			price = lastClose
		}
		rec.Signals = domain.NeutralSignals(price)
	}
	return fixes
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
