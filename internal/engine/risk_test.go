package engine

import (
	"math"
	"testing"

	"finpod/internal/domain"
)

func record(w domain.WinningStrategy, s domain.Signals) *domain.TournamentRecord {
	return &domain.TournamentRecord{
		WinningStrategy: w,
		Signals:         s,
		AllResults: map[string]domain.BacktestResult{
			"technical": {SharpeRatio: math.NaN(), MaxDrawdown: 0.05, Signals: domain.Signals{PositionSize: 4}},
		},
	}
}

func TestSanitizeCleanRecordUntouched(t *testing.T) {
	rm := NewRiskManager(1, 0.15)
	rec := record(
		domain.WinningStrategy{Name: "technical", Confidence: 0.7, MaxDrawdown: 0.05, SharpeRatio: 1},
		domain.Signals{Position: domain.PositionLong, EntryPrice: 100, TargetPrice: 103, StopLoss: 97, PositionSize: 0.1},
	)
	if fixes := rm.Sanitize(rec, 100); len(fixes) != 0 {
		t.Errorf("fixes = %v, want none", fixes)
	}
	r := rec.AllResults["technical"]
	if r.SharpeRatio != 0 || r.Signals.PositionSize != 1 {
		t.Errorf("result not coerced: sharpe %v size %v", r.SharpeRatio, r.Signals.PositionSize)
	}
}

func TestSanitizeGateBreach(t *testing.T) {
	rm := NewRiskManager(1, 0.15)
	rec := record(
		domain.WinningStrategy{Name: "technical", Confidence: 0.9, MaxDrawdown: 0.15, SharpeRatio: 3},
		domain.Signals{Position: domain.PositionLong, EntryPrice: 100, TargetPrice: 103, StopLoss: 97, PositionSize: 0.1},
	)
	if fixes := rm.Sanitize(rec, 101); len(fixes) != 1 {
		t.Errorf("fixes = %v, want one", fixes)
	}
	if rec.WinningStrategy.Name != domain.NoWinner || rec.Signals != domain.NeutralSignals(101) {
		t.Errorf("record = %+v, want none/neutral at 101", rec)
	}
}

func TestSanitizeInconsistentPacket(t *testing.T) {
	rm := NewRiskManager(0.5, 0.15)
	rec := record(
		domain.WinningStrategy{Name: "technical", Confidence: 2, MaxDrawdown: 0.01},
		domain.Signals{Position: domain.PositionShort, EntryPrice: 100, TargetPrice: 103, StopLoss: 97, PositionSize: 0.9},
	)
	fixes := rm.Sanitize(rec, 100)
	if len(fixes) != 2 {
		t.Errorf("fixes = %v, want size clamp and neutralisation", fixes)
	}
	if rec.Signals.Position != domain.PositionNeutral || rec.Signals.EntryPrice != 100 {
		t.Errorf("signals = %+v, want neutral at 100", rec.Signals)
	}
	if rec.WinningStrategy.Confidence != 1 {
		t.Errorf("confidence = %v, want clamp at 1", rec.WinningStrategy.Confidence)
	}
}
