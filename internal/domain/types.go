// Package domain defines the core value types shared by the strategy
// tournament: bars and series, strategy parameters, backtest results and the
// persisted tournament record.
package domain

import (
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Markets and timeframes
// ---------------------------------------------------------------------------

// Market identifies the listing venue a symbol belongs to.
type Market string

const (
	MarketUS Market = "us"
	MarketTW Market = "tw"
)

// Timeframe is the bar interval of a series.
type Timeframe string

const (
	TimeframeDaily  Timeframe = "daily"
	TimeframeHourly Timeframe = "hourly"
)

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	return tf == TimeframeDaily || tf == TimeframeHourly
}

// Companion index symbols used for regime confirmation.
const (
	IndexTW = "^TWII"
	IndexUS = "^IXIC"
)

// IndexFor returns the companion index of a market.
func IndexFor(m Market) string {
	if m == MarketTW {
		return IndexTW
	}
	return IndexUS
}

// SafeSymbol maps a ticker to the form used in file names: "^" is removed,
// "." and "/" become "_".
func SafeSymbol(symbol string) string {
	r := strings.NewReplacer("^", "", ".", "_", "/", "_")
	return r.Replace(symbol)
}

// ---------------------------------------------------------------------------
// Bars and series
// ---------------------------------------------------------------------------

// Bar is one OHLCV row. Timestamp is always UTC.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Series is an ascending, duplicate-free sequence of bars for one
// (symbol, timeframe).
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Bars      []Bar
}

// Len returns the number of bars.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Clone returns a copy whose bar slice does not alias the receiver's.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	bars := make([]Bar, len(s.Bars))
	copy(bars, s.Bars)
	return &Series{Symbol: s.Symbol, Timeframe: s.Timeframe, Bars: bars}
}

// Head returns a copy holding only the first n bars.
func (s *Series) Head(n int) *Series {
	c := s.Clone()
	if n < len(c.Bars) {
		c.Bars = c.Bars[:n]
	}
	return c
}

// LastClose returns the close of the final bar, or 0 for an empty series.
func (s *Series) LastClose() float64 {
	if s.Len() == 0 {
		return 0
	}
	return s.Bars[len(s.Bars)-1].Close
}

func (s *Series) column(f func(Bar) float64) []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = f(b)
	}
	return out
}

func (s *Series) Opens() []float64   { return s.column(func(b Bar) float64 { return b.Open }) }
func (s *Series) Highs() []float64   { return s.column(func(b Bar) float64 { return b.High }) }
func (s *Series) Lows() []float64    { return s.column(func(b Bar) float64 { return b.Low }) }
func (s *Series) Closes() []float64  { return s.column(func(b Bar) float64 { return b.Close }) }
func (s *Series) Volumes() []float64 { return s.column(func(b Bar) float64 { return b.Volume }) }

// Ordered reports whether timestamps are strictly ascending.
func (s *Series) Ordered() bool {
	for i := 1; i < len(s.Bars); i++ {
		if !s.Bars[i].Timestamp.After(s.Bars[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Signals packet and backtest results
// ---------------------------------------------------------------------------

// Position is the directional intent of a signals packet.
type Position string

const (
	PositionLong    Position = "LONG"
	PositionShort   Position = "SHORT"
	PositionNeutral Position = "NEUTRAL"
)

// Valid reports whether p is one of the three known positions.
func (p Position) Valid() bool {
	return p == PositionLong || p == PositionShort || p == PositionNeutral
}

// PositionFromSignal maps a {-1,0,+1} signal to a Position.
func PositionFromSignal(sig int) Position {
	switch {
	case sig > 0:
		return PositionLong
	case sig < 0:
		return PositionShort
	default:
		return PositionNeutral
	}
}

// Signals is the final-bar trade specification emitted by every backtest.
type Signals struct {
	Position     Position `json:"position"`
	EntryPrice   float64  `json:"entry_price"`
	TargetPrice  float64  `json:"target_price"`
	StopLoss     float64  `json:"stop_loss"`
	PositionSize float64  `json:"position_size"`
}

// NeutralSignals returns a flat packet with every price equal to price.
func NeutralSignals(price float64) Signals {
	return Signals{
		Position:    PositionNeutral,
		EntryPrice:  price,
		TargetPrice: price,
		StopLoss:    price,
	}
}

// Consistent reports whether the packet satisfies the price-ordering and
// sizing rules for its position.
func (s Signals) Consistent() bool {
	if !s.Position.Valid() || s.PositionSize < 0 || s.PositionSize > 1 {
		return false
	}
	switch s.Position {
	case PositionLong:
		return s.StopLoss < s.EntryPrice && s.EntryPrice < s.TargetPrice
	case PositionShort:
		return s.TargetPrice < s.EntryPrice && s.EntryPrice < s.StopLoss
	default:
		return s.StopLoss == s.EntryPrice && s.EntryPrice == s.TargetPrice
	}
}

// BacktestResult is produced by one strategy on one series.
type BacktestResult struct {
	StrategyType   string   `json:"strategy_type"`
	SharpeRatio    float64  `json:"sharpe_ratio"`
	MaxDrawdown    float64  `json:"max_drawdown"`
	ExpectedReturn float64  `json:"expected_return"`
	Signals        Signals  `json:"signals"`
	WinRate        *float64 `json:"win_rate,omitempty"`
	TotalTrades    *int     `json:"total_trades,omitempty"`
	Accuracy       *float64 `json:"accuracy,omitempty"`
	Dormant        bool     `json:"dormant,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// Finite coerces every NaN or infinite metric to 0.
func (r *BacktestResult) Finite() {
	r.SharpeRatio = Finite(r.SharpeRatio)
	r.MaxDrawdown = Finite(r.MaxDrawdown)
	r.ExpectedReturn = Finite(r.ExpectedReturn)
	r.Signals.EntryPrice = Finite(r.Signals.EntryPrice)
	r.Signals.TargetPrice = Finite(r.Signals.TargetPrice)
	r.Signals.StopLoss = Finite(r.Signals.StopLoss)
	r.Signals.PositionSize = Finite(r.Signals.PositionSize)
	if r.WinRate != nil {
		v := Finite(*r.WinRate)
		r.WinRate = &v
	}
	if r.Accuracy != nil {
		v := Finite(*r.Accuracy)
		r.Accuracy = &v
	}
}

// Finite returns v, or 0 when v is NaN or infinite.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ---------------------------------------------------------------------------
// Tournament record
// ---------------------------------------------------------------------------

// NoWinner is the winning strategy name used when nothing qualifies.
const NoWinner = "none"

// WinningStrategy summarises the selected strategy of a tournament.
type WinningStrategy struct {
	Name           string  `json:"name"`
	Confidence     float64 `json:"confidence"`
	ExpectedReturn float64 `json:"expected_return"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	Reasoning      string  `json:"reasoning"`
}

// TournamentRecord is the per-symbol, per-day artifact. Field order is the
// on-disk key order.
type TournamentRecord struct {
	Symbol          string                    `json:"symbol"`
	AnalysisDate    string                    `json:"analysis_date"`
	IndexSymbol     string                    `json:"index_symbol"`
	Timeframe       Timeframe                 `json:"timeframe"`
	WinningStrategy WinningStrategy           `json:"winning_strategy"`
	Signals         Signals                   `json:"signals"`
	BestParameters  map[string]Params         `json:"best_parameters"`
	AllResults      map[string]BacktestResult `json:"all_results"`
	MarketOutlook   string                    `json:"market_outlook"`
	RiskAssessment  string                    `json:"risk_assessment"`
}
