package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/indicator"
)

// pricePlaces is the number of decimal places kept on packet prices.
const pricePlaces = 4

// stdEpsilon treats a return deviation below it as zero, so a constant
// return stream does not produce a huge Sharpe ratio from rounding noise.
const stdEpsilon = 1e-12

// Metrics are the scored outcome of one signal sequence.
type Metrics struct {
	SharpeRatio    float64
	MaxDrawdown    float64
	ExpectedReturn float64
}

// Backtester scores strategy signals with one shared algorithm. It holds
// only configuration and is safe for concurrent use.
type Backtester struct {
	params config.StrategyParams
}

// NewBacktester creates a Backtester using the given scoring constants.
func NewBacktester(params config.StrategyParams) *Backtester {
	return &Backtester{params: params}
}

// Backtest runs s over in with p overlaid on the strategy defaults. Inputs
// that fail the preconditions (empty, too short, unordered) and strategies
// reporting ErrInsufficientData produce a dormant neutral result rather than
// an error. Other errors from the strategy are returned.
func (b *Backtester) Backtest(ctx context.Context, s Strategy, in Input, p domain.Params) (domain.BacktestResult, error) {
	params := s.DefaultParams().Merge(p)

	if in.Series.Len() == 0 {
		return Dormant(s.Name(), 0, "no price data"), nil
	}
	last := in.Series.LastClose()
	if need := s.MinDataLength(params); in.Series.Len() < need {
		return Dormant(s.Name(), last, fmt.Sprintf("insufficient data: %d bars, need %d", in.Series.Len(), need)), nil
	}
	if !in.Series.Ordered() {
		return Dormant(s.Name(), last, "bars not strictly time-ordered"), nil
	}

	in.Series = in.Series.Clone()
	in.Index = in.Index.Clone()
	seriesCloses := in.Series.Closes()
	out, err := s.Generate(ctx, in, params)
	if errors.Is(err, ErrInsufficientData) {
		return Dormant(s.Name(), last, err.Error()), nil
	}
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("%s: %w", s.Name(), err)
	}

	closes := out.Closes
	if closes == nil {
		closes = seriesCloses
	}
	if len(out.Signal) != len(closes) {
		return domain.BacktestResult{}, fmt.Errorf("%s: %d signals for %d bars", s.Name(), len(out.Signal), len(closes))
	}
	if len(closes) == 0 {
		return Dormant(s.Name(), last, "no bars after alignment"), nil
	}

	m := b.Score(out.Signal, closes, in.Timeframe)
	size := b.params.PositionSize
	if out.SizeCap > 0 {
		size = min(size, out.SizeCap)
	}
	res := domain.BacktestResult{
		StrategyType:   s.Name(),
		SharpeRatio:    m.SharpeRatio,
		MaxDrawdown:    m.MaxDrawdown,
		ExpectedReturn: m.ExpectedReturn,
		Signals:        b.Packet(out.Signal[len(out.Signal)-1], closes[len(closes)-1], in.Timeframe, size),
		WinRate:        out.WinRate,
		TotalTrades:    out.TotalTrades,
		Accuracy:       out.Accuracy,
	}
	res.Finite()
	return res, nil
}

// Dormant returns the neutral result of a strategy that could not run.
func Dormant(name string, lastClose float64, note string) domain.BacktestResult {
	p := round(domain.Finite(lastClose))
	return domain.BacktestResult{
		StrategyType: name,
		Signals:      domain.NeutralSignals(p),
		Dormant:      true,
		Note:         note,
	}
}

// Score computes Sharpe ratio, maximum drawdown and expected return of a
// signal sequence against closes. Position i is acted on at bar i+1:
// strategy_return[i] = pct_change(close)[i] * signal[i-1].
func (b *Backtester) Score(signal []int, closes []float64, tf domain.Timeframe) Metrics {
	n := min(len(signal), len(closes))
	pct := indicator.PctChange(closes[:n])
	rets := make([]float64, 0, n)
	for i := 1; i < n; i++ {
		r := pct[i] * float64(sign(signal[i-1]))
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		rets = append(rets, r)
	}
	if len(rets) == 0 {
		return Metrics{}
	}

	mean, std := meanStd(rets)
	var m Metrics
	if std > stdEpsilon {
		m.SharpeRatio = mean / std * math.Sqrt(b.params.SharpeAnnualization(tf))
	}
	m.ExpectedReturn = mean * b.params.ReturnAnnualization(tf)

	var cum, peak float64
	peak = math.Inf(-1)
	for _, r := range rets {
		cum += r
		peak = max(peak, cum)
		m.MaxDrawdown = max(m.MaxDrawdown, peak-cum)
	}

	m.SharpeRatio = domain.Finite(m.SharpeRatio)
	m.MaxDrawdown = domain.Finite(m.MaxDrawdown)
	m.ExpectedReturn = domain.Finite(m.ExpectedReturn)
	return m
}

// Packet builds the final-bar signals packet for signal at price close.
// SHORT targets and stops mirror the LONG ratios around the entry.
func (b *Backtester) Packet(signal int, close float64, tf domain.Timeframe, size float64) domain.Signals {
	pos := domain.PositionFromSignal(signal)
	if pos == domain.PositionNeutral || close <= 0 {
		return domain.NeutralSignals(round(domain.Finite(close)))
	}
	entry := decimal.NewFromFloat(close)
	mult := decimal.NewFromFloat(b.params.Multiplier(tf))
	stop := decimal.NewFromFloat(b.params.StopLossRatio)
	two := decimal.NewFromInt(2)
	if pos == domain.PositionShort {
		mult = two.Sub(mult)
		stop = two.Sub(stop)
	}
	return domain.Signals{
		Position:     pos,
		EntryPrice:   entry.Round(pricePlaces).InexactFloat64(),
		TargetPrice:  entry.Mul(mult).Round(pricePlaces).InexactFloat64(),
		StopLoss:     entry.Mul(stop).Round(pricePlaces).InexactFloat64(),
		PositionSize: max(0, min(1, size)),
	}
}

func round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricePlaces).InexactFloat64()
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// meanStd returns the mean and the sample (n-1) standard deviation; the
// deviation is NaN for fewer than two values.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, math.NaN()
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
