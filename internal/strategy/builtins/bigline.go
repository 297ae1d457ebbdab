package builtins

import (
	"context"
	"fmt"
	"time"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/indicator"
	"finpod/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*BigLine)(nil)

// volEpsilon keeps the volume factor finite on zero-volume windows.
const volEpsilon = 1e-9

// BigLine trades a volume-weighted blend of three moving averages, confirmed
// by the regime of the companion index.
type BigLine struct {
	paramSet
}

// NewBigLine creates the bigline strategy with configured overrides.
func NewBigLine(spec config.ParamSpec) *BigLine {
	return &BigLine{newParamSet(NameBigLine, domain.Params{
		"weights":          []float64{0.5, 0.3, 0.2},
		"ma_short":         5,
		"ma_mid":           20,
		"ma_long":          60,
		"volume_window":    20,
		"index_rsi_window": 14,
		"index_rsi_upper":  70.0,
		"index_rsi_lower":  30.0,
		"sentiment_gate":   0.0,
	}, map[string][]any{
		"weights": {
			[]float64{0.5, 0.3, 0.2},
			[]float64{0.6, 0.3, 0.1},
			[]float64{0.4, 0.4, 0.2},
		},
	}, spec)}
}

// MinDataLength needs the long average plus one bar for the slope.
func (b *BigLine) MinDataLength(p domain.Params) int {
	return max(p.Int("ma_long", 60), p.Int("volume_window", 20), p.Int("index_rsi_window", 14)+1) + 1
}

// weights returns the three blend weights normalised to sum to one.
func weights(p domain.Params) ([3]float64, error) {
	w := p.Floats("weights", nil)
	if len(w) != 3 {
		return [3]float64{}, fmt.Errorf("bigline: want 3 weights, got %v", p["weights"])
	}
	sum := w[0] + w[1] + w[2]
	if sum <= 0 {
		return [3]float64{}, fmt.Errorf("bigline: weights %v do not sum to a positive value", w)
	}
	return [3]float64{w[0] / sum, w[1] / sum, w[2] / sum}, nil
}

// Generate joins the symbol with its index on timestamp and scores the
// joined frame; Output.Closes are the symbol closes of that frame.
func (b *BigLine) Generate(_ context.Context, in strategy.Input, p domain.Params) (strategy.Output, error) {
	if in.Index.Len() == 0 {
		return strategy.Output{}, fmt.Errorf("%w: no companion index series", strategy.ErrInsufficientData)
	}
	w, err := weights(p)
	if err != nil {
		return strategy.Output{}, err
	}

	sym, idx := join(in.Series, in.Index)
	if need := b.MinDataLength(p); sym.Len() < need {
		return strategy.Output{}, fmt.Errorf("%w: %d bars shared with index, need %d", strategy.ErrInsufficientData, sym.Len(), need)
	}

	short, mid, long := p.Int("ma_short", 5), p.Int("ma_mid", 20), p.Int("ma_long", 60)
	closes := sym.Closes()
	volumes := sym.Volumes()
	sS, sM, sL := indicator.SMA(closes, short), indicator.SMA(closes, mid), indicator.SMA(closes, long)
	volMax := indicator.RollingMax(volumes, p.Int("volume_window", 20))

	weighted := make([]float64, len(closes))
	for i := range closes {
		line := w[0]*sS[i] + w[1]*sM[i] + w[2]*sL[i]
		weighted[i] = line * (1 + volumes[i]/(volMax[i]+volEpsilon))
	}
	slope := indicator.Diff(weighted)

	ic := idx.Closes()
	iS, iM, iL := indicator.SMA(ic, short), indicator.SMA(ic, mid), indicator.SMA(ic, long)
	iRSI := indicator.RSI(ic, p.Int("index_rsi_window", 14))
	upper, lower := p.Float("index_rsi_upper", 70), p.Float("index_rsi_lower", 30)
	gate := p.Float("sentiment_gate", 0)

	signal := make([]int, len(closes))
	for i := range closes {
		symBull := gt(sS[i], sM[i]) && gt(sM[i], sL[i])
		idxBull := gt(iS[i], iM[i]) && gt(iM[i], iL[i])
		idxDefined := !isNaN(iS[i]) && !isNaN(iM[i]) && !isNaN(iL[i])
		switch {
		case gt(slope[i], 0) && symBull && idxBull && lt(iRSI[i], upper) && in.Sentiment >= gate:
			signal[i] = 1
		case lt(slope[i], 0) && idxDefined && !idxBull && gt(iRSI[i], lower) && in.Sentiment <= -gate:
			signal[i] = -1
		}
	}
	return strategy.Output{Signal: signal, Closes: closes}, nil
}

// join keeps the bars whose timestamp appears in both series, in order.
func join(sym, idx *domain.Series) (*domain.Series, *domain.Series) {
	byTime := make(map[time.Time]domain.Bar, idx.Len())
	for _, b := range idx.Bars {
		byTime[b.Timestamp] = b
	}
	js := &domain.Series{Symbol: sym.Symbol, Timeframe: sym.Timeframe}
	ji := &domain.Series{Symbol: idx.Symbol, Timeframe: idx.Timeframe}
	for _, b := range sym.Bars {
		ib, ok := byTime[b.Timestamp]
		if !ok {
			continue
		}
		js.Bars = append(js.Bars, b)
		ji.Bars = append(ji.Bars, ib)
	}
	return js, ji
}

func isNaN(v float64) bool { return v != v }
