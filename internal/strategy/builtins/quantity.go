package builtins

import (
	"context"
	"math"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/indicator"
	"finpod/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Quantity)(nil)

// Quantity is a volume-breakout strategy. It walks the series once with an
// entry price: flat goes long on a volume spike with a rising close; long
// goes flat on take-profit, then stop-loss, then a low-volume down bar.
// Entry bars carry +1, exit bars -1.
type Quantity struct {
	paramSet
}

// NewQuantity creates the quantity strategy with configured overrides.
func NewQuantity(spec config.ParamSpec) *Quantity {
	return &Quantity{newParamSet(NameQuantity, domain.Params{
		"volume_ma_period":  20,
		"volume_multiplier": 1.5,
		"stop_profit":       0.05,
		"stop_loss":         0.03,
		"risk_per_trade":    0.02,
	}, map[string][]any{
		"volume_ma_period":  {10, 20},
		"volume_multiplier": {1.5, 2.0},
		"stop_profit":       {0.03, 0.05},
		"stop_loss":         {0.02, 0.03},
	}, spec)}
}

func (q *Quantity) MinDataLength(p domain.Params) int {
	return p.Int("volume_ma_period", 20) + 1
}

// trade is one closed (or marked-to-market) round trip.
type trade struct {
	entry, exit float64
}

// Generate runs the entry/exit state machine. A position still open on the
// final bar counts as a trade at the final close but emits no exit signal.
func (q *Quantity) Generate(_ context.Context, in strategy.Input, p domain.Params) (strategy.Output, error) {
	closes := in.Series.Closes()
	ratio := indicator.VolumeRatio(in.Series.Volumes(), p.Int("volume_ma_period", 20))
	mult := p.Float("volume_multiplier", 1.5)
	takeProfit := 1 + p.Float("stop_profit", 0.05)
	stopLoss := 1 - p.Float("stop_loss", 0.03)

	signal := make([]int, len(closes))
	var trades []trade
	long := false
	var entry float64

	for i := 1; i < len(closes); i++ {
		c, prev, vr := closes[i], closes[i-1], ratio[i]
		if !long {
			if gt(vr, mult) && c > prev {
				signal[i] = 1
				long, entry = true, c
			}
			continue
		}
		exit := c >= entry*takeProfit ||
			c <= entry*stopLoss ||
			(lt(vr, 1) && c < prev)
		if exit {
			signal[i] = -1
			trades = append(trades, trade{entry: entry, exit: c})
			long = false
		}
	}
	if long {
		trades = append(trades, trade{entry: entry, exit: closes[len(closes)-1]})
	}

	wins := 0
	for _, t := range trades {
		if t.exit > t.entry {
			wins++
		}
	}
	total := len(trades)
	winRate := 0.0
	if total > 0 {
		winRate = float64(wins) / float64(total)
	}

	out := strategy.Output{Signal: signal, WinRate: &winRate, TotalTrades: &total}
	if sl := p.Float("stop_loss", 0.03); sl > 0 {
		out.SizeCap = math.Min(1, p.Float("risk_per_trade", 0.02)/sl)
	}
	return out, nil
}
