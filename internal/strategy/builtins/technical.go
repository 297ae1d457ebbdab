package builtins

import (
	"context"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/indicator"
	"finpod/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Technical)(nil)

// Technical is a mean-reversion strategy that needs RSI, MACD and the
// Bollinger bands to agree, gated by sentiment. It goes long when RSI is
// oversold, MACD is above its signal line, the close is at or below the
// lower band and sentiment is above the positive gate; the short rule
// mirrors it.
type Technical struct {
	paramSet
}

// NewTechnical creates the technical strategy with configured overrides.
func NewTechnical(spec config.ParamSpec) *Technical {
	return &Technical{newParamSet(NameTechnical, domain.Params{
		"rsi_window":              14,
		"rsi_buy_threshold":       30.0,
		"rsi_sell_threshold":      70.0,
		"sma_window":              20,
		"bollinger_k":             2.0,
		"macd_fast":               12,
		"macd_slow":               26,
		"macd_signal":             9,
		"sentiment_positive_gate": 0.0,
		"sentiment_negative_gate": 0.0,
	}, map[string][]any{
		"rsi_window":         {10, 14},
		"rsi_buy_threshold":  {25.0, 30.0},
		"rsi_sell_threshold": {70.0, 75.0},
	}, spec)}
}

// MinDataLength covers the slowest indicator: the MACD signal line.
func (t *Technical) MinDataLength(p domain.Params) int {
	return max(p.Int("rsi_window", 14)+1, p.Int("sma_window", 20), p.Int("macd_slow", 26)+p.Int("macd_signal", 9)-1)
}

// Generate computes one signal per bar.
func (t *Technical) Generate(_ context.Context, in strategy.Input, p domain.Params) (strategy.Output, error) {
	closes := in.Series.Closes()
	rsi := indicator.RSI(closes, p.Int("rsi_window", 14))
	macd, macdSig, _ := indicator.MACD(closes, p.Int("macd_fast", 12), p.Int("macd_slow", 26), p.Int("macd_signal", 9))
	upper, _, lower := indicator.Bollinger(closes, p.Int("sma_window", 20), p.Float("bollinger_k", 2))

	buy := p.Float("rsi_buy_threshold", 30)
	sell := p.Float("rsi_sell_threshold", 70)
	posGate := p.Float("sentiment_positive_gate", 0)
	negGate := p.Float("sentiment_negative_gate", 0)
	sent := in.Sentiment

	signal := make([]int, len(closes))
	for i, c := range closes {
		switch {
		case lt(rsi[i], buy) && gt(macd[i], macdSig[i]) && le(c, lower[i]) && sent > posGate:
			signal[i] = 1
		case gt(rsi[i], sell) && lt(macd[i], macdSig[i]) && ge(c, upper[i]) && sent < negGate:
			signal[i] = -1
		}
	}
	return strategy.Output{Signal: signal}, nil
}
