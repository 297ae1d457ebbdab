package builtins

import (
	"context"
	"fmt"
	"math"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/forest"
	"finpod/internal/indicator"
	"finpod/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*RandomForest)(nil)

const (
	rfRSIWindow = 14
	rfSMAWindow = 20
	// minTrainRows is the smallest training set worth fitting.
	minTrainRows = 20
)

// RandomForest classifies whether the next bar's return beats a threshold
// from open, high, low, close, volume, RSI(14) and SMA(20). It trains on the
// chronologically first part of the labelled rows and trades the rest.
type RandomForest struct {
	paramSet
}

// NewRandomForest creates the random_forest strategy with configured
// overrides.
func NewRandomForest(spec config.ParamSpec) *RandomForest {
	return &RandomForest{newParamSet(NameRandomForest, domain.Params{
		"n_estimators":     100,
		"max_depth":        5,
		"min_samples_leaf": 2,
		"test_size":        0.2,
		"return_threshold": 0.0,
		"random_state":     42,
	}, map[string][]any{
		"n_estimators": {50, 100},
		"max_depth":    {5, 8},
	}, spec)}
}

func (r *RandomForest) MinDataLength(p domain.Params) int {
	testSize := math.Max(0.05, math.Min(0.95, p.Float("test_size", 0.2)))
	labelled := int(math.Ceil(minTrainRows/(1-testSize))) + 1
	return rfSMAWindow - 1 + labelled + 1
}

// Generate fits the forest and maps predictions {0,1} to {-1,+1} on the
// held-out tail and on the final, unlabelled bar. Earlier bars stay 0.
func (r *RandomForest) Generate(ctx context.Context, in strategy.Input, p domain.Params) (strategy.Output, error) {
	s := in.Series
	closes := s.Closes()
	n := len(closes)
	rsi := indicator.RSI(closes, rfRSIWindow)
	sma := indicator.SMA(closes, rfSMAWindow)

	// Rows with a complete feature vector, in bar order.
	var rows []int
	var X [][]float64
	for i, b := range s.Bars {
		f := []float64{b.Open, b.High, b.Low, b.Close, b.Volume, rsi[i], sma[i]}
		if hasNaN(f) {
			continue
		}
		rows = append(rows, i)
		X = append(X, f)
	}

	threshold := p.Float("return_threshold", 0)
	labelled := 0
	y := make([]int, 0, len(rows))
	for _, i := range rows {
		if i+1 >= n || closes[i] == 0 {
			break
		}
		if closes[i+1]/closes[i]-1 > threshold {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
		labelled++
	}

	testSize := math.Max(0.05, math.Min(0.95, p.Float("test_size", 0.2)))
	split := int(float64(labelled) * (1 - testSize))
	if split < minTrainRows || split >= labelled {
		return strategy.Output{}, fmt.Errorf("%w: %d labelled rows", strategy.ErrInsufficientData, labelled)
	}

	model, err := forest.Fit(ctx, X[:split], y[:split], forest.Config{
		NEstimators:    p.Int("n_estimators", 100),
		MaxDepth:       p.Int("max_depth", 5),
		MinSamplesLeaf: p.Int("min_samples_leaf", 2),
		Seed:           uint64(p.Int("random_state", 42)),
	})
	if err != nil {
		return strategy.Output{}, fmt.Errorf("training forest: %w", err)
	}

	pred := model.PredictAll(X[split:labelled])
	acc := forest.Accuracy(pred, y[split:labelled])

	signal := make([]int, n)
	for k := split; k < len(rows); k++ {
		if model.Predict(X[k]) == 1 {
			signal[rows[k]] = 1
		} else {
			signal[rows[k]] = -1
		}
	}
	return strategy.Output{Signal: signal, Accuracy: &acc}, nil
}

func hasNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}
