// Package strategy defines the Strategy interface shared by every tournament
// participant, a Registry for enumerating them and the Backtester that turns
// a strategy's signal sequence into a scored BacktestResult.
package strategy

import (
	"context"
	"errors"
	"sort"

	"finpod/internal/domain"
)

// ErrInsufficientData is returned by Generate when the inputs cannot support
// the strategy (for example a missing companion index). The Backtester turns
// it into a dormant result instead of a failure.
var ErrInsufficientData = errors.New("insufficient data")

// Input is everything a strategy may look at for one backtest.
type Input struct {
	Symbol    string
	Timeframe domain.Timeframe
	Series    *domain.Series
	// Index is the companion index series; nil when unavailable.
	Index *domain.Series
	// Sentiment is the symbol's sentiment score in [-1, 1].
	Sentiment float64
}

// Output is a strategy's signal sequence plus optional extras.
type Output struct {
	// Signal holds one value in {-1, 0, +1} per bar of Closes.
	Signal []int
	// Closes is the close series Signal is aligned with. Nil means the
	// closes of Input.Series.
	Closes []float64

	WinRate     *float64
	TotalTrades *int
	Accuracy    *float64

	// SizeCap, when positive, caps the packet's position size.
	SizeCap float64
}

// Strategy is the interface that all tournament strategies implement.
// Implementations are stateless: parameters arrive with every call, so one
// value may serve concurrent backtests.
type Strategy interface {
	// Name returns the unique key used in results and artifacts.
	Name() string

	// DefaultParams returns a fresh copy of the default parameters.
	DefaultParams() domain.Params

	// Grid returns the discrete search space explored by the optimizer.
	Grid() map[string][]any

	// MinDataLength returns the minimum bar count needed under p.
	MinDataLength(p domain.Params) int

	// Generate computes the strategy's signal sequence. It must only use
	// bars up to i when deciding signal i.
	Generate(ctx context.Context, in Input, p domain.Params) (Output, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates a Registry holding the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy),
	}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered strategies sorted by name.
func (r *Registry) All() []Strategy {
	names := r.List()
	out := make([]Strategy, len(names))
	for i, n := range names {
		out[i] = r.strategies[n]
	}
	return out
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int { return len(r.strategies) }
