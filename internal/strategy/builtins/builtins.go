// Package builtins provides the four strategies that compete in every
// tournament: technical, quantity, bigline and random_forest.
package builtins

import (
	"math"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/strategy"
)

// Strategy names, used as keys in results and artifacts.
const (
	NameTechnical    = "technical"
	NameQuantity     = "quantity"
	NameBigLine      = "bigline"
	NameRandomForest = "random_forest"
)

// All returns every built-in strategy configured from cfg.
func All(cfg *config.Config) []strategy.Strategy {
	return []strategy.Strategy{
		NewTechnical(cfg.TechnicalParams),
		NewQuantity(cfg.StrategyParams.QuantityParams),
		NewBigLine(cfg.StrategyParams.BigLineParams),
		NewRandomForest(cfg.MLParams),
	}
}

// NewRegistry returns a registry holding All(cfg).
func NewRegistry(cfg *config.Config) *strategy.Registry {
	return strategy.NewRegistry(All(cfg)...)
}

// paramSet is the name, defaults and grid shared by every built-in.
type paramSet struct {
	name     string
	defaults domain.Params
	grid     map[string][]any
}

// newParamSet overlays configured defaults on the built-in ones. A configured
// grid replaces the built-in grid entirely.
func newParamSet(name string, defaults domain.Params, grid map[string][]any, spec config.ParamSpec) paramSet {
	ps := paramSet{name: name, defaults: defaults.Merge(spec.Defaults), grid: grid}
	if len(spec.Grid) > 0 {
		ps.grid = spec.Grid
	}
	return ps
}

func (ps paramSet) Name() string { return ps.name }

func (ps paramSet) DefaultParams() domain.Params { return ps.defaults.Clone() }

func (ps paramSet) Grid() map[string][]any {
	out := make(map[string][]any, len(ps.grid))
	for k, v := range ps.grid {
		out[k] = append([]any(nil), v...)
	}
	return out
}

// Comparisons that are false whenever either side is undefined.
func gt(a, b float64) bool { return !math.IsNaN(a) && !math.IsNaN(b) && a > b }
func lt(a, b float64) bool { return !math.IsNaN(a) && !math.IsNaN(b) && a < b }
func ge(a, b float64) bool { return !math.IsNaN(a) && !math.IsNaN(b) && a >= b }
func le(a, b float64) bool { return !math.IsNaN(a) && !math.IsNaN(b) && a <= b }
