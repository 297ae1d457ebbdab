// Package optimizer searches a strategy's discrete parameter grid for the
// combination with the best Sharpe ratio under the drawdown gate.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"finpod/internal/domain"
	"finpod/internal/metrics"
	"finpod/internal/strategy"
)

// smallGrid is the largest grid evaluated with one goroutine per
// combination; larger grids go through a bounded worker pool.
const smallGrid = 10

// ErrTaskTimeout is recorded for a combination that exceeded its budget.
var ErrTaskTimeout = errors.New("optimizer task timed out")

// Result is the outcome of one optimization.
type Result struct {
	Result domain.BacktestResult
	Params domain.Params
	// Evaluated counts combinations that produced a result; Failed counts
	// errors, panics and timeouts.
	Evaluated int
	Failed    int
	// FromDefaults is set when no combination passed the gate and the
	// default parameters were used instead.
	FromDefaults bool
}

// Optimizer runs grid searches. It is safe for concurrent use.
type Optimizer struct {
	bt          *strategy.Backtester
	threshold   float64
	taskTimeout time.Duration
	maxWorkers  int
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithTaskTimeout sets the per-combination time budget.
func WithTaskTimeout(d time.Duration) Option { return func(o *Optimizer) { o.taskTimeout = d } }

// WithMaxWorkers bounds the worker pool used for large grids.
func WithMaxWorkers(n int) Option { return func(o *Optimizer) { o.maxWorkers = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Optimizer) { o.log = l } }

// WithMetrics reports per-combination outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Optimizer) { o.metrics = m } }

// New creates an Optimizer gating on maxDrawdown < threshold.
func New(bt *strategy.Backtester, threshold float64, opts ...Option) *Optimizer {
	o := &Optimizer{
		bt:          bt,
		threshold:   threshold,
		taskTimeout: 300 * time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxWorkers <= 0 {
		o.maxWorkers = runtime.GOMAXPROCS(0)
	}
	o.log = o.log.With("component", "optimizer")
	return o
}

// Workers returns the size of the pool used for large grids.
func (o *Optimizer) Workers() int { return o.maxWorkers }

// Combinations expands grid into its Cartesian product. Keys are iterated
// in sorted order so the sequence is stable; the last key varies fastest.
func Combinations(grid map[string][]any) []domain.Params {
	keys := make([]string, 0, len(grid))
	for k, vs := range grid {
		if len(vs) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	combos := []domain.Params{{}}
	for _, k := range keys {
		next := make([]domain.Params, 0, len(combos)*len(grid[k]))
		for _, c := range combos {
			for _, v := range grid[k] {
				p := c.Clone()
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	return combos
}

type outcome struct {
	res domain.BacktestResult
	err error
}

// Optimize evaluates every combination of s.Grid() overlaid on the defaults
// and returns the best one by Sharpe ratio among results passing the
// drawdown gate; ties go to the earlier combination. An empty grid, or a
// grid where nothing passes, yields the default-parameter result. Individual
// failures are logged and skipped. Only a failing default run is an error.
func (o *Optimizer) Optimize(ctx context.Context, s strategy.Strategy, in strategy.Input) (Result, error) {
	defaults := s.DefaultParams()
	combos := Combinations(s.Grid())
	if len(combos) == 0 {
		return o.runDefaults(ctx, s, in, defaults, Result{})
	}

	params := make([]domain.Params, len(combos))
	for i, c := range combos {
		params[i] = defaults.Merge(c)
	}
	outcomes := o.evaluate(ctx, s, in, params)

	var res Result
	best, bestScore := -1, math.Inf(-1)
	for i, oc := range outcomes {
		if oc.err != nil {
			res.Failed++
			continue
		}
		res.Evaluated++
		if score := o.score(oc.res); score > bestScore {
			best, bestScore = i, score
		}
	}

	o.log.Debug("grid evaluated",
		"strategy", s.Name(), "symbol", in.Symbol,
		"combinations", len(params), "failed", res.Failed, "best", best)

	if best < 0 {
		return o.runDefaults(ctx, s, in, defaults, res)
	}
	res.Result = outcomes[best].res
	res.Params = params[best]
	return res, nil
}

// score is the Sharpe ratio of a live result passing the gate, else -Inf.
func (o *Optimizer) score(r domain.BacktestResult) float64 {
	if r.Dormant || !(r.MaxDrawdown < o.threshold) {
		return math.Inf(-1)
	}
	return r.SharpeRatio
}

func (o *Optimizer) runDefaults(ctx context.Context, s strategy.Strategy, in strategy.Input, defaults domain.Params, res Result) (Result, error) {
	r, err := o.bt.Backtest(ctx, s, in, defaults)
	if err != nil {
		return res, fmt.Errorf("default parameters: %w", err)
	}
	res.Result = r
	res.Params = defaults
	res.FromDefaults = true
	return res, nil
}

// evaluate runs every parameter set and returns the outcomes in input order.
// Small grids get one goroutine each; larger ones share maxWorkers workers.
func (o *Optimizer) evaluate(ctx context.Context, s strategy.Strategy, in strategy.Input, params []domain.Params) []outcome {
	out := make([]outcome, len(params))
	workers := len(params)
	if workers > smallGrid {
		workers = min(o.maxWorkers, len(params))
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = o.runTask(ctx, s, in, params[i])
			}
		}()
	}
	for i := range params {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

// runTask backtests one combination under the task timeout. The backtest
// runs in its own goroutine so a strategy that ignores its context cannot
// hold the worker past the deadline; its late result is discarded.
func (o *Optimizer) runTask(ctx context.Context, s strategy.Strategy, in strategy.Input, p domain.Params) outcome {
	ctx, cancel := context.WithTimeout(ctx, o.taskTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := o.bt.Backtest(ctx, s, in, p.Clone())
		done <- outcome{res: res, err: err}
	}()

	var oc outcome
	select {
	case oc = <-done:
	case <-ctx.Done():
		oc.err = ErrTaskTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			oc.err = ctx.Err()
		}
	}

	switch {
	case oc.err == nil:
		o.metrics.OptimizerTask(s.Name(), "ok")
	case errors.Is(oc.err, ErrTaskTimeout):
		o.metrics.OptimizerTask(s.Name(), "timeout")
		o.log.Warn("parameter combination timed out", "strategy", s.Name(), "symbol", in.Symbol, "params", p.Key())
	default:
		o.metrics.OptimizerTask(s.Name(), "failed")
		o.log.Warn("parameter combination failed", "strategy", s.Name(), "symbol", in.Symbol, "params", p.Key(), "error", oc.err)
	}
	return oc
}
