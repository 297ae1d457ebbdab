// Package engine runs strategy tournaments: for one symbol and timeframe it
// backtests every registered strategy (optionally through the optimizer),
// asks the selector for a winner and persists the resulting record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/metrics"
	"finpod/internal/optimizer"
	"finpod/internal/selector"
	"finpod/internal/store"
	"finpod/internal/strategy"
	"finpod/internal/util"
)

var (
	// ErrTimeout is returned when a tournament exceeds its time budget.
	ErrTimeout = errors.New("tournament timed out")
	// ErrPersist wraps artifact write failures. The record is still
	// returned alongside it.
	ErrPersist = errors.New("persisting tournament record")
)

// Engine orchestrates tournaments. It is safe for concurrent use.
type Engine struct {
	cfg       *config.Config
	prices    store.SeriesSource
	sentiment store.SentimentSource
	registry  *strategy.Registry
	bt        *strategy.Backtester
	optimizer *optimizer.Optimizer
	selector  selector.Selector
	risk      *RiskManager
	artifacts *ArtifactWriter
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	optimize        bool
	symbolTimeout   time.Duration
	selectorTimeout time.Duration
	maxWorkers      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSelector sets the winner selector. Default is rule-based.
func WithSelector(s selector.Selector) Option { return func(e *Engine) { e.selector = s } }

// WithSentiment sets the sentiment source. Without one every score is 0.
func WithSentiment(s store.SentimentSource) Option { return func(e *Engine) { e.sentiment = s } }

// WithClock replaces time.Now for analysis dates.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithOptimize overrides tournament.optimize.
func WithOptimize(on bool) Option { return func(e *Engine) { e.optimize = on } }

// WithMaxWorkers bounds the batch pool and the optimizer pool. Zero means
// min(NumCPU, symbols) for batches and GOMAXPROCS for grids.
func WithMaxWorkers(n int) Option { return func(e *Engine) { e.maxWorkers = n } }

// WithSymbolTimeout overrides tournament.symbol_timeout.
func WithSymbolTimeout(d time.Duration) Option { return func(e *Engine) { e.symbolTimeout = d } }

// WithSelectorTimeout overrides tournament.selector_timeout.
func WithSelectorTimeout(d time.Duration) Option { return func(e *Engine) { e.selectorTimeout = d } }

// WithMetrics reports tournament, strategy and optimizer outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New creates an Engine reading bars from prices and running the strategies
// in registry under cfg.
func New(cfg *config.Config, prices store.SeriesSource, registry *strategy.Registry, opts ...Option) *Engine {
	taskTimeout, symbolTimeout, selectorTimeout := cfg.Tournament.Durations()
	e := &Engine{
		cfg:             cfg,
		prices:          prices,
		registry:        registry,
		bt:              strategy.NewBacktester(cfg.StrategyParams),
		risk:            NewRiskManager(1, cfg.StrategyParams.MaxDrawdownThreshold),
		artifacts:       NewArtifactWriter(cfg.DataPaths.Strategy),
		log:             slog.Default(),
		now:             time.Now,
		optimize:        cfg.Tournament.ShouldOptimize(),
		symbolTimeout:   symbolTimeout,
		selectorTimeout: selectorTimeout,
		maxWorkers:      cfg.Tournament.MaxWorkers,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "engine")
	if e.selector == nil {
		e.selector = selector.NewRuleBased()
	}
	e.optimizer = optimizer.New(e.bt, cfg.StrategyParams.MaxDrawdownThreshold,
		optimizer.WithTaskTimeout(taskTimeout),
		optimizer.WithMaxWorkers(e.maxWorkers),
		optimizer.WithLogger(e.log),
		optimizer.WithMetrics(e.metrics),
	)
	return e
}

// cacheClearer is implemented by inputs that cache file contents.
type cacheClearer interface{ Clear() }

// RefreshInputs drops cached bars and sentiment so the next tournament
// re-reads the files on disk.
func (e *Engine) RefreshInputs() {
	if c, ok := e.prices.(cacheClearer); ok {
		c.Clear()
	}
	if c, ok := e.sentiment.(cacheClearer); ok {
		c.Clear()
	}
}

// Artifacts returns the writer used for persisted records.
func (e *Engine) Artifacts() *ArtifactWriter { return e.artifacts }

// strategyRun is the outcome of one strategy inside a tournament.
type strategyRun struct {
	name   string
	result domain.BacktestResult
	params domain.Params
	err    error
}

// Run executes one tournament. Missing data yields a neutral record that is
// returned but not persisted. A failed artifact write returns the record
// together with an error wrapping ErrPersist.
func (e *Engine) Run(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.TournamentRecord, error) {
	done := e.metrics.TournamentStarted()
	market := e.cfg.MarketOf(symbol)
	date := util.MarketDate(market, e.now())
	index := domain.IndexFor(market)
	log := e.log.With("symbol", symbol, "timeframe", tf, "date", date)

	series, ok := e.prices.GetSeries(symbol, tf)
	if !ok || series.Len() == 0 {
		log.Warn("no price data, returning neutral record")
		done("neutral")
		return neutralRecord(symbol, date, index, tf, 0, "no price data for "+symbol), nil
	}
	lastClose := series.LastClose()

	indexSeries, _ := e.prices.GetSeries(index, tf)
	sentiment := 0.0
	if e.sentiment != nil {
		sentiment = e.sentiment.Score(date, symbol)
	}
	in := strategy.Input{
		Symbol:    symbol,
		Timeframe: tf,
		Series:    series,
		Index:     indexSeries,
		Sentiment: sentiment,
	}

	runs := e.runStrategies(ctx, in)
	if err := ctx.Err(); err != nil {
		done("failed")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTimeout, symbol, tf, err)
	}

	results := make(map[string]domain.BacktestResult, len(runs))
	best := make(map[string]domain.Params, len(runs))
	for _, r := range runs {
		if r.err != nil {
			log.Warn("strategy failed", "strategy", r.name, "error", r.err)
			continue
		}
		results[r.name] = r.result
		best[r.name] = r.params
	}
	if len(results) == 0 {
		log.Warn("no strategy completed, returning neutral record")
		done("neutral")
		return neutralRecord(symbol, date, index, tf, lastClose, "no strategy completed"), nil
	}

	d := e.selectWinner(ctx, selector.Request{
		Symbol:      symbol,
		Timeframe:   tf,
		IndexSymbol: index,
		Threshold:   e.cfg.StrategyParams.MaxDrawdownThreshold,
		LastClose:   lastClose,
		Results:     results,
	})

	rec := &domain.TournamentRecord{
		Symbol:          symbol,
		AnalysisDate:    date,
		IndexSymbol:     index,
		Timeframe:       tf,
		WinningStrategy: d.Winner,
		Signals:         d.Signals,
		BestParameters:  best,
		AllResults:      results,
		MarketOutlook:   d.MarketOutlook,
		RiskAssessment:  d.RiskAssessment,
	}
	for _, fix := range e.risk.Sanitize(rec, lastClose) {
		log.Warn("risk check corrected record", "fix", fix)
	}

	// A run abandoned by its batch must not leave an artifact behind.
	if err := ctx.Err(); err != nil {
		done("failed")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTimeout, symbol, tf, err)
	}

	path, err := e.artifacts.Write(rec)
	if err != nil {
		log.Error("failed to write tournament artifact", "error", err)
		e.metrics.ArtifactError()
		done("failed")
		return rec, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	log.Info("tournament complete",
		"winner", rec.WinningStrategy.Name,
		"position", rec.Signals.Position,
		"strategies", len(results),
		"path", path)
	done("persisted")
	return rec, nil
}

// runStrategies evaluates every registered strategy concurrently. Each
// result is independent; a failing or panicking strategy only loses its own
// slot. Results come back in registry (alphabetical) order.
func (e *Engine) runStrategies(ctx context.Context, in strategy.Input) []strategyRun {
	all := e.registry.All()
	runs := make([]strategyRun, len(all))

	var g errgroup.Group
	for i, s := range all {
		g.Go(func() error {
			runs[i] = e.runStrategy(ctx, s, in)
			status := "ok"
			switch {
			case runs[i].err != nil:
				status = "failed"
			case runs[i].result.Dormant:
				status = "dormant"
			}
			e.metrics.StrategyRun(s.Name(), status)
			return nil
		})
	}
	g.Wait()
	return runs
}

func (e *Engine) runStrategy(ctx context.Context, s strategy.Strategy, in strategy.Input) (run strategyRun) {
	run.name = s.Name()
	defer func() {
		if r := recover(); r != nil {
			run.err = fmt.Errorf("panic in strategy %s: %v", run.name, r)
		}
	}()

	if e.optimize {
		res, err := e.optimizer.Optimize(ctx, s, in)
		if err != nil {
			run.err = err
			return run
		}
		run.result, run.params = res.Result, res.Params
		return run
	}

	params := s.DefaultParams()
	res, err := e.bt.Backtest(ctx, s, in, params)
	if err != nil {
		run.err = err
		return run
	}
	run.result, run.params = res, params
	return run
}

// selectWinner calls the selector under the selector time budget. A
// selector error or overrun degrades to the rule-based decision.
func (e *Engine) selectWinner(ctx context.Context, req selector.Request) selector.Decision {
	sctx, cancel := context.WithTimeout(ctx, e.selectorTimeout)
	defer cancel()

	type answer struct {
		d   selector.Decision
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("selector panic: %v", r)}
			}
		}()
		d, err := e.selector.Select(sctx, req)
		ch <- answer{d, err}
	}()

	var err error
	select {
	case a := <-ch:
		if a.err == nil {
			return a.d
		}
		err = a.err
	case <-sctx.Done():
		err = sctx.Err()
	}
	e.log.Warn("selector failed, using rule-based selection", "symbol", req.Symbol, "error", err)
	d, _ := selector.NewRuleBased().Select(ctx, req)
	return d
}

func neutralRecord(symbol, date, index string, tf domain.Timeframe, lastClose float64, why string) *domain.TournamentRecord {
	return &domain.TournamentRecord{
		Symbol:       symbol,
		AnalysisDate: date,
		IndexSymbol:  index,
		Timeframe:    tf,
		WinningStrategy: domain.WinningStrategy{
			Name:       domain.NoWinner,
			Confidence: 0.6,
			Reasoning:  why,
		},
		Signals:        domain.NeutralSignals(lastClose),
		BestParameters: map[string]domain.Params{},
		AllResults:     map[string]domain.BacktestResult{},
		MarketOutlook:  "insufficient data",
		RiskAssessment: "no position taken",
	}
}

// BatchOutcome is the result of one symbol inside RunBatch. Record may be
// set even when Err is (see ErrPersist).
type BatchOutcome struct {
	Record *domain.TournamentRecord
	Err    error
}

// RunBatch runs one tournament per symbol on a pool of min(NumCPU, n)
// workers (or max_workers when configured), each under the per-symbol
// timeout. Failures are captured per symbol and never abort siblings.
func (e *Engine) RunBatch(ctx context.Context, symbols []string, tf domain.Timeframe) map[string]BatchOutcome {
	batchID := uuid.NewString()
	log := e.log.With("batch_id", batchID, "timeframe", tf)

	workers := e.maxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(symbols))

	log.Info("batch started", "symbols", len(symbols), "workers", workers)
	start := time.Now()

	out := make(map[string]BatchOutcome, len(symbols))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for _, sym := range symbols {
		g.Go(func() error {
			rec, err := e.runWithTimeout(ctx, sym, tf)
			if err != nil {
				log.Error("tournament failed", "symbol", sym, "error", err)
			}
			mu.Lock()
			out[sym] = BatchOutcome{Record: rec, Err: err}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, o := range out {
		if o.Err != nil {
			failed++
		}
	}
	log.Info("batch complete", "symbols", len(symbols), "failed", failed, "elapsed", time.Since(start).Round(time.Millisecond))
	return out
}

// runWithTimeout runs one tournament in its own goroutine so an overrunning
// strategy cannot hold the batch worker past the symbol budget.
func (e *Engine) runWithTimeout(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.TournamentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.symbolTimeout)
	defer cancel()

	type answer struct {
		rec *domain.TournamentRecord
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("panic in tournament %s: %v", symbol, r)}
			}
		}()
		rec, err := e.Run(ctx, symbol, tf)
		ch <- answer{rec, err}
	}()

	select {
	case a := <-ch:
		return a.rec, a.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, symbol, e.symbolTimeout)
	}
}
