package us

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/gather"
	"finpod/internal/store"
	"finpod/internal/util"
)

// Compile-time interface check.
var _ gather.Gatherer = (*BarGatherer)(nil)

// barClient is the subset of the Alpaca market-data client used here.
type barClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// BarGatherer fetches daily and hourly OHLCV bars for a fixed symbol list
// from the Alpaca market-data API and writes one bar file per
// (symbol, timeframe) into the market directory.
type BarGatherer struct {
	client     barClient
	dir        string
	symbols    []string
	timeframes []domain.Timeframe
	format     store.BarFormat
	lookback   int
	batchSize  int
	feed       string
	limiter    *util.RateLimiter
	retryDelay time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// BarOption configures a BarGatherer.
type BarOption func(*BarGatherer)

// WithFormat selects CSV (default) or Parquet output.
func WithFormat(f store.BarFormat) BarOption { return func(g *BarGatherer) { g.format = f } }

// WithTimeframes restricts the timeframes fetched. Default daily and hourly.
func WithTimeframes(tfs ...domain.Timeframe) BarOption {
	return func(g *BarGatherer) { g.timeframes = tfs }
}

// WithBatchSize sets the number of symbols per API call. Default 100.
func WithBatchSize(n int) BarOption { return func(g *BarGatherer) { g.batchSize = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BarOption { return func(g *BarGatherer) { g.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BarOption { return func(g *BarGatherer) { g.now = now } }

// withClient swaps the API client, for tests.
func withClient(c barClient) BarOption { return func(g *BarGatherer) { g.client = c } }

func withRetryDelay(d time.Duration) BarOption { return func(g *BarGatherer) { g.retryDelay = d } }

// NewBarGatherer creates a gatherer writing into dir for symbols using the
// Alpaca credentials and limits in cfg.
func NewBarGatherer(cfg config.Alpaca, dir string, symbols []string, opts ...BarOption) *BarGatherer {
	mdOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		mdOpts.BaseURL = cfg.DataURL
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 730
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "iex"
	}

	g := &BarGatherer{
		client:     marketdata.NewClient(mdOpts),
		dir:        dir,
		symbols:    symbols,
		timeframes: []domain.Timeframe{domain.TimeframeDaily, domain.TimeframeHourly},
		format:     store.FormatCSV,
		lookback:   lookback,
		batchSize:  100,
		feed:       feed,
		limiter:    util.NewRateLimiter(cfg.RateLimitPerMin),
		retryDelay: 2 * time.Second,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With("gatherer", g.Name())
	return g
}

// Name returns the gatherer identifier.
func (g *BarGatherer) Name() string { return "us-bars" }

// Run fetches every configured timeframe. A timeframe already completed for
// today's market date is skipped, so reruns within a day are cheap.
func (g *BarGatherer) Run(ctx context.Context) error {
	now := g.now()
	date := util.MarketDate(domain.MarketUS, now)
	rng := gather.Lookback(now, g.lookback)

	for _, tf := range g.timeframes {
		if err := g.runTimeframe(ctx, tf, date, rng); err != nil {
			return fmt.Errorf("fetching %s bars: %w", tf, err)
		}
	}
	return nil
}

func (g *BarGatherer) runTimeframe(ctx context.Context, tf domain.Timeframe, date string, rng gather.DateRange) error {
	tracker, err := newProgressTracker(g.dir, string(tf))
	if err != nil {
		return err
	}
	defer tracker.Close()

	last := tracker.LastCompleted()
	if last == date {
		g.log.Info("already completed", "timeframe", tf, "date", date)
		return nil
	}
	if last != "" {
		// A new market day: empties from the previous pass may have data now.
		if err := tracker.Reset(); err != nil {
			return err
		}
	}

	var remaining []string
	for _, sym := range g.symbols {
		if !tracker.IsTriedEmpty(sym) {
			remaining = append(remaining, sym)
		}
	}

	written := 0
	for start := 0; start < len(remaining); start += g.batchSize {
		batch := remaining[start:min(start+g.batchSize, len(remaining))]
		bars, err := g.fetch(ctx, batch, tf, rng)
		if err != nil {
			return err
		}

		var empty []string
		for _, sym := range batch {
			series := bars[sym]
			if len(series) == 0 {
				empty = append(empty, sym)
				continue
			}
			if err := store.WriteSeries(g.dir, sym, tf, g.format, series); err != nil {
				return fmt.Errorf("writing %s: %w", sym, err)
			}
			written++
		}
		if len(empty) > 0 {
			g.log.Warn("symbols returned no bars", "timeframe", tf, "symbols", strings.Join(empty, ","))
			if err := tracker.MarkEmpty(empty); err != nil {
				return err
			}
		}
	}

	if err := tracker.MarkCompleted(date); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	g.log.Info("timeframe complete", "timeframe", tf, "date", date, "written", written, "symbols", len(remaining))
	return nil
}

// fetch pulls one batch under the rate limiter, retrying transient errors,
// and returns ascending bars keyed by the requested symbol spelling.
func (g *BarGatherer) fetch(ctx context.Context, symbols []string, tf domain.Timeframe, rng gather.DateRange) (map[string][]domain.Bar, error) {
	frame := marketdata.OneDay
	if tf == domain.TimeframeHourly {
		frame = marketdata.OneHour
	}
	req := marketdata.GetBarsRequest{
		TimeFrame:  frame,
		Adjustment: marketdata.All,
		Start:      rng.From,
		End:        rng.To,
		Feed:       marketdata.Feed(g.feed),
	}

	var multi map[string][]marketdata.Bar
	err := util.Retry(ctx, 3, g.retryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		multi, err = g.client.GetMultiBars(symbols, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	byUpper := make(map[string]string, len(symbols))
	for _, s := range symbols {
		byUpper[strings.ToUpper(s)] = s
	}

	out := make(map[string][]domain.Bar, len(multi))
	for symbol, abs := range multi {
		key, ok := byUpper[strings.ToUpper(symbol)]
		if !ok {
			continue
		}
		bars := make([]domain.Bar, 0, len(abs))
		for _, ab := range abs {
			ts := ab.Timestamp.UTC()
			if tf == domain.TimeframeDaily {
				// Daily bars are stamped at midnight New York time; keep
				// the session date at midnight UTC.
				d := ab.Timestamp.In(util.MarketLocation(domain.MarketUS))
				ts = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
			}
			bars = append(bars, domain.Bar{
				Timestamp: ts,
				Open:      ab.Open,
				High:      ab.High,
				Low:       ab.Low,
				Close:     ab.Close,
				Volume:    float64(ab.Volume),
			})
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
		out[key] = bars
	}
	return out, nil
}
