package builtins

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"finpod/internal/config"
	"finpod/internal/domain"
	"finpod/internal/strategy"
)

func makeSeries(symbol string, closes, volumes []float64) *domain.Series {
	s := &domain.Series{Symbol: symbol, Timeframe: domain.TimeframeDaily}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		v := 1000.0
		if volumes != nil {
			v = volumes[i]
		}
		s.Bars = append(s.Bars, domain.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    v,
		})
	}
	return s
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// trendWithWiggle rises linearly from start to end over n bars with an
// alternating +/-amp wiggle, so RSI stays away from its extremes.
func trendWithWiggle(n int, start, end, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		w := amp
		if i%2 == 1 {
			w = -amp
		}
		out[i] = start + (end-start)*float64(i)/float64(n-1) + w
	}
	return out
}

func randomWalk(n int, seed uint64) ([]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, 99))
	closes := make([]float64, n)
	vols := make([]float64, n)
	price := 100.0
	for i := range closes {
		price *= 1 + (rng.Float64()-0.5)*0.04
		closes[i] = price
		vols[i] = 1000 + rng.Float64()*2000
	}
	return closes, vols
}

func backtester() *strategy.Backtester {
	return strategy.NewBacktester(config.Default().StrategyParams)
}

func generate(t *testing.T, s strategy.Strategy, in strategy.Input, over domain.Params) strategy.Output {
	t.Helper()
	out, err := s.Generate(context.Background(), in, s.DefaultParams().Merge(over))
	if err != nil {
		t.Fatalf("%s: Generate returned error: %v", s.Name(), err)
	}
	return out
}

// assertNoLookahead checks that truncating the inputs never changes an
// earlier signal.
func assertNoLookahead(t *testing.T, s strategy.Strategy, in strategy.Input, cuts []int) {
	t.Helper()
	full := generate(t, s, in, nil)
	for _, n := range cuts {
		trunc := in
		trunc.Series = in.Series.Head(n)
		if in.Index != nil {
			trunc.Index = in.Index.Head(n)
		}
		part := generate(t, s, trunc, nil)
		for i := range part.Signal {
			if part.Signal[i] != full.Signal[i] {
				t.Fatalf("%s: signal[%d] = %d on %d bars, %d on the full series", s.Name(), i, part.Signal[i], n, full.Signal[i])
			}
		}
	}
}

func TestAllNames(t *testing.T) {
	r := NewRegistry(config.Default())
	want := []string{NameBigLine, NameQuantity, NameRandomForest, NameTechnical}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConfiguredOverrides(t *testing.T) {
	q := NewQuantity(config.ParamSpec{
		Defaults: map[string]any{"volume_multiplier": 3.0},
		Grid:     map[string][]any{"stop_loss": {0.01}},
	})
	p := q.DefaultParams()
	if p.Float("volume_multiplier", 0) != 3 || p.Int("volume_ma_period", 0) != 20 {
		t.Errorf("DefaultParams() = %v", p)
	}
	if g := q.Grid(); len(g) != 1 || len(g["stop_loss"]) != 1 {
		t.Errorf("Grid() = %v, want the configured grid only", g)
	}
	p["volume_multiplier"] = 9.0
	if q.DefaultParams().Float("volume_multiplier", 0) != 3 {
		t.Error("DefaultParams returned shared storage")
	}
}

func TestTechnicalFlatMarket(t *testing.T) {
	tech := NewTechnical(config.ParamSpec{})
	in := strategy.Input{Symbol: "FLAT", Timeframe: domain.TimeframeDaily, Series: makeSeries("FLAT", constant(200, 100), nil), Sentiment: 0.5}

	out := generate(t, tech, in, nil)
	for i, s := range out.Signal {
		if s != 0 {
			t.Fatalf("signal[%d] = %d on a flat market, want 0", i, s)
		}
	}

	res, err := backtester().Backtest(context.Background(), tech, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.SharpeRatio != 0 || res.MaxDrawdown != 0 || res.ExpectedReturn != 0 {
		t.Errorf("metrics = %+v, want zeros", res)
	}
	if res.Signals.Position != domain.PositionNeutral || res.Signals.EntryPrice != 100 {
		t.Errorf("signals = %+v, want NEUTRAL at 100", res.Signals)
	}
}

func TestTechnicalSentimentGates(t *testing.T) {
	tech := NewTechnical(config.ParamSpec{})
	n := 100
	up := make([]float64, n)
	down := make([]float64, n)
	for i := range up {
		up[i] = 100 + 0.01*float64(i*i)
		down[i] = 200 - 0.01*float64(i*i)
	}
	// Thresholds and a negative band width make the RSI and band clauses
	// always true, leaving MACD and sentiment to decide.
	loose := domain.Params{"rsi_buy_threshold": 100.1, "rsi_sell_threshold": -0.1, "bollinger_k": -5.0}

	bull := strategy.Input{Series: makeSeries("UP", up, nil), Timeframe: domain.TimeframeDaily, Sentiment: 0.5}
	if got := generate(t, tech, bull, loose).Signal[n-1]; got != 1 {
		t.Errorf("accelerating uptrend with positive sentiment: last signal %d, want 1", got)
	}
	bull.Sentiment = 0
	if got := generate(t, tech, bull, loose).Signal[n-1]; got != 0 {
		t.Errorf("uptrend with neutral sentiment: last signal %d, want 0 (gate is strict)", got)
	}

	bear := strategy.Input{Series: makeSeries("DOWN", down, nil), Timeframe: domain.TimeframeDaily, Sentiment: -0.5}
	if got := generate(t, tech, bear, loose).Signal[n-1]; got != -1 {
		t.Errorf("accelerating downtrend with negative sentiment: last signal %d, want -1", got)
	}
	bear.Sentiment = 0.5
	if got := generate(t, tech, bear, loose).Signal[n-1]; got != 0 {
		t.Errorf("downtrend with positive sentiment: last signal %d, want 0", got)
	}
}

func TestTechnicalNoLookahead(t *testing.T) {
	closes, vols := randomWalk(160, 1)
	in := strategy.Input{Series: makeSeries("RW", closes, vols), Timeframe: domain.TimeframeDaily, Sentiment: 0.3}
	assertNoLookahead(t, NewTechnical(config.ParamSpec{}), in, []int{40, 77, 120, 159})
}

// volumeSpike builds 60 flat bars, a spike bar closing at 102 on 5x volume
// and a final bar at last with lastVol.
func volumeSpike(last, lastVol float64) strategy.Input {
	closes := append(constant(60, 100), 102, last)
	vols := append(constant(60, 1000), 5000, lastVol)
	return strategy.Input{Series: makeSeries("SPIKE", closes, vols), Timeframe: domain.TimeframeDaily}
}

func TestQuantityVolumeSpike(t *testing.T) {
	q := NewQuantity(config.ParamSpec{})
	params := domain.Params{"volume_multiplier": 1.5, "stop_profit": 0.02}

	out := generate(t, q, volumeSpike(104, 1000), params)
	if out.Signal[60] != 1 {
		t.Errorf("signal on spike day = %d, want 1", out.Signal[60])
	}
	// 104 is just short of 102 * 1.02, so the trade is still open and
	// marked to market.
	if out.Signal[61] != 0 {
		t.Errorf("signal after spike = %d, want 0", out.Signal[61])
	}
	if *out.TotalTrades != 1 || *out.WinRate != 1 {
		t.Errorf("trades = %d, win rate = %v; want 1, 1", *out.TotalTrades, *out.WinRate)
	}
	for i := 0; i < 60; i++ {
		if out.Signal[i] != 0 {
			t.Fatalf("signal[%d] = %d before the spike", i, out.Signal[i])
		}
	}
}

func TestQuantityExits(t *testing.T) {
	q := NewQuantity(config.ParamSpec{})
	params := domain.Params{"volume_multiplier": 1.5, "stop_profit": 0.02, "stop_loss": 0.03}

	tests := []struct {
		name    string
		last    float64
		lastVol float64
		winRate float64
	}{
		{"take profit", 105, 1000, 1},
		{"stop loss", 98, 1000, 0},
		{"weakness", 101.5, 500, 0},
	}
	for _, tt := range tests {
		out := generate(t, q, volumeSpike(tt.last, tt.lastVol), params)
		if out.Signal[60] != 1 || out.Signal[61] != -1 {
			t.Errorf("%s: signals = %d, %d; want 1, -1", tt.name, out.Signal[60], out.Signal[61])
		}
		if *out.TotalTrades != 1 || *out.WinRate != tt.winRate {
			t.Errorf("%s: trades = %d, win rate = %v; want 1, %v", tt.name, *out.TotalTrades, *out.WinRate, tt.winRate)
		}
	}
}

func TestQuantitySizeCap(t *testing.T) {
	q := NewQuantity(config.ParamSpec{})
	out := generate(t, q, volumeSpike(104, 1000), domain.Params{"risk_per_trade": 0.01, "stop_loss": 0.2})
	if math.Abs(out.SizeCap-0.05) > 1e-12 {
		t.Errorf("SizeCap = %v, want 0.05", out.SizeCap)
	}
}

func TestQuantityNoLookahead(t *testing.T) {
	closes, vols := randomWalk(150, 2)
	in := strategy.Input{Series: makeSeries("RW", closes, vols), Timeframe: domain.TimeframeDaily}
	assertNoLookahead(t, NewQuantity(config.ParamSpec{}), in, []int{22, 50, 99, 149})
}

func TestBigLineUptrend(t *testing.T) {
	bl := NewBigLine(config.ParamSpec{})
	in := strategy.Input{
		Symbol:    "UP",
		Timeframe: domain.TimeframeDaily,
		Series:    makeSeries("UP", trendWithWiggle(120, 100, 200, 2), nil),
		Index:     makeSeries("^IXIC", trendWithWiggle(120, 1000, 2000, 20), nil),
	}

	out := generate(t, bl, in, nil)
	longs := 0
	for i, s := range out.Signal {
		if i < 60 && s != 0 {
			t.Fatalf("signal[%d] = %d before the long average exists", i, s)
		}
		if s == 1 {
			longs++
		}
	}
	if longs < 10 {
		t.Errorf("%d long signals on a clean uptrend, want several", longs)
	}

	res, err := backtester().Backtest(context.Background(), bl, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExpectedReturn <= 0 || res.Signals.Position != domain.PositionLong {
		t.Errorf("result = %+v, want positive expected return and LONG", res)
	}
	if res.MaxDrawdown >= 0.15 || res.SharpeRatio <= 0 {
		t.Errorf("sharpe = %v, drawdown = %v; want a qualifying result", res.SharpeRatio, res.MaxDrawdown)
	}
}

func TestBigLineDowntrend(t *testing.T) {
	bl := NewBigLine(config.ParamSpec{})
	in := strategy.Input{
		Series:    makeSeries("DN", trendWithWiggle(120, 200, 100, 2), nil),
		Index:     makeSeries("^TWII", trendWithWiggle(120, 2000, 1000, 20), nil),
		Timeframe: domain.TimeframeDaily,
	}
	out := generate(t, bl, in, nil)
	if out.Signal[119] != -1 {
		t.Errorf("last signal on a downtrend = %d, want -1", out.Signal[119])
	}
	in.Sentiment = 0.4
	if got := generate(t, bl, in, nil).Signal[119]; got != 0 {
		t.Errorf("last signal with positive sentiment = %d, want 0", got)
	}
}

func TestBigLineIndexAlignment(t *testing.T) {
	bl := NewBigLine(config.ParamSpec{})
	sym := makeSeries("UP", trendWithWiggle(130, 100, 200, 2), nil)
	idx := makeSeries("^IXIC", trendWithWiggle(130, 1000, 2000, 20), nil)
	// Drop some index bars; the joined frame must shrink accordingly.
	idx.Bars = append(idx.Bars[:10], idx.Bars[15:]...)

	out := generate(t, bl, strategy.Input{Series: sym, Index: idx, Timeframe: domain.TimeframeDaily}, nil)
	if len(out.Signal) != 125 || len(out.Closes) != 125 {
		t.Errorf("joined length = %d signals, %d closes; want 125", len(out.Signal), len(out.Closes))
	}

	res, err := backtester().Backtest(context.Background(), bl, strategy.Input{Series: sym, Timeframe: domain.TimeframeDaily}, nil)
	if err != nil || !res.Dormant {
		t.Errorf("without an index: result %+v, error %v; want dormant", res, err)
	}
}

func TestBigLineNoLookahead(t *testing.T) {
	closes, vols := randomWalk(180, 3)
	idxCloses, idxVols := randomWalk(180, 4)
	in := strategy.Input{
		Series:    makeSeries("RW", closes, vols),
		Index:     makeSeries("IDX", idxCloses, idxVols),
		Timeframe: domain.TimeframeDaily,
	}
	assertNoLookahead(t, NewBigLine(config.ParamSpec{}), in, []int{62, 90, 140, 179})
}

func TestRandomForest(t *testing.T) {
	rf := NewRandomForest(config.ParamSpec{})
	closes, vols := randomWalk(200, 5)
	in := strategy.Input{Series: makeSeries("RW", closes, vols), Timeframe: domain.TimeframeDaily}
	params := domain.Params{"n_estimators": 15}

	out := generate(t, rf, in, params)
	if len(out.Signal) != 200 {
		t.Fatalf("len(Signal) = %d, want 200", len(out.Signal))
	}
	if out.Accuracy == nil || *out.Accuracy < 0 || *out.Accuracy > 1 {
		t.Errorf("Accuracy = %v, want a value in [0, 1]", out.Accuracy)
	}
	// 180 labelled rows, 144 used for training.
	for i := 0; i < 19+144; i++ {
		if out.Signal[i] != 0 {
			t.Fatalf("signal[%d] = %d inside the training region", i, out.Signal[i])
		}
	}
	for i := 19 + 144; i < 200; i++ {
		if out.Signal[i] != 1 && out.Signal[i] != -1 {
			t.Fatalf("signal[%d] = %d in the test region, want +/-1", i, out.Signal[i])
		}
	}

	again := generate(t, rf, in, params)
	for i := range out.Signal {
		if out.Signal[i] != again.Signal[i] {
			t.Fatalf("signal[%d] differs between identical runs", i)
		}
	}
}

// The forest's chronological split moves with the series length, so a
// truncated series may predict differently on shared bars. What must hold
// for every length is that the model only signals bars after the rows it
// was trained on, whose labels end at the first signalled bar.
func TestRandomForestSignalsOnlyAfterTrainingRows(t *testing.T) {
	rf := NewRandomForest(config.ParamSpec{})
	closes, vols := randomWalk(200, 9)
	params := domain.Params{"n_estimators": 10}

	for _, n := range []int{120, 160, 200} {
		in := strategy.Input{Series: makeSeries("RW", closes[:n], vols[:n]), Timeframe: domain.TimeframeDaily}
		out := generate(t, rf, in, params)

		// Feature rows start once the 20-bar SMA is defined; the last row
		// has no next close and stays unlabelled.
		labelled := n - rfSMAWindow
		split := int(float64(labelled) * (1 - 0.2))
		firstSignal := rfSMAWindow - 1 + split

		for i := 0; i < firstSignal; i++ {
			if out.Signal[i] != 0 {
				t.Fatalf("n=%d: signal[%d] = %d inside the training rows", n, i, out.Signal[i])
			}
		}
		for i := firstSignal; i < n; i++ {
			if out.Signal[i] != 1 && out.Signal[i] != -1 {
				t.Fatalf("n=%d: signal[%d] = %d after training, want +/-1", n, i, out.Signal[i])
			}
		}
	}
}

func TestRandomForestShortSeriesDormant(t *testing.T) {
	rf := NewRandomForest(config.ParamSpec{})
	closes, vols := randomWalk(40, 6)
	res, err := backtester().Backtest(context.Background(), rf, strategy.Input{Series: makeSeries("RW", closes, vols), Timeframe: domain.TimeframeDaily}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dormant || res.Accuracy != nil {
		t.Errorf("result = %+v, want dormant", res)
	}
}

func TestResultsSatisfyInvariants(t *testing.T) {
	cfg := config.Default()
	bt := backtester()
	for seed := uint64(10); seed < 14; seed++ {
		closes, vols := randomWalk(150, seed)
		ic, iv := randomWalk(150, seed+100)
		in := strategy.Input{
			Series:    makeSeries("RW", closes, vols),
			Index:     makeSeries("IDX", ic, iv),
			Timeframe: domain.TimeframeDaily,
			Sentiment: 0.2,
		}
		for _, s := range All(cfg) {
			res, err := bt.Backtest(context.Background(), s, in, domain.Params{"n_estimators": 10})
			if err != nil {
				t.Fatalf("%s: %v", s.Name(), err)
			}
			for _, v := range []float64{res.SharpeRatio, res.MaxDrawdown, res.ExpectedReturn} {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Errorf("%s: non-finite metric in %+v", s.Name(), res)
				}
			}
			if res.MaxDrawdown < 0 || !res.Signals.Consistent() {
				t.Errorf("%s: invariant violated: %+v", s.Name(), res)
			}
		}
	}
}
