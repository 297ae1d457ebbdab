package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"finpod/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBarFileName(t *testing.T) {
	if got := BarFileName("2330.TW", domain.TimeframeDaily, FormatCSV); got != "daily_2330_TW.csv" {
		t.Errorf("BarFileName = %q, want daily_2330_TW.csv", got)
	}
	if got := BarFileName("^IXIC", domain.TimeframeHourly, FormatParquet); got != "hourly_IXIC.parquet" {
		t.Errorf("BarFileName = %q, want hourly_IXIC.parquet", got)
	}
}

func TestReadBarsCSV(t *testing.T) {
	in := `Date,Open,High,Low,Close,Volume
2024-01-03,2,3,1,2.5,200
2024-01-02,1,2,0.5,1.5,100
2024-01-04,2,3,1,NaN,300
not-a-date,1,1,1,1,1
2024-01-05,3,4,2,3.5,
2024-01-08T14:30:00Z,4,5,3,4.5,400
`
	bars, err := ReadBarsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadBarsCSV returned error: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3 (NaN, bad date and empty volume dropped)", len(bars))
	}
	if bars[0].Close != 1.5 || bars[1].Close != 2.5 || bars[2].Close != 4.5 {
		t.Errorf("bars not sorted ascending: %+v", bars)
	}
	if bars[2].Timestamp != time.Date(2024, 1, 8, 14, 30, 0, 0, time.UTC) {
		t.Errorf("timestamp = %v, want 2024-01-08T14:30Z", bars[2].Timestamp)
	}
}

func TestReadBarsCSVRejectsDuplicates(t *testing.T) {
	in := "date,open,high,low,close,volume\n2024-01-02,1,1,1,1,1\n2024-01-02,2,2,2,2,2\n"
	if _, err := ReadBarsCSV(strings.NewReader(in)); !errors.Is(err, ErrDuplicateTimestamp) {
		t.Errorf("error = %v, want ErrDuplicateTimestamp", err)
	}
	if _, err := ReadBarsCSV(strings.NewReader("date,open,high,low,close\n")); err == nil {
		t.Error("expected an error for a missing volume column")
	}
}

func TestCSVWriteRead(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 2, Low: 0.5, Close: 1.25, Volume: 1000},
		{Timestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), Open: 1.25, High: 2, Low: 1, Close: 1.5, Volume: 2000},
	}
	var buf bytes.Buffer
	if err := WriteBarsCSV(&buf, bars); err != nil {
		t.Fatalf("WriteBarsCSV: %v", err)
	}
	if !strings.Contains(buf.String(), "2024-01-02,1,2,0.5,1.25,1000") {
		t.Errorf("daily row not written as a plain date:\n%s", buf.String())
	}
	got, err := ReadBarsCSV(&buf)
	if err != nil {
		t.Fatalf("ReadBarsCSV: %v", err)
	}
	if len(got) != 2 || got[0] != bars[0] || got[1] != bars[1] {
		t.Errorf("read back %+v, want %+v", got, bars)
	}
}

func TestPriceStoreGetSeries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "daily_AAPL.csv"),
		"date,open,high,low,close,volume\n2024-01-02,1,2,0.5,1.5,100\n2024-01-03,2,3,1,2.5,200\n")

	ps := NewPriceStore(dir, quietLogger())
	s, ok := ps.GetSeries("AAPL", domain.TimeframeDaily)
	if !ok {
		t.Fatal("GetSeries returned false for an existing file")
	}
	if s.Len() != 2 || s.Symbol != "AAPL" || s.Timeframe != domain.TimeframeDaily {
		t.Errorf("series = %+v", s)
	}

	// Mutating a returned series must not affect the cache.
	s.Bars[0].Close = 999
	again, _ := ps.GetSeries("AAPL", domain.TimeframeDaily)
	if again.Bars[0].Close != 1.5 {
		t.Errorf("cached close = %v after caller mutation, want 1.5", again.Bars[0].Close)
	}

	// Cached: deleting the file does not matter until Clear.
	os.Remove(filepath.Join(dir, "daily_AAPL.csv"))
	if _, ok := ps.GetSeries("AAPL", domain.TimeframeDaily); !ok {
		t.Error("GetSeries missed the cache")
	}
	ps.Clear()
	if _, ok := ps.GetSeries("AAPL", domain.TimeframeDaily); ok {
		t.Error("GetSeries returned a series after Clear and file removal")
	}
}

func TestPriceStoreMissingAndInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "daily_DUP.csv"),
		"date,open,high,low,close,volume\n2024-01-02,1,1,1,1,1\n2024-01-02,1,1,1,1,1\n")

	var logs bytes.Buffer
	ps := NewPriceStore(dir, slog.New(slog.NewTextHandler(&logs, nil)))
	if _, ok := ps.GetSeries("NOPE", domain.TimeframeDaily); ok {
		t.Error("GetSeries returned true for a missing file")
	}
	if _, ok := ps.GetSeries("DUP", domain.TimeframeDaily); ok {
		t.Error("GetSeries returned true for a file with duplicate timestamps")
	}
	if !strings.Contains(logs.String(), "series unreadable") {
		t.Errorf("expected an unreadable warning, got:\n%s", logs.String())
	}
}

func TestPriceStoreParquetFallback(t *testing.T) {
	dir := t.TempDir()
	bars := []domain.Bar{
		{Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 200},
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
	}
	if err := WriteBarsParquet(BarPath(dir, "^TWII", domain.TimeframeDaily, FormatParquet), bars); err != nil {
		t.Fatalf("WriteBarsParquet: %v", err)
	}

	ps := NewPriceStore(dir, quietLogger())
	s, ok := ps.GetSeries("^TWII", domain.TimeframeDaily)
	if !ok {
		t.Fatal("GetSeries did not fall back to parquet")
	}
	if s.Len() != 2 || s.Bars[0].Close != 1.5 || !s.Ordered() {
		t.Errorf("parquet series = %+v", s.Bars)
	}

	syms, err := ps.Symbols(domain.TimeframeDaily)
	if err != nil || len(syms) != 1 || syms[0] != "TWII" {
		t.Errorf("Symbols = %v, %v; want [TWII]", syms, err)
	}
}

func TestPriceStoreConcurrent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hourly_NVDA.csv"),
		"datetime,open,high,low,close,volume\n2024-01-02T14:30:00Z,1,2,0.5,1.5,100\n2024-01-02T15:30:00Z,2,3,1,2.5,200\n")

	ps := NewPriceStore(dir, quietLogger())
	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok := ps.GetSeries("NVDA", domain.TimeframeHourly)
			if !ok || s.Len() != 2 {
				errs <- "concurrent GetSeries failed"
				return
			}
			s.Bars[1].Close = 0
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	s, _ := ps.GetSeries("NVDA", domain.TimeframeHourly)
	if s.LastClose() != 2.5 {
		t.Errorf("LastClose = %v after concurrent mutation of copies, want 2.5", s.LastClose())
	}
}

func TestSentimentReader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "2024-03-04", "social_metrics.json"),
		`{"overall_score": 0.2, "bullish_ratio": 0.6, "symbols": {"AAPL": {"sentiment_score": 0.4}, "TSLA": {"sentiment_score": -3}}}`)

	r := NewSentimentReader(dir, quietLogger())
	if got := r.Score("2024-03-04", "AAPL"); got != 0.4 {
		t.Errorf("Score(AAPL) = %v, want 0.4", got)
	}
	if got := r.Score("2024-03-04", "TSLA"); got != -1 {
		t.Errorf("Score(TSLA) = %v, want clamped -1", got)
	}
	if got := r.Score("2024-03-04", "MSFT"); got != 0 {
		t.Errorf("Score(MSFT) = %v, want 0", got)
	}
	if got := r.Score("2024-03-05", "AAPL"); got != 0 {
		t.Errorf("Score on a missing date = %v, want 0", got)
	}
}

func TestSentimentReaderPicksUpLateFile(t *testing.T) {
	dir := t.TempDir()
	r := NewSentimentReader(dir, quietLogger())
	if got := r.Score("2024-03-04", "AAPL"); got != 0 {
		t.Fatalf("Score before the file exists = %v, want 0", got)
	}

	path := filepath.Join(dir, "2024-03-04", "social_metrics.json")
	writeFile(t, path, `{"symbols": {"AAPL": {"sentiment_score": 0.3}}}`)
	if got := r.Score("2024-03-04", "AAPL"); got != 0.3 {
		t.Errorf("Score after the file lands = %v, want 0.3", got)
	}

	writeFile(t, path, `{"symbols": {"AAPL": {"sentiment_score": -0.5}}}`)
	if got := r.Score("2024-03-04", "AAPL"); got != 0.3 {
		t.Errorf("cached Score = %v, want 0.3 until Clear", got)
	}
	r.Clear()
	if got := r.Score("2024-03-04", "AAPL"); got != -0.5 {
		t.Errorf("Score after Clear = %v, want -0.5", got)
	}
}

func TestAuditLog(t *testing.T) {
	a, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	entries := []AuditEntry{
		{Timestamp: base, Symbol: "AAPL", Timeframe: "daily", Provider: "claude", Prompt: "p1", Response: "r1", Outcome: "accepted"},
		{Timestamp: base.Add(time.Minute), Symbol: "AAPL", Timeframe: "daily", Provider: "claude", Prompt: "p2", Response: "garbage", Outcome: "fallback", Error: "malformed"},
		{Timestamp: base.Add(2 * time.Minute), Symbol: "NVDA", Timeframe: "daily", Provider: "gemini", Prompt: "p3", Outcome: "error"},
	}
	for _, e := range entries {
		if err := a.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := a.Recent(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(AAPL) returned %d rows, want 2", len(got))
	}
	if got[0].Prompt != "p2" || got[0].Error != "malformed" || got[0].ID == "" {
		t.Errorf("newest AAPL row = %+v", got[0])
	}
	if !got[1].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[1].Timestamp, base)
	}

	all, err := a.Recent(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Errorf("Recent(all) = %d rows, %v; want 3", len(all), err)
	}
}

func TestWriteSeriesFormats(t *testing.T) {
	dir := t.TempDir()
	bars := []domain.Bar{
		{Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Timestamp: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Open: 10.5, High: 12, Low: 10, Close: 11.5, Volume: 150},
	}
	if err := WriteSeries(dir, "AAPL", domain.TimeframeDaily, FormatCSV, bars); err != nil {
		t.Fatalf("WriteSeries csv: %v", err)
	}
	if err := WriteSeries(dir, "MSFT", domain.TimeframeHourly, FormatParquet, bars); err != nil {
		t.Fatalf("WriteSeries parquet: %v", err)
	}
	if err := WriteSeries(dir, "X", domain.TimeframeDaily, BarFormat("xml"), bars); err == nil {
		t.Error("WriteSeries accepted an unknown format")
	}

	ps := NewPriceStore(dir, quietLogger())
	for _, k := range []struct {
		symbol string
		tf     domain.Timeframe
	}{{"AAPL", domain.TimeframeDaily}, {"MSFT", domain.TimeframeHourly}} {
		s, ok := ps.GetSeries(k.symbol, k.tf)
		if !ok || s.Len() != 2 || s.LastClose() != 11.5 {
			t.Errorf("GetSeries(%s, %s) = %v, %v; want 2 bars ending at 11.5", k.symbol, k.tf, s, ok)
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}
