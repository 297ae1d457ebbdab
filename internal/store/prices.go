package store

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"finpod/internal/domain"
)

// Compile-time interface check.
var _ SeriesSource = (*PriceStore)(nil)

type seriesKey struct {
	symbol string
	tf     domain.Timeframe
}

// PriceStore is a read-only cache over per-symbol bar files in one
// directory. Files are named by BarFileName; CSV takes precedence over
// Parquet. Lookups return copies so callers never share bar storage.
type PriceStore struct {
	dir   string
	log   *slog.Logger
	mu    sync.RWMutex
	cache map[seriesKey]*domain.Series
	group singleflight.Group
}

// NewPriceStore creates a PriceStore reading from dir.
func NewPriceStore(dir string, log *slog.Logger) *PriceStore {
	if log == nil {
		log = slog.Default()
	}
	return &PriceStore{
		dir:   dir,
		log:   log.With("component", "price-store"),
		cache: make(map[seriesKey]*domain.Series),
	}
}

// Dir returns the directory the store reads from.
func (p *PriceStore) Dir() string { return p.dir }

// GetSeries returns a copy of the cached series, loading it from disk on the
// first request. Missing or invalid files are logged and reported as false;
// failures are not cached so a later call sees a repaired file.
func (p *PriceStore) GetSeries(symbol string, tf domain.Timeframe) (*domain.Series, bool) {
	key := seriesKey{symbol: symbol, tf: tf}

	p.mu.RLock()
	s, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return s.Clone(), true
	}

	v, err, _ := p.group.Do(string(tf)+"|"+symbol, func() (any, error) {
		s, err := p.load(symbol, tf)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = s
		p.mu.Unlock()
		return s, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.log.Warn("series not found", "symbol", symbol, "timeframe", tf)
		} else {
			p.log.Warn("series unreadable", "symbol", symbol, "timeframe", tf, "error", err)
		}
		return nil, false
	}
	return v.(*domain.Series).Clone(), true
}

func (p *PriceStore) load(symbol string, tf domain.Timeframe) (*domain.Series, error) {
	var bars []domain.Bar

	csvPath := BarPath(p.dir, symbol, tf, FormatCSV)
	f, err := os.Open(csvPath)
	switch {
	case err == nil:
		defer f.Close()
		bars, err = ReadBarsCSV(f)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		pqPath := BarPath(p.dir, symbol, tf, FormatParquet)
		if _, statErr := os.Stat(pqPath); statErr != nil {
			return nil, ErrNotFound
		}
		bars, err = ReadBarsParquet(pqPath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if len(bars) == 0 {
		return nil, ErrNotFound
	}
	p.log.Debug("series loaded", "symbol", symbol, "timeframe", tf, "bars", len(bars))
	return &domain.Series{Symbol: symbol, Timeframe: tf, Bars: bars}, nil
}

// Clear drops every cached series.
func (p *PriceStore) Clear() {
	p.mu.Lock()
	p.cache = make(map[seriesKey]*domain.Series)
	p.mu.Unlock()
}

// Symbols lists the safe symbols that have a bar file for tf on disk.
func (p *PriceStore) Symbols(tf domain.Timeframe) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := string(tf) + "_"
	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		base := strings.TrimPrefix(name, prefix)
		for _, ext := range []string{"." + string(FormatCSV), "." + string(FormatParquet)} {
			if strings.HasSuffix(base, ext) {
				seen[strings.TrimSuffix(base, ext)] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
