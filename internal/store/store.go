// Package store provides the on-disk inputs and side outputs of the strategy
// tournament: the OHLCV price store (CSV with a Parquet fallback), the daily
// sentiment reader and the SQLite audit log of selector exchanges.
package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"finpod/internal/domain"
)

// ErrNotFound is returned when a requested file or row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTimestamp is returned when a bar file repeats a timestamp.
var ErrDuplicateTimestamp = errors.New("duplicate timestamp")

// SeriesSource presents OHLCV series on demand. Implementations must be safe
// for concurrent use and return series the caller may freely modify.
type SeriesSource interface {
	// GetSeries returns the series for (symbol, timeframe), or false when it
	// is missing or unreadable.
	GetSeries(symbol string, tf domain.Timeframe) (*domain.Series, bool)
}

// SentimentSource returns the sentiment score of a symbol on a date.
type SentimentSource interface {
	// Score returns a value in [-1, 1]; 0 when unknown.
	Score(date, symbol string) float64
}

// BarFormat selects the on-disk encoding of a bar file.
type BarFormat string

const (
	FormatCSV     BarFormat = "csv"
	FormatParquet BarFormat = "parquet"
)

// BarFileName returns the file name of a (symbol, timeframe) bar file, for
// example "daily_2330_TW.csv".
func BarFileName(symbol string, tf domain.Timeframe, format BarFormat) string {
	return fmt.Sprintf("%s_%s.%s", tf, domain.SafeSymbol(symbol), format)
}

// BarPath joins dir with BarFileName.
func BarPath(dir, symbol string, tf domain.Timeframe, format BarFormat) string {
	return filepath.Join(dir, BarFileName(symbol, tf, format))
}
