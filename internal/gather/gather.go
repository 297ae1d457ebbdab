// Package gather defines the collectors that drop OHLCV bar files into the
// market data directory read by the price store.
package gather

import (
	"context"
	"time"
)

// Gatherer is one collector. Run performs a single pass and is safe to
// repeat: a pass that already finished for the current market date is a
// no-op.
type Gatherer interface {
	Name() string
	Run(ctx context.Context) error
}

// DateRange is the half-open window [From, To) requested from a provider.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Lookback returns the window covering the days calendar days before end.
func Lookback(end time.Time, days int) DateRange {
	return DateRange{From: end.AddDate(0, 0, -days), To: end}
}
