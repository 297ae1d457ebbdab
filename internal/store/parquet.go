package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"finpod/internal/domain"
)

// BarRecord is the Parquet schema for bar files.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// WriteBarsParquet writes bars to a Parquet file at path, creating parent
// directories as needed.
func WriteBarsParquet(path string, bars []domain.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing parquet %s: %w", path, err)
	}
	return nil
}

// ReadBarsParquet reads a bar file written by WriteBarsParquet. Rows with
// non-finite values are dropped; the result is sorted and duplicate-free.
func ReadBarsParquet(path string) ([]domain.Bar, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(records))
	for _, r := range records {
		if !finite(r.Open, r.High, r.Low, r.Close, r.Volume) {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return sortUnique(bars)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if domain.Finite(v) != v {
			return false
		}
	}
	return true
}
