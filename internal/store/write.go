package store

import (
	"fmt"
	"os"
	"path/filepath"

	"finpod/internal/domain"
)

// WriteSeries stores bars as the (symbol, tf) bar file under dir in the
// given format. The file is written under a temporary name and renamed into
// place so a concurrent PriceStore never reads a partial file.
func WriteSeries(dir, symbol string, tf domain.Timeframe, format BarFormat, bars []domain.Bar) error {
	path := BarPath(dir, symbol, tf, format)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating market dir: %w", err)
	}
	tmp := path + ".tmp"

	switch format {
	case FormatParquet:
		if err := WriteBarsParquet(tmp, bars); err != nil {
			os.Remove(tmp)
			return err
		}
	case FormatCSV:
		f, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("creating %s: %w", tmp, err)
		}
		if err := WriteBarsCSV(f, bars); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("closing %s: %w", tmp, err)
		}
	default:
		return fmt.Errorf("unknown bar format %q", format)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
