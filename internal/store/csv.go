package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"finpod/internal/domain"
)

var timeColumns = []string{"date", "datetime", "timestamp"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ReadBarsCSV decodes bars from CSV with a header row. Column names are
// matched case-insensitively; the time column may be called date, datetime
// or timestamp. Rows with an unparsable time or a non-finite OHLCV value are
// dropped. The result is sorted ascending; a repeated timestamp is an error.
func ReadBarsCSV(r io.Reader) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}

	tcol := -1
	for _, name := range timeColumns {
		if i, ok := cols[name]; ok {
			tcol = i
			break
		}
	}
	if tcol < 0 {
		return nil, errors.New("csv has no date column")
	}
	idx := make([]int, 5)
	for i, name := range []string{"open", "high", "low", "close", "volume"} {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("csv has no %s column", name)
		}
		idx[i] = c
	}

	var bars []domain.Bar
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		bar, ok := parseRow(rec, tcol, idx)
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}

	return sortUnique(bars)
}

func parseRow(rec []string, tcol int, idx []int) (domain.Bar, bool) {
	if tcol >= len(rec) {
		return domain.Bar{}, false
	}
	ts, ok := parseTime(rec[tcol])
	if !ok {
		return domain.Bar{}, false
	}
	var v [5]float64
	for i, c := range idx {
		if c >= len(rec) {
			return domain.Bar{}, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return domain.Bar{}, false
		}
		v[i] = f
	}
	return domain.Bar{Timestamp: ts, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]}, true
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func sortUnique(bars []domain.Bar) ([]domain.Bar, error) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Equal(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTimestamp, bars[i].Timestamp.Format(time.RFC3339))
		}
	}
	return bars, nil
}

// WriteBarsCSV encodes bars with the header date,open,high,low,close,volume.
// Midnight UTC timestamps are written as plain dates, others as RFC 3339.
func WriteBarsCSV(w io.Writer, bars []domain.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		date := ts.Format(time.RFC3339)
		if ts.Equal(ts.Truncate(24 * time.Hour)) {
			date = ts.Format("2006-01-02")
		}
		row := []string{
			date,
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
