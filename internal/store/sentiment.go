package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time interface check.
var _ SentimentSource = (*SentimentReader)(nil)

// SentimentFile is the daily social-metrics document written by the
// sentiment collector.
type SentimentFile struct {
	OverallScore float64                    `json:"overall_score"`
	BullishRatio float64                    `json:"bullish_ratio"`
	Symbols      map[string]SymbolSentiment `json:"symbols"`
}

// SymbolSentiment is one symbol's entry in SentimentFile.
type SymbolSentiment struct {
	SentimentScore float64 `json:"sentiment_score"`
}

// SentimentReader reads <dir>/<date>/social_metrics.json and caches each
// date's document once it has been read successfully. A missing or broken
// file is retried on the next lookup, since the collector may still be
// writing it.
type SentimentReader struct {
	dir   string
	log   *slog.Logger
	mu    sync.Mutex
	cache map[string]*SentimentFile
}

// NewSentimentReader creates a reader rooted at dir.
func NewSentimentReader(dir string, log *slog.Logger) *SentimentReader {
	if log == nil {
		log = slog.Default()
	}
	return &SentimentReader{
		dir:   dir,
		log:   log.With("component", "sentiment"),
		cache: make(map[string]*SentimentFile),
	}
}

// Score returns the symbol's sentiment on date clamped to [-1, 1], or 0 when
// the file or the symbol is missing.
func (r *SentimentReader) Score(date, symbol string) float64 {
	f := r.file(date)
	if f == nil {
		return 0
	}
	s, ok := f.Symbols[symbol]
	if !ok {
		return 0
	}
	return max(-1, min(1, s.SentimentScore))
}

func (r *SentimentReader) file(date string) *SentimentFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.cache[date]; ok {
		return f
	}
	path := filepath.Join(r.dir, date, "social_metrics.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("reading sentiment file", "path", path, "error", err)
		}
		return nil
	}
	var f SentimentFile
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Warn("decoding sentiment file", "path", path, "error", err)
		return nil
	}
	r.cache[date] = &f
	return &f
}

// Clear drops every cached document.
func (r *SentimentReader) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]*SentimentFile)
	r.mu.Unlock()
}
