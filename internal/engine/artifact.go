package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"finpod/internal/domain"
)

// ArtifactWriter persists tournament records under
// <dir>/<YYYY-MM-DD>/<safe_symbol>.json.
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter returns a writer rooted at dir.
func NewArtifactWriter(dir string) *ArtifactWriter {
	return &ArtifactWriter{dir: dir}
}

// Dir returns the artifact root.
func (w *ArtifactWriter) Dir() string { return w.dir }

// Path returns the artifact path of (date, symbol, tf). Daily records use
// the bare symbol; hourly records carry an "_hourly" suffix so both can
// exist for one day.
func (w *ArtifactWriter) Path(date, symbol string, tf domain.Timeframe) string {
	name := domain.SafeSymbol(symbol)
	if tf == domain.TimeframeHourly {
		name += "_hourly"
	}
	return filepath.Join(w.dir, date, name+".json")
}

// Write stores rec atomically: the bytes go to a temporary file in the
// target directory which is then renamed over the final path.
func (w *ArtifactWriter) Write(rec *domain.TournamentRecord) (string, error) {
	data, err := MarshalRecord(rec)
	if err != nil {
		return "", err
	}
	path := w.Path(rec.AnalysisDate, rec.Symbol, rec.Timeframe)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp artifact: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("chmod temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("renaming artifact: %w", err)
	}
	return path, nil
}

// MarshalRecord renders rec as UTF-8 JSON indented by two spaces with a
// trailing newline. Map keys are sorted, so equal records give equal bytes.
func MarshalRecord(rec *domain.TournamentRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encoding tournament record: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadRecord loads a persisted record.
func ReadRecord(path string) (*domain.TournamentRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec domain.TournamentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &rec, nil
}
