package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// progressTracker remembers, per timeframe, the last market date a fetch
// pass completed and the symbols that returned no bars during the current
// pass. Both live as dot files next to the bar files so an interrupted run
// resumes without refetching.
type progressTracker struct {
	mu         sync.Mutex
	triedEmpty map[string]struct{}
	writer     *bufio.Writer
	file       *os.File
	emptyPath  string
	donePath   string
}

func newProgressTracker(dir, timeframe string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating market dir: %w", err)
	}

	pt := &progressTracker{
		triedEmpty: make(map[string]struct{}),
		emptyPath:  filepath.Join(dir, "."+timeframe+".tried-empty"),
		donePath:   filepath.Join(dir, "."+timeframe+".last-completed"),
	}

	if data, err := os.ReadFile(pt.emptyPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				pt.triedEmpty[sym] = struct{}{}
			}
		}
	}
	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(p.emptyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(p.emptyPath), err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// IsTriedEmpty reports whether symbol already came back empty this pass.
func (p *progressTracker) IsTriedEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.triedEmpty[symbol]
	return ok
}

// MarkEmpty records symbols that returned no bars.
func (p *progressTracker) MarkEmpty(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := p.triedEmpty[sym]; ok {
			continue
		}
		p.triedEmpty[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("recording empty symbol: %w", err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted stores date as the last completed pass.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(p.donePath, []byte(date), 0o644)
}

// LastCompleted returns the date of the last completed pass, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(p.donePath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets the empty symbols of a previous pass.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.triedEmpty = make(map[string]struct{})
	os.Remove(p.emptyPath)
	return p.open()
}

// Close flushes and closes the empty-symbol file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
