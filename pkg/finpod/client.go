// Package finpod is a Go client for the strategy tournament HTTP API.
package finpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finpod/internal/domain"
	"finpod/internal/httpapi"
)

// Record is a persisted tournament record.
type Record = domain.TournamentRecord

// Summary is the condensed per-symbol view of a day.
type Summary = httpapi.SummaryJSON

// ErrNotFound is returned when the server has no record for the request.
var ErrNotFound = errors.New("finpod: not found")

// Client provides a Go SDK for the tournament API served by
// strategy-tournament serve.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dates lists analysis dates with artifacts, newest first.
func (c *Client) Dates(ctx context.Context) ([]string, error) {
	var out httpapi.DatesResponse
	if err := c.get(ctx, "/api/strategy/dates", nil, &out); err != nil {
		return nil, err
	}
	return out.Dates, nil
}

// Day returns every record of date.
func (c *Client) Day(ctx context.Context, date string) ([]Record, error) {
	var out httpapi.DayResponse
	if err := c.get(ctx, "/api/strategy/"+url.PathEscape(date), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Summaries returns the condensed view of date.
func (c *Client) Summaries(ctx context.Context, date string) ([]Summary, error) {
	var out httpapi.SummaryResponse
	q := url.Values{"view": {"summary"}}
	if err := c.get(ctx, "/api/strategy/"+url.PathEscape(date), q, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Record returns the record of symbol on date for timeframe ("" means
// daily).
func (c *Client) Record(ctx context.Context, date, symbol string, tf domain.Timeframe) (*Record, error) {
	var q url.Values
	if tf != "" {
		q = url.Values{"timeframe": {string(tf)}}
	}
	var rec Record
	path := "/api/strategy/" + url.PathEscape(date) + "/" + url.PathEscape(symbol)
	if err := c.get(ctx, path, q, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Healthy reports whether /healthz answers ok.
func (c *Client) Healthy(ctx context.Context) bool {
	var out httpapi.HealthResponse
	return c.get(ctx, "/healthz", nil, &out) == nil && out.Status == "ok"
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
