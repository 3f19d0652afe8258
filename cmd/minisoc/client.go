package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

// apiClient reads from a running server's query API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type alertsPage struct {
	Alerts []telemetry.Alert `json:"alerts"`
	Count  int               `json:"count"`
	Next   string            `json:"next"`
}

// alertsPage fetches one page of /api/v1/alerts.
func (c *apiClient) alertsPage(ctx context.Context, q url.Values) (alertsPage, error) {
	var page alertsPage
	err := c.get(ctx, "/api/v1/alerts?"+q.Encode(), &page)
	return page, err
}

// Query pages through every alert matching r and f. f.Limit caps the total;
// zero means all.
func (c *apiClient) Query(ctx context.Context, r timeline.Range, f timeline.Filter) ([]telemetry.Alert, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339Nano))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339Nano))
	}
	for k, v := range map[string]string{
		"detector":     f.DetectorID,
		"entity":       f.Entity,
		"actor":        f.Actor,
		"origin":       f.Origin,
		"min_severity": string(f.MinSeverity),
		"after":        f.After,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	pageSize := 1000
	if f.Limit > 0 && f.Limit < pageSize {
		pageSize = f.Limit
	}
	q.Set("limit", strconv.Itoa(pageSize))

	var out []telemetry.Alert
	for {
		page, err := c.alertsPage(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Alerts...)
		if f.Limit > 0 && len(out) >= f.Limit {
			return out[:f.Limit], nil
		}
		if page.Next == "" {
			return out, nil
		}
		q.Set("after", page.Next)
	}
}

func (c *apiClient) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, e.Error)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
