package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXFeed pulls IP indicators from AlienVault OTX subscribed pulses.
type OTXFeed struct {
	config     OTXConfig
	httpClient *http.Client
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
	PulseLimit     int `yaml:"pulse_limit"` // max pulses per request
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	return OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:  "OTX_API_KEY",
			BaseURL: otxDefaultBaseURL,
			Timeout: 30 * time.Second,
		},
		PulseLimit: 50,
	}
}

// NewOTXFeed creates a new OTX feed.
func NewOTXFeed(config OTXConfig) (*OTXFeed, error) {
	if os.Getenv(config.APIKey) == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKey)
	}
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.PulseLimit <= 0 {
		config.PulseLimit = 50
	}
	return &OTXFeed{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns the feed identifier.
func (f *OTXFeed) Name() string {
	return "otx"
}

// HealthCheck verifies connectivity to OTX.
func (f *OTXFeed) HealthCheck(ctx context.Context) error {
	req, err := f.newRequest(ctx, http.MethodGet, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// FetchIPs walks subscribed pulses and extracts IPv4/IPv6 indicators.
func (f *OTXFeed) FetchIPs(ctx context.Context, since time.Time) ([]Indicator, error) {
	path := fmt.Sprintf("/pulses/subscribed?modified_since=%s&limit=%d",
		url.QueryEscape(since.UTC().Format(time.RFC3339)),
		f.config.PulseLimit,
	)

	req, err := f.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("creating indicators request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OTX pulses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("OTX returned %d: %s", resp.StatusCode, string(body))
	}

	var pulses OTXPulseListResponse
	if err := json.NewDecoder(resp.Body).Decode(&pulses); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}

	var out []Indicator
	for _, pulse := range pulses.Results {
		modified := parseOTXTime(pulse.Modified)
		for _, ind := range pulse.Indicators {
			if ind.Type != "IPv4" && ind.Type != "IPv6" && ind.Type != "CIDR" {
				continue
			}
			out = append(out, Indicator{
				ID:          ind.ID,
				Value:       ind.Indicator,
				Source:      "otx:" + pulse.Name,
				Description: ind.Description,
				LastSeen:    modified,
				Tags:        pulse.Tags,
			})
		}
	}
	return out, nil
}

func (f *OTXFeed) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(f.config.BaseURL, "/") + otxAPIPath + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", os.Getenv(f.config.APIKey))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "minisoc/1.0")
	return req, nil
}

func parseOTXTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000000", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// OTXPulseListResponse is the response from /pulses/subscribed.
type OTXPulseListResponse struct {
	Results []OTXPulse `json:"results"`
	Count   int        `json:"count"`
	Next    string     `json:"next,omitempty"`
}

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Modified   string         `json:"modified"`
	Tags       []string       `json:"tags"`
	Indicators []OTXIndicator `json:"indicators,omitempty"`
}

// OTXIndicator represents an indicator within a pulse.
type OTXIndicator struct {
	ID          string `json:"id"`
	Indicator   string `json:"indicator"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}
