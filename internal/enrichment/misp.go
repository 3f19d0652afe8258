package enrichment

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// MISPFeed pulls ip-src/ip-dst attributes from a MISP instance.
type MISPFeed struct {
	config     MISPConfig
	httpClient *http.Client
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	VerifySSL      bool `yaml:"verify_ssl"`
	PublishedOnly  bool `yaml:"published_only"`
	ToIDSOnly      bool `yaml:"to_ids_only"`
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := MISPConfig{
		ProviderConfig: DefaultProviderConfig(),
		VerifySSL:      true,
		PublishedOnly:  true,
		ToIDSOnly:      true,
	}
	cfg.APIKey = "MISP_API_KEY"
	return cfg
}

// NewMISPFeed creates a new MISP feed.
func NewMISPFeed(config MISPConfig) (*MISPFeed, error) {
	if os.Getenv(config.APIKey) == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKey)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed MISP
	}
	return &MISPFeed{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// Name returns the feed identifier.
func (f *MISPFeed) Name() string {
	return "misp"
}

// HealthCheck verifies connectivity to MISP.
func (f *MISPFeed) HealthCheck(ctx context.Context) error {
	req, err := f.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}
	return nil
}

// FetchIPs runs an attribute restSearch for IP attributes.
func (f *MISPFeed) FetchIPs(ctx context.Context, since time.Time) ([]Indicator, error) {
	searchReq := MISPAttributeSearchRequest{
		Type:      "ip-src|ip-dst",
		Published: f.config.PublishedOnly,
		ToIDS:     f.config.ToIDSOnly,
	}
	if !since.IsZero() {
		searchReq.Timestamp = since.Unix()
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, err
	}
	req, err := f.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, string(msg))
	}

	var searchResp MISPAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to decode MISP response: %w", err)
	}

	out := make([]Indicator, 0, len(searchResp.Response.Attribute))
	for _, attr := range searchResp.Response.Attribute {
		tags := make([]string, 0, len(attr.Tag))
		for _, t := range attr.Tag {
			tags = append(tags, t.Name)
		}
		source := "misp"
		if attr.Event.Info != "" {
			source = "misp:" + attr.Event.Info
		}
		var lastSeen time.Time
		if attr.LastSeen > 0 {
			lastSeen = time.Unix(attr.LastSeen, 0).UTC()
		}
		out = append(out, Indicator{
			ID:          attr.UUID,
			Value:       attr.Value,
			Source:      source,
			Description: attr.Comment,
			LastSeen:    lastSeen,
			Tags:        tags,
		})
	}
	return out, nil
}

func (f *MISPFeed) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := strings.TrimSuffix(f.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", os.Getenv(f.config.APIKey))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Published bool   `json:"published,omitempty"`
	ToIDS     bool   `json:"to_ids,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	UUID     string    `json:"uuid"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Value    string    `json:"value"`
	Comment  string    `json:"comment"`
	LastSeen int64     `json:"last_seen"`
	Tag      []MISPTag `json:"Tag,omitempty"`
	Event    MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	Name string `json:"name"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID   string `json:"id"`
	Info string `json:"info"`
}
