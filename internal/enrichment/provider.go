// Package enrichment attaches offline context (geolocation, known-bad
// origins) to events. Lookups run against immutable in-memory snapshots;
// threat intelligence feeds are pulled only when a snapshot is rebuilt.
package enrichment

import (
	"context"
	"time"
)

// Indicator is a known-bad network indicator pulled from a feed.
type Indicator struct {
	ID          string    `json:"id"`
	Value       string    `json:"value"` // IP address or CIDR
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Tags        []string  `json:"tags,omitempty"`
}

// IndicatorFeed is a threat intelligence source polled at reload time.
type IndicatorFeed interface {
	Name() string
	// FetchIPs returns IP indicators modified since the given time.
	FetchIPs(ctx context.Context, since time.Time) ([]Indicator, error)
	HealthCheck(ctx context.Context) error
}

// ProviderConfig holds common feed configuration.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key_env"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
	}
}
