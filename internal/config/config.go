// Package config provides configuration management for minisoc.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/minisoc/internal/agent"
	"github.com/lvonguyen/minisoc/internal/api"
	"github.com/lvonguyen/minisoc/internal/api/gateway"
	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/notify"
	"github.com/lvonguyen/minisoc/internal/observability"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/scoring"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry/correlation"
	"github.com/lvonguyen/minisoc/internal/telemetry/normalization"
	"github.com/lvonguyen/minisoc/internal/transport/natsbus"
)

// Config holds all minisoc configuration. Secrets are never stored here;
// *_env fields name the environment variables that hold them.
type Config struct {
	Observability observability.Config          `yaml:"observability"`
	Server        api.Config                    `yaml:"server"`
	Pipeline      pipeline.Config               `yaml:"pipeline"`
	Normalization normalization.NormalizerConfig `yaml:"normalization"`
	Store         store.Config                  `yaml:"store"`
	Enrichment    EnrichmentConfig              `yaml:"enrichment"`
	Detection     correlation.Config            `yaml:"detection"`
	Scoring       scoring.Config                `yaml:"scoring"`
	Notify        NotifyConfig                  `yaml:"notify"`
	Splunk        SplunkConfig                  `yaml:"splunk"`
	NATS          natsbus.Config                `yaml:"nats"`
	RateLimit     RateLimitConfig               `yaml:"rate_limit"`
	Agent         AgentConfig                   `yaml:"agent"`
}

// EnrichmentConfig holds the lookup file and threat intel feeds.
type EnrichmentConfig struct {
	enrichment.ReloaderConfig `yaml:",inline"`
	OTX                       OTXConfig  `yaml:"otx"`
	MISP                      MISPConfig `yaml:"misp"`
}

// OTXConfig enables the AlienVault OTX feed.
type OTXConfig struct {
	Enabled              bool `yaml:"enabled"`
	enrichment.OTXConfig `yaml:",inline"`
}

// MISPConfig enables the MISP feed.
type MISPConfig struct {
	Enabled               bool `yaml:"enabled"`
	enrichment.MISPConfig `yaml:",inline"`
}

// NotifyConfig selects alert outputs.
type NotifyConfig struct {
	notify.RouterConfig `yaml:",inline"`
	Console             bool `yaml:"console"`
	HEC                 bool `yaml:"hec"`  // uses splunk.sender
	NATS                bool `yaml:"nats"` // publishes on nats.alert_subject
}

// SplunkConfig holds Splunk HEC settings.
type SplunkConfig struct {
	Receiver splunk.ReceiverConfig `yaml:"receiver"`
	Sender   splunk.SenderConfig   `yaml:"sender"`
}

// RateLimitConfig configures ingest rate limiting.
type RateLimitConfig struct {
	gateway.RateLimitConfig `yaml:",inline"`
	// Redis shares limits across servers through store.redis.
	Redis bool `yaml:"redis"`
}

// AgentConfig holds settings for the log-shipping agent.
type AgentConfig struct {
	agent.Config `yaml:",inline"`
	LogPath      string        `yaml:"log_path"` // empty picks the first readable auth log
	FromStart    bool          `yaml:"from_start"`
	PollInterval time.Duration `yaml:"poll_interval"`

	Suspicious agent.SuspiciousConfig `yaml:"suspicious"`
}

// Load reads configuration from a YAML file over the defaults. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults: in-memory store, console alerts,
// no external services.
func DefaultConfig() *Config {
	return &Config{
		Observability: observability.DefaultConfig(),
		Server:        api.DefaultConfig(),
		Pipeline:      pipeline.DefaultConfig(),
		Normalization: normalization.NormalizerConfig{SkewTolerance: 24 * time.Hour},
		Store:         store.DefaultConfig(),
		Enrichment: EnrichmentConfig{
			ReloaderConfig: enrichment.ReloaderConfig{
				Interval:     time.Hour,
				FeedLookback: 7 * 24 * time.Hour,
			},
			OTX:  OTXConfig{OTXConfig: enrichment.DefaultOTXConfig()},
			MISP: MISPConfig{MISPConfig: enrichment.DefaultMISPConfig()},
		},
		Detection: correlation.DefaultConfig(),
		Scoring:   scoring.DefaultConfig(),
		Notify: NotifyConfig{
			RouterConfig: notify.DefaultRouterConfig(),
			Console:      true,
		},
		Splunk: SplunkConfig{
			Receiver: splunk.DefaultReceiverConfig(),
			Sender:   splunk.DefaultSenderConfig(),
		},
		NATS:      natsbus.DefaultConfig(),
		RateLimit: RateLimitConfig{RateLimitConfig: gateway.DefaultRateLimitConfig()},
		Agent: AgentConfig{
			Config:       agent.DefaultConfig(),
			PollInterval: 250 * time.Millisecond,
			Suspicious:   agent.DefaultSuspiciousConfig(),
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("observability.log_level %q is not one of debug, info, warn, error", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		add("observability.log_format %q is not json or console", c.Observability.LogFormat)
	}

	errs = multierr.Append(errs, c.Pipeline.Validate())
	errs = multierr.Append(errs, c.Scoring.Validate())
	if _, err := correlation.BuildDetectors(c.Detection); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("detection: %w", err))
	}
	if c.Normalization.SkewTolerance < 0 {
		add("normalization.skew_tolerance must not be negative")
	}

	switch strings.ToLower(c.Store.Backend) {
	case "", "memory", "redis", "postgres":
	default:
		add("store.backend %q is not memory, redis or postgres", c.Store.Backend)
	}
	if c.RateLimit.Redis && c.Store.Redis.Addr == "" {
		add("rate_limit.redis needs store.redis.addr")
	}

	if c.Enrichment.MISP.Enabled && c.Enrichment.MISP.BaseURL == "" {
		add("enrichment.misp.base_url is required when MISP is enabled")
	}
	if c.Notify.HEC && c.Splunk.Sender.URL == "" {
		add("splunk.sender.url is required when notify.hec is enabled")
	}
	if (c.Notify.NATS || c.NATS.Enabled) && c.NATS.URL == "" {
		add("nats.url is required when NATS is used")
	}
	if c.Notify.SuppressTTL < 0 {
		add("notify.suppress_ttl must not be negative")
	}
	if c.Agent.BatchSize <= 0 {
		add("agent.batch_size must be positive")
	}
	if c.Agent.Suspicious.Window < 0 || c.Agent.Suspicious.Threshold < 0 || c.Agent.Suspicious.Cooldown < 0 {
		add("agent.suspicious window, threshold and cooldown must not be negative")
	}
	return errs
}

// Outputs lists the enabled notification outputs.
func (c *Config) Outputs() []string {
	var out []string
	if c.Notify.Console {
		out = append(out, "console")
	}
	if c.Notify.HEC {
		out = append(out, "hec")
	}
	if c.Notify.NATS {
		out = append(out, "nats")
	}
	return out
}

// EnabledFeeds lists the enabled threat intel feeds.
func (c *Config) EnabledFeeds() []string {
	var feeds []string
	if c.Enrichment.MISP.Enabled {
		feeds = append(feeds, "misp")
	}
	if c.Enrichment.OTX.Enabled {
		feeds = append(feeds, "otx")
	}
	return feeds
}
