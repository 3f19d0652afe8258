package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig_Valid verifies the defaults pass validation.
func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"console"}, cfg.Outputs())
	assert.Empty(t, cfg.EnabledFeeds())
	assert.Equal(t, "memory", cfg.Store.Backend)
}

// TestLoad_OverridesDefaults verifies partial files keep unspecified
// defaults, including inlined sections.
func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minisoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
pipeline:
  stall_grace: 5s
detection:
  brute_force:
    threshold: 8
notify:
  suppress_ttl: 10m
  hec: true
splunk:
  sender:
    url: https://splunk.example:8088/services/collector/event
enrichment:
  lookup_path: /etc/minisoc/lookup.yaml
  otx:
    enabled: true
    pulse_limit: 10
rate_limit:
  requests_per_minute: 120
  redis: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.StallGrace)
	assert.Equal(t, 8, cfg.Detection.BruteForce.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.Detection.BruteForce.Window)
	assert.Equal(t, 10*time.Minute, cfg.Notify.SuppressTTL)
	assert.Equal(t, 10000, cfg.Notify.MaxKeys)
	assert.Equal(t, []string{"console", "hec"}, cfg.Outputs())
	assert.Equal(t, "/etc/minisoc/lookup.yaml", cfg.Enrichment.LookupPath)
	assert.Equal(t, time.Hour, cfg.Enrichment.Interval)
	assert.Equal(t, 10, cfg.Enrichment.OTX.PulseLimit)
	assert.Equal(t, "OTX_API_KEY", cfg.Enrichment.OTX.APIKey)
	assert.Equal(t, []string{"otx"}, cfg.EnabledFeeds())
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.True(t, cfg.RateLimit.Redis)
	assert.True(t, cfg.RateLimit.Enabled)
}

// TestParse_Empty verifies an empty document yields the defaults.
func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

// TestParse_Errors verifies unknown keys and invalid values are rejected.
func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "server:\n  port: 8080\n", "field port not found"},
		{"bad backend", "store:\n  backend: sqlite\n", "store.backend"},
		{"hec without url", "notify:\n  hec: true\n", "splunk.sender.url"},
		{"misp without url", "enrichment:\n  misp:\n    enabled: true\n", "misp.base_url"},
		{"bad log level", "observability:\n  log_level: loud\n", "log_level"},
		{"bad bands", "scoring:\n  bands:\n    medium: 80\n    high: 50\n", "bands must be ascending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// TestValidate_CollectsAll verifies every problem is reported at once.
func TestValidate_CollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	cfg.Agent.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
	assert.Contains(t, err.Error(), "agent.batch_size")
}
