// Package agent ships followed log lines to a minisoc server.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/transport/batch"
)

// SourceHeader matches the server's ingest header.
const SourceHeader = "X-Minisoc-Source"

const maxBackoff = 30 * time.Second

// ErrRejected marks a batch the server refused for good (4xx other than 429).
var ErrRejected = errors.New("batch rejected")

// Config holds shipping settings.
type Config struct {
	ServerURL     string        `yaml:"server_url"`
	Source        string        `yaml:"source"` // defaults to the hostname
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	Gzip          bool          `yaml:"gzip"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxRetries    int           `yaml:"max_retries"` // 0 retries until the context ends
}

// DefaultConfig returns agent defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:     "http://localhost:8080",
		BatchSize:     200,
		FlushInterval: time.Second,
		Timeout:       10 * time.Second,
		Gzip:          true,
		RetryBackoff:  2 * time.Second,
	}
}

// Stats counts shipped lines.
type Stats struct {
	LinesSent     int64     `json:"lines_sent"`
	LinesRejected int64     `json:"lines_rejected"`
	Batches       int64     `json:"batches"`
	Retries       int64     `json:"retries"`
	LastSendAt    time.Time `json:"last_send_at"`
}

// Shipper batches lines and posts them to /api/v1/ingest.
type Shipper struct {
	cfg      Config
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a shipper.
func New(cfg Config, logger *zap.Logger) (*Shipper, error) {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Source == "" {
		return nil, errors.New("agent: source is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("agent: invalid server URL %q", cfg.ServerURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shipper{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(cfg.ServerURL, "/") + "/api/v1/ingest",
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With(zap.String("source", cfg.Source)),
	}, nil
}

// Stats returns current shipping statistics.
func (s *Shipper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run ships lines from in until in is closed or ctx ends. Buffered lines
// are sent once more on the way out, bounded by the request timeout.
func (s *Shipper) Run(ctx context.Context, in <-chan pipeline.Line) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]pipeline.Line, 0, s.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		if err := s.Ship(ctx, buf); err != nil {
			s.logger.Error("Dropping batch", zap.Int("lines", len(buf)), zap.Error(err))
		}
		buf = buf[:0]
	}
	final := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		flush(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			final()
			return nil
		case l, ok := <-in:
			if !ok {
				final()
				return nil
			}
			buf = append(buf, l)
			if len(buf) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Ship posts one batch, retrying on network errors, 429 and 5xx.
func (s *Shipper) Ship(ctx context.Context, lines []pipeline.Line) error {
	body, err := s.encode(lines)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		wait, err := s.post(ctx, body)
		if err == nil {
			s.mu.Lock()
			s.stats.LinesSent += int64(len(lines))
			s.stats.Batches++
			s.stats.LastSendAt = time.Now()
			s.mu.Unlock()
			return nil
		}
		if errors.Is(err, ErrRejected) {
			s.mu.Lock()
			s.stats.LinesRejected += int64(len(lines))
			s.mu.Unlock()
			return err
		}
		if s.cfg.MaxRetries > 0 && attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("failed after %d retries: %w", attempt, err)
		}
		if wait <= 0 {
			wait = s.backoff(attempt)
		}
		s.logger.Warn("Ship failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		s.mu.Lock()
		s.stats.Retries++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Shipper) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBackoff << min(attempt, 5)
	return min(d, maxBackoff)
}

func (s *Shipper) encode(lines []pipeline.Line) ([]byte, error) {
	data, err := batch.Encode(s.cfg.Source, lines)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if !s.cfg.Gzip {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// post sends body once. The returned duration is the server's Retry-After
// hint, if any.
func (s *Shipper) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceHeader, s.cfg.Source)
	if s.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ingest request failed: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode/100 == 2:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return 0, fmt.Errorf("%w: server returned %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxBackoff)
}
