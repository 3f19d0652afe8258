// Package splunk speaks the Splunk HTTP Event Collector protocol in both
// directions: it accepts HEC traffic as an ingest transport and sends alerts
// to a Splunk collector.
package splunk

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/pipeline"
)

// Event is a Splunk HEC event.
type Event struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Text returns the event payload as a log line. String payloads are used
// verbatim; anything else is re-encoded as JSON.
func (e Event) Text() string {
	if s, ok := e.Event.(string); ok {
		return s
	}
	b, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Sprint(e.Event)
	}
	return string(b)
}

// Timestamp converts the HEC epoch seconds, zero when absent.
func (e Event) Timestamp() time.Time {
	if e.Time <= 0 {
		return time.Time{}
	}
	sec := int64(e.Time)
	return time.Unix(sec, int64((e.Time-float64(sec))*1e9)).UTC()
}

// =============================================================================
// Receiver
// =============================================================================

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"` // request body limit in bytes
}

// DefaultReceiverConfig returns the default receiver settings.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "MINISOC_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024,
	}
}

// ReceiverStats tracks receiver counters.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []Event) error

// Receiver accepts HEC requests.
type Receiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	mu      sync.RWMutex
	stats   ReceiverStats
}

// NewReceiver creates a receiver. logger may be nil.
func NewReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger) *Receiver {
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = DefaultReceiverConfig().MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{config: config, handler: handler, logger: logger}
}

// Routes mounts the collector endpoints.
func (r *Receiver) Routes(router chi.Router) {
	router.Post("/services/collector", r.handleEvent)
	router.Post("/services/collector/event", r.handleEvent)
	router.Post("/services/collector/event/1.0", r.handleEvent)
	router.Post("/services/collector/raw", r.handleRaw)
	router.Post("/services/collector/raw/1.0", r.handleRaw)
	router.Get("/services/collector/health", r.handleHealth)
	router.Get("/services/collector/health/1.0", r.handleHealth)
}

// Stats returns current receiver statistics.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Receiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}
	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), 6)
		return
	}
	r.dispatch(w, req, events, len(body))
}

func (r *Receiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	q := req.URL.Query()
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), r.config.MaxEventSize)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, Event{
			Event:      line,
			Source:     q.Get("source"),
			SourceType: q.Get("sourcetype"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", 5)
		return
	}
	if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
		writeHEC(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds maximum size of %d events", r.config.MaxBatchSize), 6)
		return
	}
	r.dispatch(w, req, events, len(body))
}

func (r *Receiver) dispatch(w http.ResponseWriter, req *http.Request, events []Event, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			if errors.Is(err, pipeline.ErrBackpressure) {
				w.Header().Set("Retry-After", "1")
				writeHEC(w, http.StatusServiceUnavailable, "Server is busy", 9)
				return
			}
			r.logger.Warn("HEC handler failed", zap.Int("events", len(events)), zap.Error(err))
			writeHEC(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}
	writeHEC(w, http.StatusOK, "Success", 0)
}

func (r *Receiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", 17)
}

// validateToken checks the Authorization header. With no token configured
// every request is rejected.
func (r *Receiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}
	got, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Splunk ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// parseEvents parses a HEC event body: one JSON object or several
// concatenated or newline-delimited objects.
func (r *Receiver) parseEvents(body []byte) ([]Event, error) {
	var single Event
	if err := json.Unmarshal(body, &single); err == nil {
		if single.Event == nil {
			return nil, errors.New("event field is required")
		}
		return []Event{single}, nil
	}

	var events []Event
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if event.Event == nil {
			return nil, errors.New("event field is required")
		}
		events = append(events, event)
		if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
	}
	if len(events) == 0 {
		return nil, errors.New("no valid events found")
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

// =============================================================================
// HEC Sender - sends alerts to a Splunk collector
// =============================================================================

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	URL          string        `yaml:"url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultSenderConfig returns the default sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:     "MINISOC_HEC_OUT_TOKEN",
		Index:        "minisoc",
		SourceType:   "minisoc:alert",
		Source:       "minisoc",
		BatchSize:    100,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
	}
}

// SenderStats tracks sender counters.
type SenderStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// Sender posts events to a Splunk HEC collector.
type Sender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	mu         sync.RWMutex
	stats      SenderStats
}

// NewSender creates a sender. The token is read from config.TokenEnv once.
func NewSender(config SenderConfig) (*Sender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.URL == "" {
		return nil, errors.New("HEC URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSenderConfig().Timeout
	}
	return &Sender{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Config returns the sender configuration.
func (s *Sender) Config() SenderConfig { return s.config }

// Send posts events as newline-delimited JSON, retrying with quadratic
// backoff.
func (s *Sender) Send(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode HEC event: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*attempt) * s.config.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = s.send(ctx, buf.Bytes(), len(events)); lastErr == nil {
			return nil
		}
	}

	s.mu.Lock()
	s.stats.EventsFailed += int64(len(events))
	s.mu.Unlock()
	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

func (s *Sender) send(ctx context.Context, data []byte, n int) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/event"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(n)
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Stats returns current sender statistics.
func (s *Sender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to the collector.
func (s *Sender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
