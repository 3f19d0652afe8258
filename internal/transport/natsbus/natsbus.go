// Package natsbus carries ingest batches and alert notifications over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/transport/batch"
)

// Config holds NATS settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	IngestSubject string        `yaml:"ingest_subject"` // subscribed as <subject>.>
	AlertSubject  string        `yaml:"alert_subject"`
	PushTimeout   time.Duration `yaml:"push_timeout"`
}

// DefaultConfig returns the default NATS settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "minisoc",
		IngestSubject: "minisoc.ingest",
		AlertSubject:  "minisoc.alerts",
		PushTimeout:   2 * time.Second,
	}
}

// Connect dials the server with reconnects enabled.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Ingester accepts lines for a source.
type Ingester interface {
	Ingest(ctx context.Context, source string, lines []pipeline.Line) (int, error)
}

// Reply is sent back when a message carries a reply subject.
type Reply struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Subscriber feeds ingest messages into the pipeline. The source is the
// subject suffix after the ingest prefix unless the body names one.
type Subscriber struct {
	cfg    Config
	sink   Ingester
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewSubscriber creates a subscriber; call Subscribe to start receiving.
func NewSubscriber(cfg Config, sink Ingester, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultConfig().PushTimeout
	}
	return &Subscriber{cfg: cfg, sink: sink, logger: logger}
}

// Subscribe starts receiving on <IngestSubject>.>.
func (s *Subscriber) Subscribe(nc *nats.Conn) error {
	sub, err := nc.Subscribe(s.cfg.IngestSubject+".>", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.cfg.IngestSubject, err)
	}
	s.sub = sub
	s.logger.Info("Subscribed to NATS ingest", zap.String("subject", sub.Subject))
	return nil
}

// Close unsubscribes after pending messages are handled.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	reply := s.process(msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("NATS reply failed", zap.Error(err))
	}
}

func (s *Subscriber) process(subject string, data []byte) Reply {
	source := strings.TrimPrefix(subject, s.cfg.IngestSubject+".")
	b, err := batch.Decode(data, "")
	if err != nil {
		s.logger.Warn("Dropped malformed NATS batch", zap.String("subject", subject), zap.Error(err))
		return Reply{Error: err.Error()}
	}
	if b.Source != "" {
		source = b.Source
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PushTimeout)
	defer cancel()
	n, err := s.sink.Ingest(ctx, source, b.Lines)
	if err != nil {
		level := s.logger.Warn
		if errors.Is(err, pipeline.ErrClosed) {
			level = s.logger.Debug
		}
		level("NATS batch partially accepted",
			zap.String("source", source),
			zap.Int("accepted", n),
			zap.Int("lines", len(b.Lines)),
			zap.Error(err))
		return Reply{Accepted: n, Error: err.Error()}
	}
	return Reply{Accepted: n}
}
