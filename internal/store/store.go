// Package store persists events and alerts behind a small interface with
// memory, Redis and PostgreSQL backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Common errors.
var (
	ErrUnavailable    = errors.New("store unavailable")
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Store is the durable side of the timeline. UpsertAlert must be monotonic:
// a stale write never lowers score, count or last_seen, nor raises
// first_seen.
type Store interface {
	AppendEvents(ctx context.Context, events []telemetry.Event) error
	UpsertAlert(ctx context.Context, alert telemetry.Alert) error
	// QueryAlerts returns alerts with first_seen in [from, to), ordered by
	// (first_seen, dedup_key). A zero bound is open.
	QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.Alert, error)
	// RecentEvents returns up to limit events, most recently appended first.
	RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend   string          `yaml:"backend"` // memory, redis, postgres
	EventCap  int             `yaml:"event_cap"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Resilient ResilientConfig `yaml:"resilient"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  "memory",
		EventCap: 10000,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "minisoc",
		},
		Postgres: PostgresConfig{
			DSNEnv:          "MINISOC_POSTGRES_DSN",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Resilient: DefaultResilientConfig(),
	}
}

// Open builds the configured backend wrapped in the resilient policy.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Resilient, error) {
	var (
		inner Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		inner = NewMemory(cfg.EventCap)
	case "redis":
		inner, err = NewRedis(ctx, cfg.Redis, os.Getenv(cfg.Redis.PasswordEnv), cfg.EventCap)
	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("postgres DSN not found in env var %s", cfg.Postgres.DSNEnv)
		}
		inner, err = NewPostgres(ctx, dsn, cfg.Postgres)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewResilient(inner, cfg.Resilient, logger, nil), nil
}

// mergeStored applies the monotonic write rule to a persisted alert.
// Timeline writes carry cumulative counts, so count takes the maximum.
func mergeStored(old, in telemetry.Alert) telemetry.Alert {
	m := in
	if old.Score > in.Score {
		m.Score = old.Score
		m.Severity = old.Severity
		m.Title = old.Title
		m.Confidence = old.Confidence
	}
	if !old.FirstSeen.IsZero() && old.FirstSeen.Before(m.FirstSeen) {
		m.FirstSeen = old.FirstSeen
	}
	if old.LastSeen.After(m.LastSeen) {
		m.LastSeen = old.LastSeen
	}
	if old.Count > m.Count {
		m.Count = old.Count
	}
	m.Evidence = telemetry.MergeEvidence(old.Evidence, in.Evidence)
	return m
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}
