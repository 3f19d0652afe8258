package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT UNIQUE NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL,
	line_seq    BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL DEFAULT '',
	target      TEXT NOT NULL DEFAULT '',
	port        INTEGER NOT NULL DEFAULT 0,
	parser      TEXT NOT NULL DEFAULT '',
	raw         TEXT NOT NULL,
	parse_ok    BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	dedup_key   TEXT PRIMARY KEY,
	detector_id TEXT NOT NULL,
	title       TEXT NOT NULL,
	entity      TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL DEFAULT '',
	target      TEXT NOT NULL DEFAULT '',
	bucket      TIMESTAMPTZ NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	severity    TEXT NOT NULL,
	confidence  TEXT NOT NULL,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL,
	count       INTEGER NOT NULL,
	evidence    JSONB NOT NULL,
	techniques  TEXT[] NOT NULL DEFAULT '{}',
	details     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS alerts_first_seen_idx ON alerts (first_seen, dedup_key);
`

// The higher score owns the descriptive columns; the higher count owns the
// evidence. Window bounds and counters only move outward.
const upsertAlertSQL = `
INSERT INTO alerts (dedup_key, detector_id, title, entity, actor, origin, target, bucket,
	score, severity, confidence, first_seen, last_seen, count, evidence, techniques, details)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (dedup_key) DO UPDATE SET
	title      = CASE WHEN EXCLUDED.score > alerts.score THEN EXCLUDED.title ELSE alerts.title END,
	severity   = CASE WHEN EXCLUDED.score > alerts.score THEN EXCLUDED.severity ELSE alerts.severity END,
	confidence = CASE WHEN EXCLUDED.score > alerts.score THEN EXCLUDED.confidence ELSE alerts.confidence END,
	score      = GREATEST(alerts.score, EXCLUDED.score),
	first_seen = LEAST(alerts.first_seen, EXCLUDED.first_seen),
	last_seen  = GREATEST(alerts.last_seen, EXCLUDED.last_seen),
	evidence   = CASE WHEN EXCLUDED.count >= alerts.count THEN EXCLUDED.evidence ELSE alerts.evidence END,
	details    = CASE WHEN EXCLUDED.count >= alerts.count THEN EXCLUDED.details ELSE alerts.details END,
	count      = GREATEST(alerts.count, EXCLUDED.count),
	techniques = EXCLUDED.techniques
`

// Postgres stores events and alerts in PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database, checks connectivity and applies the
// schema.
func NewPostgres(ctx context.Context, dsn string, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// AppendEvents implements Store. Re-appending an event ID is a no-op.
func (p *Postgres) AppendEvents(ctx context.Context, events []telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, ts, observed_at, source, line_seq, kind, actor, origin, target, port, parser, raw, parse_ok)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx, ev.ID, ev.Timestamp, ev.ObservedAt, ev.Source, int64(ev.Seq),
			string(ev.Kind), ev.Actor, ev.Origin, ev.Target, ev.Port, ev.Parser, ev.Raw, ev.ParseOK)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// UpsertAlert implements Store.
func (p *Postgres) UpsertAlert(ctx context.Context, a telemetry.Alert) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	details := a.Details
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	techniques := a.Techniques
	if techniques == nil {
		techniques = []string{}
	}
	_, err = p.db.ExecContext(ctx, upsertAlertSQL,
		a.DedupKey, a.DetectorID, a.Title, a.Entity, a.Actor, a.Origin, a.Target, a.Bucket,
		a.Score, string(a.Severity), string(a.Confidence), a.FirstSeen, a.LastSeen, a.Count,
		evidence, pq.Array(techniques), detailsJSON)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.DedupKey, err)
	}
	return nil
}

// QueryAlerts implements Store.
func (p *Postgres) QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.Alert, error) {
	query := `
		SELECT dedup_key, detector_id, title, entity, actor, origin, target, bucket, score,
			severity, confidence, first_seen, last_seen, count, evidence, techniques, details
		FROM alerts
		WHERE ($1::timestamptz IS NULL OR first_seen >= $1)
		  AND ($2::timestamptz IS NULL OR first_seen < $2)
		ORDER BY first_seen, dedup_key`

	rows, err := p.db.QueryContext(ctx, query, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []telemetry.Alert
	for rows.Next() {
		var (
			a                     telemetry.Alert
			severity, confidence  string
			evidence, detailsJSON []byte
		)
		err := rows.Scan(&a.DedupKey, &a.DetectorID, &a.Title, &a.Entity, &a.Actor, &a.Origin, &a.Target,
			&a.Bucket, &a.Score, &severity, &confidence, &a.FirstSeen, &a.LastSeen, &a.Count,
			&evidence, pq.Array(&a.Techniques), &detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = telemetry.Severity(severity)
		a.Confidence = telemetry.Confidence(confidence)
		if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", a.DedupKey, err)
		}
		if err := json.Unmarshal(detailsJSON, &a.Details); err != nil {
			return nil, fmt.Errorf("decode details for %s: %w", a.DedupKey, err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return alerts, nil
}

// RecentEvents implements Store.
func (p *Postgres) RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ts, observed_at, source, line_seq, kind, actor, origin, target, port, parser, raw, parse_ok
		FROM events ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			ev   telemetry.Event
			seq  int64
			kind string
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ObservedAt, &ev.Source, &seq, &kind,
			&ev.Actor, &ev.Origin, &ev.Target, &ev.Port, &ev.Parser, &ev.Raw, &ev.ParseOK); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Kind = telemetry.Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}
