package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lvonguyen/minisoc/internal/enrichment"
	"github.com/lvonguyen/minisoc/internal/mitre"
	"github.com/lvonguyen/minisoc/internal/pipeline"
	"github.com/lvonguyen/minisoc/internal/splunk"
	"github.com/lvonguyen/minisoc/internal/store"
	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
	"github.com/lvonguyen/minisoc/internal/transport/batch"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingest

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	b, err := batch.Decode(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.MaxLines > 0 && len(b.Lines) > s.cfg.MaxLines {
		writeError(w, http.StatusRequestEntityTooLarge, "too many lines: max "+strconv.Itoa(s.cfg.MaxLines))
		return
	}

	source := r.Header.Get(SourceHeader)
	if source == "" {
		source = b.Source
	}
	if source == "" {
		source = "http"
	}

	ctx := r.Context()
	if s.cfg.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PushTimeout)
		defer cancel()
	}
	n, err := s.deps.Pipeline.Ingest(ctx, source, b.Lines)
	if err != nil {
		s.logger.Warn("Ingest incomplete",
			zap.String("source", source),
			zap.Int("accepted", n),
			zap.Int("lines", len(b.Lines)),
			zap.Error(err))
		if errors.Is(err, pipeline.ErrBackpressure) || errors.Is(err, pipeline.ErrClosed) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"accepted": n, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"accepted": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}

// Alert queries

type alertsResponse struct {
	Alerts []telemetry.Alert `json:"alerts"`
	Count  int               `json:"count"`
	Next   string            `json:"next,omitempty"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := timeline.Filter{
		DetectorID: q.Get("detector"),
		Entity:     q.Get("entity"),
		Actor:      q.Get("actor"),
		Origin:     q.Get("origin"),
		After:      q.Get("after"),
		Limit:      defaultQueryLimit,
	}
	if v := q.Get("min_severity"); v != "" {
		sev, ok := telemetry.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid min_severity: "+v)
			return
		}
		f.MinSeverity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		f.Limit = min(n, maxQueryLimit)
	}

	alerts, err := s.deps.Timeline.Query(r.Context(), rng, f)
	if err != nil {
		if errors.Is(err, timeline.ErrBadCursor) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := alertsResponse{Alerts: alerts, Count: len(alerts)}
	if len(alerts) == f.Limit {
		resp.Next = timeline.CursorOf(alerts[len(alerts)-1])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	a, ok := s.deps.Timeline.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Timeline.Summary(r.Context(), rng))
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no event store configured")
		return
	}
	limit := defaultQueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = min(n, maxQueryLimit)
	}
	events, err := s.deps.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// Detectors and stats

type detectorInfo struct {
	ID         string          `json:"id"`
	Techniques []mitre.Mapping `json:"techniques"`
}

func (s *Server) handleDetectors(w http.ResponseWriter, _ *http.Request) {
	var ids []string
	if s.deps.Detectors != nil {
		ids = s.deps.Detectors.DetectorIDs()
	}
	out := make([]detectorInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, detectorInfo{ID: id, Techniques: s.deps.Attack.MapDetector(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"detectors": out, "count": len(out)})
}

type statsResponse struct {
	Pipeline      pipeline.Stats           `json:"pipeline"`
	Enrichment    enrichment.SnapshotStats `json:"enrichment"`
	AlertsIndexed int                      `json:"alerts_indexed"`
	StoreBuffer   *store.BufferStats       `json:"store_buffer,omitempty"`
	HEC           *splunk.ReceiverStats    `json:"hec,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Enrichment:    s.deps.Tables.Load().Stats(),
		AlertsIndexed: s.deps.Timeline.Len(),
	}
	if s.deps.Pipeline != nil {
		resp.Pipeline = s.deps.Pipeline.Stats()
	}
	if rs, ok := s.deps.Store.(*store.Resilient); ok {
		st := rs.Stats()
		resp.StoreBuffer = &st
	}
	if s.deps.HEC != nil {
		st := s.deps.HEC.Stats()
		resp.HEC = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reloader == nil {
		writeError(w, http.StatusNotImplemented, "enrichment reload not configured")
		return
	}
	st, err := s.deps.Reloader.Reload(r.Context())
	if err != nil {
		s.logger.Error("Enrichment reload failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "tables": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "tables": st})
}

func parseRange(from, to string) (timeline.Range, error) {
	var rng timeline.Range
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return rng, errors.New("invalid from: " + from)
		}
		rng.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return rng, errors.New("invalid to: " + to)
		}
		rng.To = t
	}
	return rng, nil
}

// decompress unwraps gzip request bodies.
func decompress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		r.Body = &gzipBody{Reader: zr, body: r.Body}
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}

type gzipBody struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

// HECSink feeds HEC events into the pipeline, one feed per event source
// (host when source is empty). A ctx deadline bounds backpressure waits.
func HECSink(ing Ingester, pushTimeout time.Duration) splunk.EventHandler {
	return func(ctx context.Context, events []splunk.Event) error {
		if pushTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pushTimeout)
			defer cancel()
		}
		var (
			order  []string
			groups = make(map[string][]pipeline.Line)
		)
		for _, ev := range events {
			source := ev.Source
			if source == "" {
				source = ev.Host
			}
			if source == "" {
				source = "hec"
			}
			if _, ok := groups[source]; !ok {
				order = append(order, source)
			}
			groups[source] = append(groups[source], pipeline.Line{Text: ev.Text(), ObservedAt: ev.Timestamp()})
		}
		for _, source := range order {
			if _, err := ing.Ingest(ctx, source, groups[source]); err != nil {
				return fmt.Errorf("hec source %s: %w", source, err)
			}
		}
		return nil
	}
}
