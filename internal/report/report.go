// Package report builds the daily alert summary.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lvonguyen/minisoc/internal/telemetry"
	"github.com/lvonguyen/minisoc/internal/timeline"
)

// AlertSource is the read side of the alert timeline.
type AlertSource interface {
	Query(ctx context.Context, r timeline.Range, f timeline.Filter) ([]telemetry.Alert, error)
}

// Count is one row of a breakdown.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Report covers alerts first seen during one calendar day.
type Report struct {
	Day         string             `json:"day"` // YYYY-MM-DD in Location
	Location    string             `json:"location"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	GeneratedAt time.Time          `json:"generated_at"`
	Total       int                `json:"total"`
	BySeverity  []Count            `json:"by_severity"` // highest first, zero rows kept
	ByDetector  []Count            `json:"by_detector"`
	TopEntities []Count            `json:"top_entities"`
	Techniques  []Count            `json:"techniques"`
	Alerts      []telemetry.Alert  `json:"alerts"`
	MaxSeverity telemetry.Severity `json:"max_severity,omitempty"`
}

const topEntities = 10

// Build collects the alerts of day (interpreted in loc) from src.
func Build(ctx context.Context, src AlertSource, day time.Time, loc *time.Location) (Report, error) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)

	alerts, err := src.Query(ctx, timeline.Range{From: from, To: to}, timeline.Filter{})
	if err != nil {
		return Report{}, fmt.Errorf("report: query %s: %w", from.Format(time.DateOnly), err)
	}

	r := Report{
		Day:         from.Format(time.DateOnly),
		Location:    loc.String(),
		From:        from,
		To:          to,
		GeneratedAt: time.Now().In(loc),
		Total:       len(alerts),
		Alerts:      alerts,
	}

	sev := make(map[string]int)
	det := make(map[string]int)
	ent := make(map[string]int)
	tech := make(map[string]int)
	for _, a := range alerts {
		sev[string(a.Severity)]++
		det[a.DetectorID]++
		ent[a.Entity]++
		for _, t := range a.Techniques {
			tech[t]++
		}
		if a.Severity.Rank() > r.MaxSeverity.Rank() {
			r.MaxSeverity = a.Severity
		}
	}
	for i := len(telemetry.Severities) - 1; i >= 0; i-- {
		s := string(telemetry.Severities[i])
		r.BySeverity = append(r.BySeverity, Count{Key: s, Count: sev[s]})
	}
	r.ByDetector = ranked(det, 0)
	r.TopEntities = ranked(ent, topEntities)
	r.Techniques = ranked(tech, 0)
	return r, nil
}

// ranked orders counts descending, ties by key. limit <= 0 keeps all.
func ranked(m map[string]int, limit int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RenderMarkdown writes r as a Markdown document.
func RenderMarkdown(w io.Writer, r Report) error {
	ew := &errWriter{w: w}
	ew.printf("# minisoc daily report: %s\n\n", r.Day)
	ew.printf("Window: %s to %s (%s). Generated %s.\n\n",
		r.From.Format(time.RFC3339), r.To.Format(time.RFC3339), r.Location, r.GeneratedAt.Format(time.RFC3339))

	if r.Total == 0 {
		ew.printf("No alerts.\n")
		return ew.err
	}
	ew.printf("**%d alerts**, highest severity **%s**.\n\n", r.Total, r.MaxSeverity)

	ew.printf("## Severity\n\n")
	ew.table([]string{"Severity", "Alerts"}, rows(r.BySeverity))
	ew.printf("\n## Detectors\n\n")
	ew.table([]string{"Detector", "Alerts"}, rows(r.ByDetector))
	ew.printf("\n## Top entities\n\n")
	ew.table([]string{"Entity", "Alerts"}, rows(r.TopEntities))
	if len(r.Techniques) > 0 {
		ew.printf("\n## ATT&CK techniques\n\n")
		ew.table([]string{"Technique", "Alerts"}, rows(r.Techniques))
	}

	ew.printf("\n## Alerts\n\n")
	alertRows := make([][]string, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		alertRows = append(alertRows, []string{
			a.FirstSeen.In(r.From.Location()).Format(time.TimeOnly),
			a.DetectorID,
			string(a.Severity),
			strconv.FormatFloat(a.Score, 'f', 1, 64),
			a.Entity,
			strconv.Itoa(a.Count),
			escape(a.Title),
		})
	}
	ew.table([]string{"First seen", "Detector", "Severity", "Score", "Entity", "Count", "Title"}, alertRows)
	return ew.err
}

func rows(cs []Count) [][]string {
	out := make([][]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, []string{escape(c.Key), strconv.Itoa(c.Count)})
	}
	return out
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

// Write lets tablewriter render through the same error latch.
func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	var n int
	n, e.err = e.w.Write(p)
	return n, e.err
}

func (e *errWriter) table(header []string, data [][]string) {
	tw := tablewriter.NewWriter(e)
	tw.SetHeader(header)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	tw.SetCenterSeparator("|")
	tw.AppendBulk(data)
	tw.Render()
}
