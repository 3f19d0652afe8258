package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

var (
	colorRed     = color.New(color.FgRed, color.Bold).SprintFunc()
	colorMagenta = color.New(color.FgMagenta).SprintFunc()
	colorYellow  = color.New(color.FgYellow).SprintFunc()
	colorBlue    = color.New(color.FgBlue).SprintFunc()
	colorGreen   = color.New(color.FgGreen).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

func severityColor(s telemetry.Severity) func(a ...interface{}) string {
	switch s {
	case telemetry.SeverityCritical:
		return colorRed
	case telemetry.SeverityHigh:
		return colorMagenta
	case telemetry.SeverityMedium:
		return colorYellow
	default:
		return colorBlue
	}
}

// renderAlerts prints alerts as a table, newest bucket first as given.
func renderAlerts(w io.Writer, alerts []telemetry.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Severity", "Score", "Detector", "Entity", "Origin", "Count", "Last Seen", "Techniques"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, a := range alerts {
		table.Append([]string{
			severityColor(a.Severity)(strings.ToUpper(string(a.Severity))),
			fmt.Sprintf("%.0f", a.Score),
			a.DetectorID,
			a.Entity,
			a.Origin,
			fmt.Sprint(a.Count),
			a.LastSeen.UTC().Format(time.RFC3339),
			strings.Join(a.Techniques, ","),
		})
	}
	table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// check prints one doctor result line.
func check(w io.Writer, ok bool, name, detail string) {
	status := colorGreen("ok  ")
	if !ok {
		status = colorRed("FAIL")
	}
	fmt.Fprintf(w, "[%s] %-18s %s\n", status, name, detail)
}
