// Package normalization turns heterogeneous raw lines (syslog auth logs,
// sshd messages, JSON telemetry) into canonical telemetry.Event values.
package normalization

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// Parser names recorded on Event.Parser.
const (
	ParserSSHDFailed     = "sshd_failed"
	ParserSSHDAccepted   = "sshd_accepted"
	ParserSSHDInvalid    = "sshd_invalid_user"
	ParserSSHDClosed     = "sshd_connection_closed"
	ParserPAMAuthFailure = "pam_auth_failure"
	ParserJSON           = "json"
)

var (
	syslogHeader  = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)
	rfc3339Header = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\S+)\s+(\S+)\s+(.*)$`)
	programPrefix = regexp.MustCompile(`^([\w.\-/()]+)(?:\[\d+\])?:\s*(.*)$`)

	sshdFailed   = regexp.MustCompile(`^Failed \S+ for (?:invalid user )?(\S+) from (\S+) port (\d+)`)
	sshdAccepted = regexp.MustCompile(`^Accepted \S+ for (\S+) from (\S+) port (\d+)`)
	sshdInvalid  = regexp.MustCompile(`^Invalid user (\S*) from (\S+)(?: port (\d+))?`)
	sshdClosed   = regexp.MustCompile(`^Connection closed by (?:authenticating user (\S+) |invalid user (\S+) )?(\S+) port (\d+)`)
	pamFailure   = regexp.MustCompile(`authentication failure;`)
	pamRhost     = regexp.MustCompile(`\brhost=(\S+)`)
	pamUser      = regexp.MustCompile(`\buser=(\S+)`)
)

// NormalizerConfig holds configuration for normalization.
type NormalizerConfig struct {
	// SkewTolerance bounds how far a parsed timestamp may drift from the
	// ingestion time. Zero disables clamping.
	SkewTolerance time.Duration `yaml:"skew_tolerance"`
}

// Normalizer converts raw lines to events. It is stateless and safe for
// concurrent use.
type Normalizer struct {
	config NormalizerConfig
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	return &Normalizer{config: cfg}
}

// Normalize never fails: unrecognized input yields a generic event with
// ParseOK false and the raw text retained.
func (n *Normalizer) Normalize(line telemetry.RawLine) telemetry.Event {
	text := strings.TrimRight(line.Text, "\r\n")
	ev := telemetry.Event{
		ID:         telemetry.EventID(line),
		Timestamp:  line.ObservedAt,
		ObservedAt: line.ObservedAt,
		Source:     line.Source,
		Seq:        line.Seq,
		Kind:       telemetry.KindGeneric,
		Raw:        text,
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		if n.parseJSON(trimmed, &ev) {
			ev.Timestamp = n.clamp(ev.Timestamp, line.ObservedAt)
			return ev
		}
	}

	msg := trimmed
	if m := syslogHeader.FindStringSubmatch(trimmed); m != nil {
		if ts, ok := parseSyslogTime(m[1], m[2], m[3], line.ObservedAt); ok {
			ev.Timestamp = ts
		}
		ev.Target = m[4]
		msg = m[5]
	} else if m := rfc3339Header.FindStringSubmatch(trimmed); m != nil {
		if ts, err := time.Parse(time.RFC3339Nano, m[1]); err == nil {
			ev.Timestamp = ts
		}
		ev.Target = m[2]
		msg = m[3]
	}
	if m := programPrefix.FindStringSubmatch(msg); m != nil {
		msg = m[2]
	}

	if !parseMessage(msg, &ev) {
		// Header fields are only trusted when the body was recognized.
		ev.Timestamp = line.ObservedAt
		ev.Target = ""
		return ev
	}
	ev.Timestamp = n.clamp(ev.Timestamp, line.ObservedAt)
	return ev
}

// Observed bounds a producer-supplied observation time to the server's
// ingestion time within the skew tolerance. A zero claim means ingestedAt.
func (n *Normalizer) Observed(claimed, ingestedAt time.Time) time.Time {
	if claimed.IsZero() {
		return ingestedAt
	}
	return n.clamp(claimed, ingestedAt)
}

// NormalizeAll maps every line to exactly one event, preserving order.
func (n *Normalizer) NormalizeAll(lines []telemetry.RawLine) []telemetry.Event {
	out := make([]telemetry.Event, len(lines))
	for i, l := range lines {
		out[i] = n.Normalize(l)
	}
	return out
}

func parseMessage(msg string, ev *telemetry.Event) bool {
	if m := sshdFailed.FindStringSubmatch(msg); m != nil {
		fill(ev, telemetry.KindAuthFailure, ParserSSHDFailed, m[1], m[2], m[3])
		return true
	}
	if m := sshdAccepted.FindStringSubmatch(msg); m != nil {
		fill(ev, telemetry.KindAuthSuccess, ParserSSHDAccepted, m[1], m[2], m[3])
		return true
	}
	if m := sshdInvalid.FindStringSubmatch(msg); m != nil {
		fill(ev, telemetry.KindAuthFailure, ParserSSHDInvalid, m[1], m[2], m[3])
		return true
	}
	if m := sshdClosed.FindStringSubmatch(msg); m != nil {
		user := m[1]
		if user == "" {
			user = m[2]
		}
		fill(ev, telemetry.KindConnection, ParserSSHDClosed, user, m[3], m[4])
		return true
	}
	if pamFailure.MatchString(msg) {
		var rhost, user string
		if m := pamRhost.FindStringSubmatch(msg); m != nil {
			rhost = m[1]
		}
		if m := pamUser.FindStringSubmatch(msg); m != nil {
			user = m[1]
		}
		fill(ev, telemetry.KindAuthFailure, ParserPAMAuthFailure, user, rhost, "")
		return true
	}
	return false
}

func fill(ev *telemetry.Event, kind telemetry.Kind, parser, actor, origin, port string) {
	ev.Kind = kind
	ev.Parser = parser
	ev.ParseOK = true
	ev.Actor = actor
	ev.Origin = normalizeAddr(origin)
	if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
		ev.Port = p
	}
}

// normalizeAddr returns the canonical textual form of an IP address, or ""
// when s is not one.
func normalizeAddr(s string) string {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	if s == "" {
		return ""
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

// jsonRecord accepts the common spellings seen in agent telemetry.
type jsonRecord struct {
	TS        string `json:"ts"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor"`
	User      string `json:"user"`
	Origin    string `json:"origin"`
	SrcIP     string `json:"src_ip"`
	Target    string `json:"target"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

func (n *Normalizer) parseJSON(text string, ev *telemetry.Event) bool {
	var rec jsonRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return false
	}
	if rec.Kind == "" && rec.Actor == "" && rec.User == "" && rec.Origin == "" && rec.SrcIP == "" {
		return false
	}
	ev.Kind = telemetry.ParseKind(rec.Kind)
	ev.Parser = ParserJSON
	ev.ParseOK = true
	ev.Actor = firstNonEmpty(rec.Actor, rec.User)
	ev.Origin = normalizeAddr(firstNonEmpty(rec.Origin, rec.SrcIP))
	ev.Target = firstNonEmpty(rec.Target, rec.Host)
	if rec.Port > 0 && rec.Port < 65536 {
		ev.Port = rec.Port
	}
	if raw := firstNonEmpty(rec.TS, rec.Timestamp); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.Timestamp = ts
		}
	}
	return true
}

// parseSyslogTime resolves a year-less syslog stamp against the ingestion
// time. Stamps landing more than a day in the future belong to last year.
func parseSyslogTime(mon, day, clock string, observed time.Time) (time.Time, bool) {
	loc := observed.Location()
	if observed.IsZero() {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("Jan 2 15:04:05", mon+" "+day+" "+clock, loc)
	if err != nil {
		return time.Time{}, false
	}
	year := observed.Year()
	ts := time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	if !observed.IsZero() && ts.After(observed.Add(24*time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts, true
}

func (n *Normalizer) clamp(ts, observed time.Time) time.Time {
	skew := n.config.SkewTolerance
	if skew <= 0 || observed.IsZero() {
		return ts
	}
	if lo := observed.Add(-skew); ts.Before(lo) {
		return lo
	}
	if hi := observed.Add(skew); ts.After(hi) {
		return hi
	}
	return ts
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
