// Package batch decodes the line batches accepted by the HTTP and NATS
// ingest transports.
package batch

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lvonguyen/minisoc/internal/pipeline"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed batch")

//go:embed batch.schema.json
var envelopeSchema string

var envelope = compileEnvelope()

func compileEnvelope() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("batch.schema.json", strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("batch: add schema: %v", err))
	}
	return compiler.MustCompile("batch.schema.json")
}

// Batch is a decoded request body. Source is empty unless the body named one.
type Batch struct {
	Source string
	Lines  []pipeline.Line
}

type item struct {
	Line *string `json:"line"`
	TS   string  `json:"ts"`
}

// Decode accepts three shapes:
//
//	["line", ...]                               JSON array
//	{"source": "...", "lines": ["line", ...]}   envelope, schema-validated
//	"line"\n{"line": "...", "ts": "..."}\n      JSON Lines (application/x-ndjson)
//
// Array and envelope entries may also be {"line","ts"} objects.
func Decode(body []byte, contentType string) (Batch, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Batch{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if isNDJSON(contentType) {
		return decodeNDJSON(trimmed)
	}
	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		lines, err := decodeItems(raw)
		return Batch{Lines: lines}, err
	case '{':
		return decodeEnvelope(trimmed)
	}
	return Batch{}, fmt.Errorf("%w: expected a JSON array, object or JSON Lines", ErrMalformed)
}

func isNDJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/x-jsonlines":
		return true
	}
	return false
}

func decodeEnvelope(body []byte) (Batch, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := envelope.Validate(doc); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env struct {
		Source string            `json:"source"`
		Lines  []json.RawMessage `json:"lines"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	lines, err := decodeItems(env.Lines)
	return Batch{Source: env.Source, Lines: lines}, err
}

func decodeNDJSON(body []byte) (Batch, error) {
	var raw []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		raw = append(raw, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	lines, err := decodeItems(raw)
	return Batch{Lines: lines}, err
}

func decodeItems(raw []json.RawMessage) ([]pipeline.Line, error) {
	lines := make([]pipeline.Line, 0, len(raw))
	for i, r := range raw {
		l, err := decodeItem(r)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformed, i+1, err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func decodeItem(r json.RawMessage) (pipeline.Line, error) {
	if len(r) > 0 && r[0] == '"' {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return pipeline.Line{}, err
		}
		return pipeline.Line{Text: s}, nil
	}

	var it item
	if err := json.Unmarshal(r, &it); err != nil {
		return pipeline.Line{}, err
	}
	if it.Line == nil {
		return pipeline.Line{}, errors.New(`missing "line"`)
	}
	l := pipeline.Line{Text: *it.Line}
	if it.TS != "" {
		ts, err := time.Parse(time.RFC3339Nano, it.TS)
		if err != nil {
			return pipeline.Line{}, fmt.Errorf("bad ts: %w", err)
		}
		l.ObservedAt = ts.UTC()
	}
	return l, nil
}

type envelopeOut struct {
	Source string    `json:"source,omitempty"`
	Lines  []itemOut `json:"lines"`
}

type itemOut struct {
	Line string `json:"line"`
	TS   string `json:"ts,omitempty"`
}

// Encode renders lines as an envelope that Decode accepts. Observation
// times are carried when set.
func Encode(source string, lines []pipeline.Line) ([]byte, error) {
	env := envelopeOut{Source: source, Lines: make([]itemOut, len(lines))}
	for i, l := range lines {
		env.Lines[i].Line = l.Text
		if !l.ObservedAt.IsZero() {
			env.Lines[i].TS = l.ObservedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	return json.Marshal(env)
}
