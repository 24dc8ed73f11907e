// Package texttrace is a span exporter for otel that writes one line per span
// in a compact console format.
package texttrace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/labelops/testenv/colourise"
)

var _ trace.SpanExporter = &Exporter{}

type Option func(*Exporter)

// WithColour toggles the ANSI colouring of trace ids, span names and errors.
func WithColour(colour bool) Option {
	return func(e *Exporter) {
		e.colour = colour
	}
}

// WithTimestamps toggles the leading wall clock time.
func WithTimestamps(timestamps bool) Option {
	return func(e *Exporter) {
		e.timestamps = timestamps
	}
}

// New creates an Exporter writing to w.
func New(w io.Writer, opts ...Option) (*Exporter, error) {
	if w == nil {
		return nil, fmt.Errorf("texttrace: nil writer")
	}
	e := &Exporter{
		w:          w,
		timestamps: true,
		colour:     true,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Exporter is an implementation of trace.SpanExporter that writes spans as text lines.
type Exporter struct {
	timestamps bool
	colour     bool

	mu      sync.Mutex
	w       io.Writer
	stopped bool
}

// ExportSpans writes the spans, one line each.
func (e *Exporter) ExportSpans(_ context.Context, spans []trace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}

	for _, s := range spans {
		_, _ = e.w.Write(e.format(s))
	}
	return nil
}

// Shutdown stops any further output.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	return ctx.Err()
}

func (e *Exporter) format(s trace.ReadOnlySpan) []byte {
	buf := new(bytes.Buffer)
	if e.timestamps {
		buf.WriteString(s.EndTime().Format("15:04:05") + " ")
	}
	_, _ = fmt.Fprintf(buf, "%s %.3fms %s",
		e.applyColour(formatTraceID(s.SpanContext().TraceID().String())),
		float64(s.EndTime().Sub(s.StartTime()).Microseconds())/1000,
		e.applyColour(s.Name()),
	)

	attrs := s.Attributes()
	data := make(map[string]any, len(attrs))
	for _, a := range attrs {
		data[string(a.Key)] = a.Value.Emit()
	}

	for _, k := range sortedKeys(attrs) {
		if exclude(k) {
			continue
		}
		label := strings.TrimPrefix(k, "app.")
		if k == "error" && e.colour {
			label = colourise.ErrorHighlight(label)
		}
		_, _ = fmt.Fprintf(buf, " %s=%v", label, data[k])
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

func exclude(k string) bool {
	switch k {
	case "version", "service", "duration_ms":
		return true
	}
	return strings.HasPrefix(k, "meta.")
}

func (e *Exporter) applyColour(value string) string {
	if !e.colour {
		return value
	}
	return colourise.ApplyColour(value)
}

func formatTraceID(raw string) string {
	return raw[len(raw)-5:]
}

func sortedKeys(m []attribute.KeyValue) []string {
	keys := make([]string, 0, len(m))
	for _, k := range m {
		keys = append(keys, string(k.Key))
	}
	sort.Strings(keys)
	return keys
}
