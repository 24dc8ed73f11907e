// Package otel contains an o11y.Provider built on the open telemetry SDK. Spans
// are written to the console by the texttrace exporter.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/o11y/otel/texttrace"
)

type Config struct {
	// Writer receives the text formatted spans, defaults to os.Stdout.
	Writer io.Writer
	// DisableColour turns off the ANSI colour codes in the text output
	DisableColour bool

	ResourceAttributes []attribute.KeyValue

	Metrics o11y.ClosableMetricsProvider
}

type Provider struct {
	metricsProvider o11y.ClosableMetricsProvider
	tracer          trace.Tracer
	tp              *sdktrace.TracerProvider
	annotator       *annotator
}

func New(conf Config) (*Provider, error) {
	w := conf.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := texttrace.New(w, texttrace.WithColour(!conf.DisableColour))
	if err != nil {
		return nil, err
	}

	ann := &annotator{}
	res := resource.NewWithAttributes(semconv.SchemaURL, conf.ResourceAttributes...)

	// spans are written as they end, so the console reads in order
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSpanProcessor(ann),
		sdktrace.WithResource(res),
	)

	return &Provider{
		metricsProvider: conf.Metrics,
		tp:              tp,
		tracer:          tp.Tracer("github.com/labelops/testenv"),
		annotator:       ann,
	}, nil
}

type spanCtxKey struct{}

func (o *Provider) AddGlobalField(key string, val interface{}) {
	mustValidateKey(key)
	o.annotator.addField(key, val)
}

func (o *Provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	ctx, span := o.tracer.Start(ctx, name)

	s := o.wrapSpan(span)
	ctx = context.WithValue(ctx, spanCtxKey{}, s)

	return ctx, s
}

// GetSpan returns the active span in the given context. It will return nil if there is no span available.
func (o *Provider) GetSpan(ctx context.Context) o11y.Span {
	if s, ok := ctx.Value(spanCtxKey{}).(*span); ok {
		return s
	}
	return nil
}

func (o *Provider) AddField(ctx context.Context, key string, val interface{}) {
	trace.SpanFromContext(ctx).SetAttributes(attr("app."+key, val))
}

// Log emits a zero duration span as a child of any span in ctx.
func (o *Provider) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	now := time.Now()
	_, s := o.tracer.Start(ctx, name, trace.WithTimestamp(now))
	for _, f := range fields {
		s.SetAttributes(attr("app."+f.Key, f.Value))
	}
	s.End(trace.WithTimestamp(now))
}

func (o *Provider) Close(ctx context.Context) {
	_ = o.tp.Shutdown(ctx)
	if o.metricsProvider != nil {
		_ = o.metricsProvider.Close()
	}
}

func (o *Provider) MetricsProvider() o11y.MetricsProvider {
	return o.metricsProvider
}

func (o *Provider) wrapSpan(s trace.Span) *span {
	return &span{
		metricsProvider: o.metricsProvider,
		span:            s,
		start:           time.Now(),
		fields:          map[string]interface{}{},
	}
}

type span struct {
	span            trace.Span
	metricsProvider o11y.ClosableMetricsProvider

	mu      sync.Mutex
	metrics []o11y.Metric
	start   time.Time
	fields  map[string]interface{}
}

func (s *span) AddField(key string, val interface{}) {
	s.AddRawField("app."+key, val)
}

func (s *span) AddRawField(key string, val interface{}) {
	mustValidateKey(key)
	s.mu.Lock()
	s.fields[key] = val
	s.mu.Unlock()
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	s.span.SetAttributes(attr(key, val))
}

// RecordMetric will only emit a metric if End is called specifically
func (s *span) RecordMetric(metric o11y.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric)
}

func (s *span) End() {
	s.sendMetric()
	s.span.End()
}

func (s *span) sendMetric() {
	if s.metricsProvider == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// insert the expected field for any timing metric
	s.fields["duration_ms"] = time.Since(s.start)
	extractAndSendMetrics(s.metricsProvider)(s.metrics, s.fields)
}

func mustValidateKey(key string) {
	if strings.Contains(key, "-") {
		panic(fmt.Errorf("key %q cannot contain '-'", key))
	}
}

var _ sdktrace.SpanProcessor = &annotator{}

// annotator adds the global fields to every started span.
type annotator struct {
	mu    sync.RWMutex
	attrs []attribute.KeyValue
}

func (a *annotator) addField(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attrs = append(a.attrs, attr(key, value))
}

func (a *annotator) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s.SetAttributes(a.attrs...)
}

func (a *annotator) Shutdown(context.Context) error   { return nil }
func (a *annotator) ForceFlush(context.Context) error { return nil }
func (a *annotator) OnEnd(sdktrace.ReadOnlySpan)      {}
