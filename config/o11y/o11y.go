// Package o11y wires up the o11y provider used by the test environment binaries
// and test helpers.
package o11y

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"

	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/o11y/otel"
)

type Config struct {
	Service string
	Version string
	Mode    string

	// Quiet discards the text trace output. Metrics are still sent.
	Quiet bool
	// Writer overrides where text traces go, defaults to os.Stdout.
	Writer        io.Writer
	DisableColour bool

	Statsd                  string
	StatsNamespace          string
	StatsdTelemetryDisabled bool
	// StatsdRetries is how many times to retry creating the statsd client, one second apart.
	StatsdRetries uint64
}

// Setup is the primary entrypoint to initialise the o11y system. The returned
// func must be called to flush and release the provider.
func Setup(ctx context.Context, o Config) (context.Context, func(context.Context), error) {
	hostname, _ := os.Hostname()

	mProv, err := metricsProvider(ctx, o, hostname)
	if err != nil {
		return ctx, nil, fmt.Errorf("metrics provider failed: %w", err)
	}

	w := o.Writer
	if o.Quiet {
		w = io.Discard
	}

	p, err := otel.New(otel.Config{
		Writer:        w,
		DisableColour: o.DisableColour,
		ResourceAttributes: []attribute.KeyValue{
			semconv.ServiceNameKey.String(o.Service),
			semconv.ServiceVersionKey.String(o.Version),
			attribute.String("service.mode", o.Mode),
		},
		Metrics: mProv,
	})
	if err != nil {
		_ = mProv.Close()
		return ctx, nil, err
	}

	p.AddGlobalField("service", o.Service)
	p.AddGlobalField("version", o.Version)
	if o.Mode != "" {
		p.AddGlobalField("mode", o.Mode)
	}

	return o11y.WithProvider(ctx, p), p.Close, nil
}

func metricsProvider(ctx context.Context, o Config, hostname string) (o11y.ClosableMetricsProvider, error) {
	if o.Statsd == "" {
		return &statsd.NoOpClient{}, nil
	}

	tags := []string{
		"service:" + o.Service,
		"version:" + o.Version,
		"hostname:" + hostname,
	}
	if o.Mode != "" {
		tags = append(tags, "mode:"+o.Mode)
	}

	statsdOpts := []statsd.Option{
		statsd.WithNamespace(o.StatsNamespace),
		statsd.WithTags(tags),
	}
	if o.StatsdTelemetryDisabled {
		statsdOpts = append(statsdOpts, statsd.WithoutTelemetry())
	}

	var stats *statsd.Client
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), o.StatsdRetries)
	err := backoff.Retry(func() (err error) {
		stats, err = statsd.New(o.Statsd, statsdOpts...)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return stats, nil
}
