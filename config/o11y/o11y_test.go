package o11y_test

import (
	"bytes"
	"context"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	o11yconfig "github.com/labelops/testenv/config/o11y"
	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/testing/fakestatsd"
)

func TestSetup(t *testing.T) {
	s := fakestatsd.New(t)
	buf := &bytes.Buffer{}

	ctx := context.Background()
	ctx, cleanup, err := o11yconfig.Setup(ctx, o11yconfig.Config{
		Service:        "test-service",
		Version:        "1.2.3",
		Mode:           "banana",
		Writer:         buf,
		DisableColour:  true,
		Statsd:         s.Addr(),
		StatsNamespace: "test.service",
	})
	assert.Assert(t, err)

	t.Run("Send metric", func(t *testing.T) {
		p := o11y.FromContext(ctx)
		err = p.MetricsProvider().Count("my_count", 1, []string{"mytag:myvalue"}, 1)
		assert.Check(t, err)
	})

	t.Run("Log", func(t *testing.T) {
		o11y.Log(ctx, "hello", o11y.Field("who", "world"))
		assert.Check(t, cmp.Contains(buf.String(), "hello who=world"))
	})

	t.Run("Cleanup provider", func(t *testing.T) {
		cleanup(ctx)
	})

	t.Run("Check metrics received", func(t *testing.T) {
		metric := s.WaitFor(t, "test.service.my_count")
		assert.Check(t, cmp.Equal("1|c|", metric.Value))
		assert.Check(t, cmp.Contains(metric.Tags, "service:test-service"))
		assert.Check(t, cmp.Contains(metric.Tags, "version:1.2.3"))
		assert.Check(t, cmp.Contains(metric.Tags, "mode:banana"))
		assert.Check(t, cmp.Contains(metric.Tags, "mytag:myvalue"))
	})
}

func TestSetup_Quiet(t *testing.T) {
	ctx, cleanup, err := o11yconfig.Setup(context.Background(), o11yconfig.Config{
		Service: "quiet-service",
		Quiet:   true,
	})
	assert.Assert(t, err)
	defer cleanup(ctx)

	o11y.Log(ctx, "nobody hears this")
	err = o11y.FromContext(ctx).MetricsProvider().Gauge("gauge", 1, nil, 1)
	assert.Check(t, err)
}
