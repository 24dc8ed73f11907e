package system

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/termination"
)

type System struct {
	services []func(context.Context) error
	cleanups []func(ctx context.Context) error
}

func New() *System {
	return &System{}
}

var terminationTestHook = termination.Handle

// Run runs every service until one of them returns, or a termination signal
// arrives, in which case termination.ErrTerminated is returned.
func (r *System) Run(ctx context.Context) (err error) {
	ctx, uptimeSpan := o11y.StartSpan(ctx, "system: run")
	defer o11y.End(uptimeSpan, &err)
	uptimeSpan.RecordMetric(o11y.Timing("system.run", "result"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return terminationTestHook(ctx)
	})

	for _, f := range r.services {
		f := f
		g.Go(func() error {
			return f(ctx)
		})
	}

	return g.Wait()
}

func (r *System) AddService(s func(ctx context.Context) error) {
	r.services = append(r.services, s)
}

func (r *System) AddCleanup(c func(ctx context.Context) error) {
	r.cleanups = append(r.cleanups, c)
}

// Cleanup runs the cleanups in reverse order of adding them, logging any errors.
func (r *System) Cleanup(ctx context.Context) {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		err := r.cleanups[i](ctx)
		if err != nil {
			o11y.Log(ctx, "system: cleanup error", o11y.Field("error", err))
		}
	}
}
