package system

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/labelops/testenv/o11y"
	"github.com/labelops/testenv/termination"
	"github.com/labelops/testenv/testing/testcontext"
)

func TestSystem_Run(t *testing.T) {
	ctx := testcontext.Background()

	// Wait until the service is running before terminating
	terminationWait := &sync.WaitGroup{}
	terminationTestHook = func(ctx context.Context) error {
		terminationWait.Wait()
		return termination.ErrTerminated
	}
	t.Cleanup(func() { terminationTestHook = termination.Handle })

	sys := New()

	terminationWait.Add(1)
	serviceStopped := false
	sys.AddService(func(ctx context.Context) (err error) {
		ctx, span := o11y.StartSpan(ctx, "service")
		defer o11y.End(span, &err)
		terminationWait.Done()
		<-ctx.Done()
		serviceStopped = true
		return nil
	})

	var order []string
	sys.AddCleanup(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	sys.AddCleanup(func(ctx context.Context) error {
		order = append(order, "second")
		return errors.New("logged, not returned")
	})

	err := sys.Run(ctx)
	assert.Check(t, errors.Is(err, termination.ErrTerminated))
	assert.Check(t, serviceStopped)

	sys.Cleanup(ctx)
	assert.Check(t, cmp.DeepEqual(order, []string{"second", "first"}))
}

func TestSystem_Run_ServiceError(t *testing.T) {
	ctx := testcontext.Background()

	sys := New()
	boom := errors.New("boom")
	sys.AddService(func(ctx context.Context) error {
		return boom
	})

	err := sys.Run(ctx)
	assert.Check(t, cmp.ErrorIs(err, boom))
}
