// Package poll repeatedly evaluates a condition until it is done or time runs out.
package poll

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

const defaultInterval = 50 * time.Millisecond

type it func() (stop bool, err error)

// AssertIt will periodically call it up to duration. It is a function that returns
// a bool to stop the polling, and a resultant error. This function will assert that
// no error was returned.
func AssertIt(ctx context.Context, t *testing.T, duration time.Duration, it it) {
	t.Helper()
	err := ForIt(ctx, duration, it)
	assert.NilError(t, err)
}

// ForIt will periodically call it up to duration. It is a function that returns
// a bool to stop the polling, and a resultant error.
func ForIt(ctx context.Context, duration time.Duration, it it) error {
	return Every(ctx, duration, defaultInterval, it)
}

// Every is ForIt with an explicit interval between calls.
func Every(ctx context.Context, duration, interval time.Duration, it it) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		stop, err := it()
		if stop {
			return err
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}
