package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestForIt(t *testing.T) {
	ctx := context.Background()

	t.Run("stops when told", func(t *testing.T) {
		calls := 0
		err := ForIt(ctx, time.Second, func() (bool, error) {
			calls++
			return calls == 3, nil
		})
		assert.Check(t, err)
		assert.Check(t, cmp.Equal(calls, 3))
	})

	t.Run("returns the error on stop", func(t *testing.T) {
		err := ForIt(ctx, time.Second, func() (bool, error) {
			return true, errors.New("boom")
		})
		assert.Check(t, cmp.ErrorContains(err, "boom"))
	})

	t.Run("times out with last error", func(t *testing.T) {
		err := Every(ctx, 50*time.Millisecond, 5*time.Millisecond, func() (bool, error) {
			return false, errors.New("still starting")
		})
		assert.Check(t, cmp.ErrorContains(err, "still starting"))
	})

	t.Run("times out with no error", func(t *testing.T) {
		err := Every(ctx, 50*time.Millisecond, 5*time.Millisecond, func() (bool, error) {
			return false, nil
		})
		assert.Check(t, errors.Is(err, context.DeadlineExceeded))
	})
}
