// Package testcontext gives tests a context carrying a working o11y provider,
// so spans and logs from the code under test show up in the test output.
package testcontext

import (
	"context"

	"github.com/labelops/testenv/config/o11y"
)

// ctx is built once at package init so parallel tests share one provider.
var ctx = newContext()

// Background returns a context for use in tests which contains a working o11y, so you get logs.
func Background() context.Context {
	return ctx
}

func newContext() context.Context {
	cx, _, err := o11y.Setup(context.Background(), o11y.Config{
		Service:       "test-service",
		Mode:          "test",
		DisableColour: true,
	})
	if err != nil {
		panic(err)
	}
	return cx
}
