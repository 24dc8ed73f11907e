// Package ginrouter builds gin engines with o11y request tracing and panic recovery installed.
package ginrouter

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/labelops/testenv/o11y"
)

var once sync.Once

func Default(ctx context.Context, serverName string) *gin.Engine {
	once.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	r := gin.New()
	r.Use(
		Middleware(o11y.FromContext(ctx), serverName),
		Recovery(),
	)

	r.UseRawPath = true

	return r
}
