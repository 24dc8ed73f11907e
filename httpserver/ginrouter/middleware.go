package ginrouter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labelops/testenv/o11y"
)

// Middleware starts a span per request named after the matched route, and
// records a handler timing metric when the request completes.
func Middleware(provider o11y.Provider, serverName string) gin.HandlerFunc {
	m := provider.MetricsProvider()
	return func(c *gin.Context) {
		before := time.Now()

		route := c.FullPath()
		if route == "" {
			route = "not-found"
		}

		ctx := o11y.WithProvider(c.Request.Context(), provider)
		ctx, span := provider.StartSpan(ctx, fmt.Sprintf("%s %s", c.Request.Method, route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Route", route)

		for _, param := range c.Params {
			span.AddRawField("handler.vars."+param.Key, param.Value)
		}

		span.AddRawField("meta.type", "http_server")
		span.AddRawField("http.server_name", serverName)
		span.AddRawField("http.route", route)
		span.AddRawField("http.method", c.Request.Method)
		span.AddRawField("http.target", c.Request.URL.Path)
		span.AddRawField("http.client_ip", c.ClientIP())

		defer func() {
			status := c.Writer.Status()
			span.AddRawField("http.status_code", status)
			span.AddRawField("http.response_content_length", c.Writer.Size())
			if len(c.Errors) > 0 {
				span.AddRawField("gin_internal_error", c.Errors.String())
			}

			if m != nil {
				_ = m.TimeInMilliseconds("handler",
					float64(time.Since(before).Nanoseconds())/1000000.0,
					[]string{
						"http.server_name:" + serverName,
						"http.method:" + c.Request.Method,
						"http.route:" + route,
						"http.status_code:" + strconv.Itoa(status),
					},
					1,
				)
			}
		}()

		c.Next()
	}
}

// Recovery turns a handler panic into a 500 and records it on the request span.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered interface{}) {
		c.AbortWithStatus(http.StatusInternalServerError)
		ctx := c.Request.Context()
		span := o11y.FromContext(ctx).GetSpan(ctx)
		if span == nil {
			return
		}

		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", recovered)
		}
		// one side of a proxied connection going away, not a real panic
		if errors.Is(err, http.ErrAbortHandler) {
			o11y.AddResultToSpan(span, err)
			return
		}
		span.AddRawField("panic", true)
		o11y.AddResultToSpan(span, err)
	})
}
