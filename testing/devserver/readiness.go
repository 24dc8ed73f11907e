package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/labelops/testenv/httpclient"
	"github.com/labelops/testenv/o11y"
)

var (
	// ErrUnhealthy is a server that answered its health check with a non 2XX status.
	ErrUnhealthy = errors.New("server unhealthy")
	// ErrNotReady is a server that did not answer its health check in time.
	ErrNotReady = errors.New("server not ready")
)

const healthRoute = "/version"

type readiness struct {
	baseURL     string
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	// exited is closed if the server dies, there is no point polling it after that.
	exited      <-chan struct{}
	exitedError func() error
}

// wait polls the health route every interval until it returns a 2XX. Network
// failures are retried, any other status is terminal.
func (r readiness) wait(ctx context.Context) (attempts int, err error) {
	ctx, span := o11y.StartSpan(ctx, "devserver: wait-ready")
	defer o11y.End(span, &err)
	span.AddField("base_url", r.baseURL)
	defer func() {
		span.AddField("attempts", attempts)
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	client := httpclient.New(httpclient.Config{
		Name:    "devserver",
		BaseURL: r.baseURL,
	})
	defer client.CloseIdleConnections()

	var lastErr error
	check := func() error {
		attempts++
		select {
		case <-r.exited:
			return backoff.Permanent(r.exitedError())
		default:
		}

		req := httpclient.NewRequest(http.MethodGet, healthRoute, requestTimeout(r.interval))
		req.NoRetry = true
		err := client.Call(ctx, req)
		httpErr := &httpclient.HTTPError{}
		switch {
		case err == nil, httpclient.IsNoContent(err):
			return nil
		case errors.As(err, &httpErr):
			return backoff.Permanent(fmt.Errorf("%w: %s returned %d", ErrUnhealthy, healthRoute, httpErr.Code()))
		}
		lastErr = err
		return err
	}

	var bo backoff.BackOff = backoff.NewConstantBackOff(r.interval)
	if r.maxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1))
	}

	err = backoff.Retry(check, backoff.WithContext(bo, ctx))
	switch {
	case err == nil, errors.Is(err, ErrUnhealthy), errors.Is(err, ErrExited):
		return attempts, err
	case lastErr != nil && ctx.Err() != nil:
		return attempts, fmt.Errorf("%w after %d attempt(s): %w (last error: %v)", ErrNotReady, attempts, err, lastErr)
	}
	return attempts, fmt.Errorf("%w after %d attempt(s): %w", ErrNotReady, attempts, err)
}

// requestTimeout keeps one hung request from holding up the polling for long.
func requestTimeout(interval time.Duration) time.Duration {
	if t := 10 * interval; t > time.Second {
		return t
	}
	return time.Second
}
