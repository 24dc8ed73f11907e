// Package httpclient provides an HTTP client instrumented with the o11y package. It
// retries 5XX responses and network failures with an exponential backoff, up to
// the configured timeout, unless a request asks for a single attempt.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/labelops/testenv/o11y"
)

const JSON = "application/json; charset=utf-8"

var ErrNoContent = o11y.NewWarning("no content")

// Config provides the client configuration
type Config struct {
	// Name is used to identify the client in spans
	Name string
	// BaseURL is the URL and optional path prefix to the server that this is a client of.
	BaseURL string
	// AcceptType if set will be used to set the Accept header.
	AcceptType string
	// Timeout is the maximum time any call can take including any retries.
	// Note that a zero Timeout is not defaulted, but means the client will retry indefinitely.
	Timeout time.Duration
	// MaxConnectionsPerHost sets the connection pool size
	MaxConnectionsPerHost int
}

// Client is the o11y instrumented http client.
type Client struct {
	name                  string
	baseURL               string
	httpClient            *http.Client
	backOffMaxElapsedTime time.Duration
	acceptType            string
}

// New creates a client configured with the config param
func New(cfg Config) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnectionsPerHost == 0 {
		cfg.MaxConnectionsPerHost = 10
	}
	t.MaxConnsPerHost = cfg.MaxConnectionsPerHost
	t.MaxIdleConnsPerHost = cfg.MaxConnectionsPerHost

	return &Client{
		name:                  cfg.Name,
		baseURL:               cfg.BaseURL,
		backOffMaxElapsedTime: cfg.Timeout,
		acceptType:            cfg.AcceptType,
		httpClient: &http.Client{
			Transport: t,
		},
	}
}

// CloseIdleConnections drops any pooled connections, a server that has been
// killed leaves them dangling.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

type Decoder func(r io.Reader) error

// Request is an individual http request that the Client will send
type Request struct {
	Method  string
	Route   string
	Body    interface{} // If set this will be sent as JSON
	Decoder Decoder     // If set will be used to decode the response body
	Headers map[string]string
	Timeout time.Duration // The individual per call timeout
	Query   url.Values
	// NoRetry makes exactly one attempt, whatever the outcome.
	NoRetry bool

	url string
}

// NewRequest should be used to create a new request rather than constructing a Request directly.
// This encourages the user to specify a "route" for the tracing, and avoid high cardinality routes
// (when parts of the url may contain many varying values).
// The returned Request can be further altered before being passed to the client.Call.
func NewRequest(method, route string, timeout time.Duration, routeParams ...interface{}) Request {
	return Request{
		Method:  method,
		url:     fmt.Sprintf(route, routeParams...),
		Route:   route,
		Timeout: timeout,
	}
}

// Call makes the request call. It will trace out a span for each attempt.
// Retries will be attempted on any 5XX responses and on network errors.
// If the http call completed with a non 2XX status code then an HTTPError will be returned containing
// details of result of the call.
func (c *Client) Call(ctx context.Context, r Request) (err error) {
	spanName := fmt.Sprintf("httpclient: %s %s", c.name, r.Route)
	// most clients should use NewRequest, but if they created a Request directly
	// use the raw Route
	if r.url == "" {
		r.url = r.Route
	}
	u, err := url.Parse(c.baseURL + r.url)
	if err != nil {
		return err
	}
	u.RawQuery = r.Query.Encode() // returns "" if Query is nil

	newRequestFn := func() (*http.Request, error) {
		var body io.Reader
		if r.Body != nil {
			b := &bytes.Buffer{}
			err := json.NewEncoder(b).Encode(r.Body)
			if err != nil {
				return nil, fmt.Errorf("could not json encode request: %w", err)
			}
			body = b
		}
		req, err := http.NewRequest(r.Method, u.String(), body)
		if err != nil {
			return nil, err
		}
		for k, v := range r.Headers {
			req.Header.Set(k, v)
		}
		if c.acceptType != "" {
			req.Header.Set("Accept", c.acceptType)
		}
		if r.Body != nil {
			req.Header.Set("Content-Type", JSON)
		}
		return req, nil
	}

	err = c.retryRequest(ctx, spanName, r, newRequestFn)
	// remove the special retry status to resume normal error/warning behaviour
	return doneRetrying(err)
}

// retryRequest will make the request and only call the decoder when a 2XX has been received.
// Any response body in non 2XX cases is discarded.
// nolint: funlen
func (c *Client) retryRequest(ctx context.Context, name string, r Request, newReq func() (*http.Request, error)) error {
	attemptCounter := 0
	attempt := func() (err error) {
		ctx, span := o11y.StartSpan(ctx, name)
		defer o11y.End(span, &err)
		before := time.Now()

		attemptCounter++

		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}

		// A sane default per request timeout, a hung server should not hang the caller.
		requestTimeout := r.Timeout
		if requestTimeout == 0 {
			requestTimeout = time.Second * 5
		}
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req = req.WithContext(ctx)

		span.AddRawField("http.client_name", c.name)
		span.AddRawField("http.route", r.Route)
		span.AddRawField("http.base_url", c.baseURL)
		addReqToSpan(span, req, attemptCounter)

		res, err := c.httpClient.Do(req)
		if err != nil {
			// url errors repeat the method and url which clutters metrics and logging
			e := &url.Error{}
			if errors.As(err, &e) {
				err = e.Err
			}
			return fmt.Errorf("call: %s %s failed with: %w after %d attempt(s)",
				req.Method, r.Route, err, attemptCounter)
		}
		defer func() {
			// drain anything left in the body and close it, to ensure we can take advantage of keep alive
			// this is best-efforts so any errors here are not important
			_, _ = io.Copy(io.Discard, res.Body)
			_ = res.Body.Close()
		}()

		if m := o11y.FromContext(ctx).MetricsProvider(); m != nil {
			_ = m.TimeInMilliseconds("httpclient",
				float64(time.Since(before).Nanoseconds())/1000000.0,
				[]string{
					"http.client_name:" + c.name,
					"http.route:" + r.Route,
					"http.method:" + r.Method,
					"http.status_code:" + strconv.Itoa(res.StatusCode),
					"http.retry:" + strconv.FormatBool(attemptCounter > 1),
				},
				1,
			)
		}
		span.AddRawField("http.status_code", res.StatusCode)

		err = extractHTTPError(req, res, attemptCounter, r.Route)
		if err != nil {
			return err
		}
		if r.Decoder == nil {
			return nil
		}
		err = r.Decoder(res.Body)
		if err != nil {
			// do not retry decoding errors
			return backoff.Permanent(fmt.Errorf("call: %s %s decoding failed with: %w after %d attempt(s)",
				req.Method, r.Route, err, attemptCounter))
		}
		return nil
	}

	var bo backoff.BackOff
	if r.NoRetry {
		bo = &backoff.StopBackOff{}
	} else {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = time.Millisecond * 50
		ebo.MaxElapsedTime = c.backOffMaxElapsedTime
		bo = ebo
	}
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

func addReqToSpan(span o11y.Span, req *http.Request, attempt int) {
	span.AddRawField("meta.type", "http_client")
	span.AddRawField("http.scheme", req.URL.Scheme)
	span.AddRawField("http.host", req.URL.Host)
	span.AddRawField("http.target", req.URL.Path)
	span.AddRawField("http.method", req.Method)
	span.AddRawField("http.attempt", attempt)
	span.AddRawField("http.retry", attempt > 1)
}

// NewJSONDecoder returns a decoder func enclosing the resp param
// the func returned takes an io reader which will be passed to a json decoder to
// decode into the resp.
func NewJSONDecoder(resp interface{}) Decoder {
	return func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(resp); err != nil {
			return fmt.Errorf("failed to unmarshal: %w", err)
		}
		return nil
	}
}

// NewStringDecoder decodes the response body into a string
func NewStringDecoder(resp *string) Decoder {
	return func(r io.Reader) error {
		bs, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		*resp = string(bs)
		return nil
	}
}

// HTTPError represents an error in an HTTP call when the response status code is not 2XX
type HTTPError struct {
	method       string
	route        string
	code         int
	attempts     int
	doneRetrying bool
}

var _ error = (*HTTPError)(nil)

func (e *HTTPError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("the response from %s %s was %d (%s) (%d attempts)",
		e.method, e.route, e.code, http.StatusText(e.code), e.attempts)
}

// Code returns the status code recorded in this error.
func (e *HTTPError) Code() int {
	return e.code
}

// Is reports the error as a warning while it is still being retried, so
// intermediate attempts do not show up as errors in traces.
func (e *HTTPError) Is(target error) bool {
	if o11y.IsWarningNoUnwrap(target) {
		return !e.doneRetrying
	}
	return false
}

// HasStatusCode tests err for HTTPError and returns true if any of the codes
// match the stored code.
func HasStatusCode(err error, codes ...int) bool {
	e := &HTTPError{}
	if errors.As(err, &e) {
		for _, code := range codes {
			if e.code == code {
				return true
			}
		}
	}
	return false
}

// IsRequestProblem checks the err for HTTPError and returns true if the stored status code
// is in the 4xx range
func IsRequestProblem(err error) bool {
	e := &HTTPError{}
	if errors.As(err, &e) {
		return e.code >= 400 && e.code < 500
	}
	return false
}

func IsNoContent(err error) bool {
	return errors.Is(err, ErrNoContent)
}

// extractHTTPError returns an HTTPError if the response status code is >=300, otherwise it
// returns nil.
func extractHTTPError(req *http.Request, res *http.Response, attempts int, route string) error {
	httpErr := &HTTPError{
		method:   req.Method,
		route:    route,
		code:     res.StatusCode,
		attempts: attempts,
	}
	switch {
	case res.StatusCode >= 500:
		// 500 could be temporary server problems, so should retry.
		return httpErr
	case res.StatusCode >= 300:
		// All other none 2XX codes are something we did wrong so exit the retry.
		return backoff.Permanent(httpErr)
	case res.StatusCode == http.StatusNoContent:
		return backoff.Permanent(ErrNoContent)
	}
	return nil
}

func doneRetrying(err error) error {
	e := &HTTPError{}
	if errors.As(err, &e) {
		e.doneRetrying = true
		return e
	}
	return err
}
