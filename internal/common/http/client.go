// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"api-manager/internal/common/errors"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/metrics"
)

// Destination is the fixed target of a Client.
type Destination struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	Verbose bool
	Headers map[string]string
}

// Response is the raw outcome of a successful invocation.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// Client issues single-attempt HTTP requests against one destination and
// classifies failures into the gateway error taxonomy. It never retries.
type Client struct {
	httpClient *http.Client
	dest       Destination
	logger     logger.Logger
}

func NewClient(dest Destination, log logger.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 0

	return &Client{
		httpClient: &http.Client{Transport: transport},
		dest:       dest,
		logger: log.WithFields(map[string]interface{}{
			"destination": dest.Name,
		}),
	}
}

// Destination returns the client's target description.
func (c *Client) Destination() Destination {
	return c.dest
}

type invokeOptions struct {
	timeout   time.Duration
	header    http.Header
	query     url.Values
	anyStatus bool
}

type InvokeOption func(*invokeOptions)

// WithTimeout overrides the destination's default timeout for one call.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// WithHeader adds a request header.
func WithHeader(key, value string) InvokeOption {
	return func(o *invokeOptions) { o.header.Add(key, value) }
}

// WithHeaders copies every value of h into the request.
func WithHeaders(h http.Header) InvokeOption {
	return func(o *invokeOptions) {
		for k, vs := range h {
			for _, v := range vs {
				o.header.Add(k, v)
			}
		}
	}
}

// WithQuery appends query parameters.
func WithQuery(q url.Values) InvokeOption {
	return func(o *invokeOptions) { o.query = q }
}

// WithAnyStatus returns every upstream response as a Response instead of
// turning non-2xx statuses into an UpstreamError.
func WithAnyStatus() InvokeOption {
	return func(o *invokeOptions) { o.anyStatus = true }
}

// Invoke performs one request to path (relative to the destination base URL).
func (c *Client) Invoke(ctx context.Context, method, path string, body []byte, opts ...InvokeOption) (*Response, error) {
	o := invokeOptions{timeout: c.dest.Timeout, header: http.Header{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = 30 * time.Second
	}

	target := joinURL(c.dest.BaseURL, path)
	if len(o.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + o.query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, errors.NewConnectionFailureError(c.dest.Name, fmt.Errorf("build request: %w", err))
	}
	for k, v := range c.dest.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range o.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(ctx, reqCtx, method, path, start, o.timeout, body, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(ctx, reqCtx, method, path, start, o.timeout, body, err)
	}
	elapsed := time.Since(start)

	c.logRequest(method, path, resp.StatusCode, elapsed, body, respBody)

	if !o.anyStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		metrics.UpstreamRequestDuration.WithLabelValues(c.dest.Name, string(errors.KindUpstream)).Observe(elapsed.Seconds())
		return nil, errors.NewUpstreamError(c.dest.Name, resp.StatusCode, respBody)
	}

	metrics.UpstreamRequestDuration.WithLabelValues(c.dest.Name, "ok").Observe(elapsed.Seconds())
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Elapsed:    elapsed,
	}, nil
}

// DoJSON marshals in (when non-nil), invokes, and decodes the response into
// out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out interface{}, opts ...InvokeOption) (*Response, error) {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("encode request body: %v", err))
		}
		body = data
	}

	opts = append([]InvokeOption{WithHeader("Accept", "application/json")}, opts...)
	resp, err := c.Invoke(ctx, method, path, body, opts...)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decode %s response: %w", c.dest.Name, err)
		}
	}
	return resp, nil
}

// fail classifies a transport error. A deadline on the request context is a
// Timeout; everything else is a ConnectionFailure.
func (c *Client) fail(parent, reqCtx context.Context, method, path string, start time.Time, timeout time.Duration, reqBody []byte, err error) error {
	elapsed := time.Since(start)

	var gwErr *errors.GatewayError
	if isTimeout(parent, reqCtx, err) {
		gwErr = errors.NewTimeoutError(c.dest.Name, elapsed, timeout)
	} else {
		gwErr = errors.NewConnectionFailureError(c.dest.Name, err)
	}

	fields := map[string]interface{}{
		"timestamp": start.UTC().Format(time.RFC3339Nano),
		"method":    method,
		"path":      path,
		"elapsedMs": elapsed.Milliseconds(),
		"errorKind": string(gwErr.Kind),
		"error":     err.Error(),
	}
	if c.dest.Verbose && reqBody != nil {
		fields["requestBody"] = string(reqBody)
	}
	c.logger.Warn("upstream request failed", fields)
	metrics.UpstreamRequestDuration.WithLabelValues(c.dest.Name, string(gwErr.Kind)).Observe(elapsed.Seconds())

	return gwErr
}

func isTimeout(parent, reqCtx context.Context, err error) bool {
	if parent.Err() != nil {
		// Caller cancelled or its own deadline passed; only the latter is a timeout.
		return stderrors.Is(parent.Err(), context.DeadlineExceeded)
	}
	if stderrors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) logRequest(method, path string, status int, elapsed time.Duration, reqBody, respBody []byte) {
	fields := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"path":      path,
		"status":    status,
		"elapsedMs": elapsed.Milliseconds(),
	}
	if c.dest.Verbose {
		if reqBody != nil {
			fields["requestBody"] = string(reqBody)
		}
		fields["responseBody"] = string(respBody)
	}
	c.logger.Info("upstream request", fields)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
