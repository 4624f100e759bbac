// Package transport executes authenticated HTTP requests against the control
// plane with bounded retries for transient connection failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/observability"
)

const (
	DefaultRetries = 3
	DefaultBackoff = time.Second
	DefaultTimeout = 30 * time.Second

	// NoTimeout disables the per-attempt deadline. Streams use it.
	NoTimeout time.Duration = -1

	requestIDHeader = "X-Request-Id"
)

// Request describes one logical request. Zero values select the client's
// defaults.
type Request struct {
	Method string
	// Path is appended to the client's base URL unless it is an absolute URL.
	Path   string
	Query  url.Values
	Header http.Header
	// Body is encoded as JSON once and replayed on every attempt.
	Body any
	// RawBody is sent as-is with ContentType, taking precedence over Body.
	RawBody     []byte
	ContentType string

	// Retries is the total number of attempts.
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// Client is an authenticated HTTP client bound to one base URL.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetryPolicy sets the default attempt count and backoff step.
func WithRetryPolicy(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.backoff = backoff
	}
}

// New creates a client for baseURL authenticating with a bearer apiKey.
// An empty apiKey sends no Authorization header.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL relative paths are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes req, retrying transient failures. The returned response has
// not been checked for an error status; callers own its body. Cancellation
// of ctx is never retried.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	retries := req.Retries
	if retries <= 0 {
		retries = c.retries
	}
	backoff := req.Backoff
	if backoff <= 0 {
		backoff = c.backoff
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	requestID := model.NewID()

	ctx, span := observability.StartSpan(ctx, "http "+method,
		attribute.String("http.method", method),
		attribute.String("url.path", pathOf(target)),
		attribute.String("request.id", requestID),
	)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		resp, err := c.attempt(ctx, method, target, req.Header, body, contentType, requestID, timeout)
		if err == nil {
			requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			outcome := outcomeOK
			if resp.StatusCode >= 400 {
				outcome = outcomeAPIError
			}
			requestsTotal.WithLabelValues(method, outcome).Inc()
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Int("attempts", attempt))
			observability.EndSpan(span, nil)
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			requestsTotal.WithLabelValues(method, outcomeCanceled).Inc()
			observability.EndSpan(span, ctx.Err())
			return nil, fmt.Errorf("%s %s: %w", method, pathOf(target), ctx.Err())
		}
		if !IsTransient(err) {
			requestsTotal.WithLabelValues(method, outcomeTransport).Inc()
			observability.EndSpan(span, err)
			return nil, fmt.Errorf("%s %s: %w", method, pathOf(target), err)
		}
		if attempt == retries {
			break
		}

		wait := backoff * time.Duration(attempt)
		retriesTotal.WithLabelValues(method).Inc()
		c.logger.Warn("retrying request",
			"method", method,
			"path", pathOf(target),
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"request_id", requestID,
			"error", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			requestsTotal.WithLabelValues(method, outcomeCanceled).Inc()
			observability.EndSpan(span, ctx.Err())
			return nil, fmt.Errorf("%s %s: %w", method, pathOf(target), ctx.Err())
		}
	}

	requestsTotal.WithLabelValues(method, outcomeTransport).Inc()
	retryErr := &RetryError{Attempts: retries, Err: lastErr}
	observability.EndSpan(span, retryErr)
	return nil, retryErr
}

func (c *Client) attempt(ctx context.Context, method, target string, header http.Header, body []byte, contentType, requestID string, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, rdr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.apiKey != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set(requestIDHeader, requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-attempt context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		raw = c.baseURL + path
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func pathOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Path
}

func encodeBody(req Request) ([]byte, string, error) {
	if req.RawBody != nil {
		return req.RawBody, req.ContentType, nil
	}
	if req.Body == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return data, "application/json", nil
}

// JSON executes req and decodes a successful response into out, which may
// be nil. Error statuses become *APIError.
func (c *Client) JSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.JSON(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.JSON(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Patch issues a PATCH with a JSON body and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.JSON(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete issues a DELETE and decodes the response, if any, into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.JSON(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}
