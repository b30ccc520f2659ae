// Package transport provides the HTTP client used by every RARIS exchange:
// credential injection, the single throttle retry, typed errors and streaming bodies.
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
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/raris-stream/internal/domain"
)

const (
	defaultAuthHeader = "X-API-Key"
	defaultUserAgent  = "raris-stream/1.0"

	// DefaultRetryDelay is used when a throttling response carries no usable Retry-After.
	DefaultRetryDelay = 2 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the static credential sent on every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithAuthHeader sets the header the credential is sent in.
func WithAuthHeader(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.authHeader = name
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryDelay sets the fallback delay and the cap applied to a server-suggested delay.
// A zero max leaves the suggested delay uncapped.
func WithRetryDelay(fallback, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		if fallback > 0 {
			c.retryDelay = fallback
		}
		c.maxRetryDelay = maxDelay
	}
}

// WithSleep replaces the function used to wait before the throttle retry.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithTracing wraps the HTTP transport with OpenTelemetry instrumentation.
func WithTracing() ClientOption {
	return func(c *Client) {
		c.tracing = true
	}
}

// Client is the HTTP client for the RARIS API.
type Client struct {
	baseURL       string
	apiKey        string
	authHeader    string
	userAgent     string
	httpClient    *http.Client
	logger        *slog.Logger
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	tracing       bool
}

// NewClient creates a new client rooted at baseURL (for example http://localhost:8000/api).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authHeader: defaultAuthHeader,
		userAgent:  defaultUserAgent,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracing {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		traced := *c.httpClient
		traced.Transport = otelhttp.NewTransport(base)
		c.httpClient = &traced
	}
	return c
}

// Request describes one outgoing call.
type Request struct {
	Method string
	// Path is appended to the base URL unless it is an absolute URL.
	Path   string
	Body   any
	Header http.Header
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path}, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Patch sends body as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

// Delete issues DELETE path and decodes the response, if any, into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path}, out)
}

// Do sends req and decodes a JSON response into out. out may be nil.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrTransport("failed to read response", err)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.NewError(domain.ErrorKindAPI, fmt.Sprintf("failed to decode response: %v", err)).
			WithStatusCode(resp.StatusCode).
			WithCause(err)
	}
	return nil
}

// Send performs req and returns the successful response with its body unread.
// Throttling responses are retried exactly once; any other non-success status is
// converted to a *domain.Error.
func (c *Client) Send(ctx context.Context, req *Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, domain.NewError(domain.ErrorKindInvalidRequest, "failed to marshal request").WithCause(err)
		}
		body = b
	}

	resp, err := c.attempt(ctx, req, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := c.retryAfter(resp)
		drain(resp)
		c.logger.Warn("request throttled, retrying once",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Duration("delay", delay))

		if err := c.sleep(ctx, delay); err != nil {
			return nil, domain.ErrTransport("throttle wait interrupted", err)
		}

		resp, err = c.attempt(ctx, req, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			detail := readDetail(resp)
			c.logger.Error("request throttled after retry",
				slog.String("method", req.Method),
				slog.String("path", req.Path))
			return nil, domain.ErrThrottled(detail)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.ErrFromStatus(resp.StatusCode, readDetail(resp))
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req *Request, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URL(req.Path), reader)
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindInvalidRequest, "failed to create request").WithCause(err)
	}
	c.setHeaders(httpReq, req.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport("request failed", err)
	}
	return resp, nil
}

// URL returns the absolute URL for path.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// ResolveReference resolves a server-supplied reference (such as a stream URL
// rooted at the host) against the base URL.
func (c *Client) ResolveReference(ref string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", domain.NewError(domain.ErrorKindInvalidRequest, "invalid base URL").WithCause(err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", domain.NewError(domain.ErrorKindInvalidRequest, fmt.Sprintf("invalid reference %q", ref)).WithCause(err)
	}
	return base.ResolveReference(r).String(), nil
}

func (c *Client) setHeaders(req *http.Request, extra http.Header) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(c.authHeader, c.apiKey)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// retryAfter reads the whole-second Retry-After header, falling back to the default delay.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	delay := c.retryDelay
	if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		}
	}
	if c.maxRetryDelay > 0 && delay > c.maxRetryDelay {
		delay = c.maxRetryDelay
	}
	return delay
}

// errorBody is the FastAPI error envelope.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// readDetail consumes resp.Body and extracts the server's human-readable detail.
// It falls back to the status text when the body is not parseable.
func readDetail(resp *http.Response) string {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return parseDetail(raw, resp.StatusCode)
}

func parseDetail(raw []byte, status int) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Detail) > 0 && string(body.Detail) != "null" {
			var s string
			if err := json.Unmarshal(body.Detail, &s); err == nil {
				if s != "" {
					return s
				}
			} else {
				var compact bytes.Buffer
				if json.Compact(&compact, body.Detail) == nil {
					return compact.String()
				}
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return http.StatusText(status)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCanceled reports whether err stems from caller-initiated cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
