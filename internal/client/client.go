// Package client is a typed facade over the platform REST and streams APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plxctl/plx/internal/config"
	plxerrors "github.com/plxctl/plx/internal/errors"
)

const tracerName = "plx.client"

// Config holds the settings needed to construct a Client.
type Config struct {
	// Host is the root URL of the server (e.g. "https://polyaxon.example.com").
	Host string

	// Token is the bearer token sent with every request. May be empty.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, one honouring
	// ConnectTimeout and ReadTimeout is built.
	HTTPClient *http.Client

	// ConnectTimeout bounds dialing. Defaults to 30 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for response headers. Defaults to 120 seconds.
	ReadTimeout time.Duration

	// Retry is applied to idempotent calls.
	Retry RetryPolicy

	// WatchInterval is the slowest status poll. Defaults to 2 seconds.
	WatchInterval time.Duration

	Logger *slog.Logger
}

// ConfigFrom builds a client config from the application config.
func ConfigFrom(cfg *config.Config, logger *slog.Logger) Config {
	return Config{
		Host:           cfg.Client.Host,
		Token:          cfg.Client.Token.Value(),
		ConnectTimeout: cfg.Client.ConnectTimeout.Duration,
		ReadTimeout:    cfg.Client.ReadTimeout.Duration,
		Retry:          RetryPolicyFrom(cfg.Client.Retry),
		WatchInterval:  cfg.Client.WatchInterval.Duration,
		Logger:         logger,
	}
}

// Client is an HTTP client for the platform API.
// All methods are safe for concurrent use; the client keeps no state
// between calls.
type Client struct {
	baseURL       string
	token         string
	http          *http.Client
	retry         RetryPolicy
	watchInterval time.Duration
	tracer        trace.Tracer
	logger        *slog.Logger
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, plxerrors.New(plxerrors.CodeInputMissing, "client host is required")
	}
	u, err := url.Parse(cfg.Host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, plxerrors.InvalidInput("invalid host %q", cfg.Host)
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 2 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = cfg.ConnectTimeout
		transport.ResponseHeaderTimeout = cfg.ReadTimeout
		// No overall timeout: artifact and log streams run as long as needed.
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.Host, "/"),
		token:         cfg.Token,
		http:          httpClient,
		retry:         cfg.Retry,
		watchInterval: cfg.WatchInterval,
		tracer:        otel.Tracer(tracerName),
		logger:        cfg.Logger,
	}, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// request describes one API call.
type request struct {
	method     string
	path       string
	query      url.Values
	body       any
	idempotent bool
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query, idempotent: true}, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any, idempotent bool) error {
	return c.do(ctx, request{method: http.MethodPost, path: path, body: body, idempotent: idempotent}, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	return c.do(ctx, request{method: http.MethodPatch, path: path, body: body, idempotent: true}, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.do(ctx, request{method: http.MethodPut, path: path, body: body, idempotent: true}, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: path, idempotent: true}, nil)
}

// do performs a JSON call, retrying transient failures of idempotent calls.
func (c *Client) do(ctx context.Context, r request, dest any) error {
	var encoded []byte
	if r.body != nil {
		var err error
		encoded, err = json.Marshal(r.body)
		if err != nil {
			return plxerrors.Wrap(plxerrors.CodeInternal, "marshal request body", err)
		}
	}

	return c.withRetry(ctx, r, func(ctx context.Context) error {
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		resp, err := c.send(ctx, r.method, r.path, r.query, body, "application/json")
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		return handleResponse(resp, dest)
	})
}

// stream performs a GET and hands back the open body of a 2xx response.
// Transient failures before the body starts are retried.
func (c *Client) stream(ctx context.Context, path string, query url.Values) (io.ReadCloser, http.Header, error) {
	var (
		body   io.ReadCloser
		header http.Header
	)
	err := c.withRetry(ctx, request{method: http.MethodGet, path: path, query: query, idempotent: true}, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, path, query, nil, "")
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			defer func() { _ = resp.Body.Close() }()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return parseErrorResponse(http.MethodGet, path, resp.StatusCode, data)
		}
		body, header = resp.Body, resp.Header
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

// withRetry runs attempt inside a span, retrying per policy, and classifies
// the final error.
func (c *Client) withRetry(ctx context.Context, r request, attempt func(context.Context) error) (err error) {
	ctx, span := c.startSpan(ctx, r.method, r.path)
	defer func() { finishSpan(span, err) }()

	attempts := 0
	op := func() error {
		attempts++
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !r.idempotent || !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request", "method", r.method, "path", r.path, "attempt", attempts, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(op, c.retry.newBackOff(ctx), notify)
	span.SetAttributes(attribute.Int("plx.attempts", attempts))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return plxerrors.Wrapf(plxerrors.CodeCancelled, ctxErr, "%s %s was canceled", r.method, r.path)
	}

	classified := classify(err)
	if plxerrors.Is(classified, plxerrors.KindTransientAPIError) {
		if !r.idempotent {
			return plxerrors.Wrapf(plxerrors.CodeAPIRemote, classified, "%s %s failed and was not retried", r.method, r.path)
		}
		return plxerrors.Wrapf(plxerrors.CodeAPIRemote, classified, "%s %s failed after %d attempts", r.method, r.path, attempts)
	}
	return classified
}

// send builds and sends one HTTP request.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, plxerrors.Wrap(plxerrors.CodeInternal, "create request", err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return plxerrors.Wrap(plxerrors.CodeAPIRemote, "decode response", err)
	}
	return nil
}

func (c *Client) startSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, method+" "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// routeOf drops identifiers from a path so span names stay low-cardinality.
func routeOf(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) >= 32 && isHex(strings.ReplaceAll(p, "-", "")) {
			parts[i] = "{uuid}"
		}
	}
	return strings.Join(parts, "/")
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return s != ""
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func runsPath(owner, project string) string {
	return fmt.Sprintf("/api/v1/%s/%s/runs", url.PathEscape(owner), url.PathEscape(project))
}

func runPath(owner, project, uuid string) string {
	return runsPath(owner, project) + "/" + url.PathEscape(uuid)
}

func streamsRunPath(namespace, owner, project, uuid string) string {
	return fmt.Sprintf("/streams/v1/%s/%s/%s/runs/%s",
		url.PathEscape(namespace), url.PathEscape(owner), url.PathEscape(project), url.PathEscape(uuid))
}
