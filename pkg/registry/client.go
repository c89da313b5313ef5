package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matzehuels/pkgstage/pkg/buildinfo"
	"github.com/matzehuels/pkgstage/pkg/httputil"
	"github.com/matzehuels/pkgstage/pkg/observability"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

// Client provides shared HTTP functionality for registry requests.
// It handles retry logic, common request headers, and HTTP hooks.
type Client struct {
	http     *http.Client
	headers  map[string]string
	attempts int
	delay    time.Duration
}

// Response is a fully read registry response. Non-2xx responses are returned
// as well because registries describe failures in the body.
type Response struct {
	StatusCode int
	Body       []byte
}

// NewClient creates a Client with default headers.
// Headers are applied to all requests made through this client.
// Pass nil for headers if no default headers are needed. timeout bounds each
// attempt.
func NewClient(headers map[string]string, attempts int, delay, timeout time.Duration) *Client {
	return &Client{
		http:     NewHTTPClient(timeout),
		headers:  headers,
		attempts: attempts,
		delay:    delay,
	}
}

// NewHTTPClient creates an HTTP client for registry requests. A non-positive
// timeout falls back to 30 seconds.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Get performs an HTTP GET request and returns the response. Transport
// failures and 5xx responses are retried; once retries are exhausted the last
// error is returned.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	var resp *Response
	err := httputil.Retry(ctx, c.attempts, c.delay, func() error {
		var err error
		resp, err = c.doRequest(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doRequest(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	hooks := observability.HTTP()
	host, path := req.URL.Host, req.URL.Path
	hooks.OnRequest(ctx, req.Method, host, path)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		hooks.OnError(ctx, req.Method, host, path, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httputil.Retryable(fmt.Errorf("%w: %v", httputil.ErrNetwork, err))
	}
	defer resp.Body.Close()
	hooks.OnResponse(ctx, req.Method, host, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 500 {
		return nil, httputil.CheckStatus(resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, httputil.Retryable(fmt.Errorf("%w: read body: %v", httputil.ErrNetwork, err))
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
