// Package netcall is the network collaborator: it performs the outbound
// HTTP calls scripts issue with Fetch.
package netcall

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// DefaultMaxBody caps the response body delivered back to a script.
const DefaultMaxBody = 8 << 20

// Client implements engine.Network over net/http.
//
// Every call runs on its own goroutine and delivers exactly one result.
// A non-2xx status is a response, not a failure.
type Client struct {
	http    *http.Client
	logger  *slog.Logger
	maxBody int64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each call, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxBody sets the largest response body accepted.
func WithMaxBody(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// New creates a Client with a 10s timeout.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IssueOutboundCall implements engine.Network.
func (c *Client) IssueOutboundCall(ctx context.Context, req *engine.OutboundRequest) <-chan engine.OutboundResult {
	ch := make(chan engine.OutboundResult, 1)
	go func() {
		start := time.Now()
		resp, err := c.do(ctx, req)
		attrs := []any{"method", req.Method, "url", req.URL, "duration", time.Since(start)}
		if err != nil {
			c.logger.Debug("outbound call failed", append(attrs, "error", err)...)
		} else {
			c.logger.Debug("outbound call completed", append(attrs, "status", resp.Status)...)
		}
		ch <- engine.OutboundResult{Response: resp, Err: err}
	}()
	return ch
}

func (c *Client) do(ctx context.Context, req *engine.OutboundRequest) (*engine.OutboundResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create outbound request: %w", err)
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("outbound %s %s: %w", method, req.URL, err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read outbound response: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("outbound %s %s: response body exceeds %d bytes", method, req.URL, c.maxBody)
	}

	header := make(map[string]string, len(hresp.Header))
	for k := range hresp.Header {
		header[k] = hresp.Header.Get(k)
	}
	return &engine.OutboundResponse{Status: hresp.StatusCode, Header: header, Body: data}, nil
}
