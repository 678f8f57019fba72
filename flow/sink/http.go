package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dshills/dataflow-go/flow"
)

// HTTPPoster posts every item as a request body to one URL. It implements
// flow.AsyncClient.
//
// Transport failures and 5xx or 429 responses wrap
// flow.ErrResourceUnavailable; other non-2xx responses are permanent
// failures.
//
// Example:
//
//	poster := sink.NewHTTPPoster("https://hooks.example.com/orders",
//	    sink.WithHeader("Authorization", "Bearer token"))
//	dag.AddVertex("notify", 1, flow.NewAsyncWriter(poster, 32))
type HTTPPoster struct {
	client *http.Client
	url    string
	method string
	header http.Header
	codec  flow.Codec
	ctype  string
}

// HTTPOption configures an HTTPPoster.
type HTTPOption func(*HTTPPoster)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPoster) { p.client = c }
}

// WithMethod sets the request method. Default: POST.
func WithMethod(method string) HTTPOption {
	return func(p *HTTPPoster) { p.method = method }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(p *HTTPPoster) { p.header.Add(key, value) }
}

// WithBodyCodec sets the codec and content type for items that are not
// strings or bytes. Default: JSON.
func WithBodyCodec(c flow.Codec, contentType string) HTTPOption {
	return func(p *HTTPPoster) {
		p.codec = c
		p.ctype = contentType
	}
}

// NewHTTPPoster creates a poster sending to url.
func NewHTTPPoster(url string, opts ...HTTPOption) *HTTPPoster {
	p := &HTTPPoster{
		client: http.DefaultClient,
		url:    url,
		method: http.MethodPost,
		header: make(http.Header),
		codec:  flow.JSONCodec{},
		ctype:  "application/json",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteAsync implements flow.AsyncClient.
func (p *HTTPPoster) WriteAsync(ctx context.Context, item any, done func(err error)) {
	body, ctype, err := p.body(item)
	if err != nil {
		done(fmt.Errorf("http sink: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, bytes.NewReader(body))
	if err != nil {
		done(fmt.Errorf("http sink: %w", err))
		return
	}
	for k, vs := range p.header {
		req.Header[k] = vs
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", ctype)
	}

	go func() {
		resp, err := p.client.Do(req)
		if err != nil {
			done(fmt.Errorf("%w: http sink: %v", flow.ErrResourceUnavailable, err))
			return
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		done(statusError(resp))
	}()
}

func (p *HTTPPoster) body(item any) ([]byte, string, error) {
	switch v := item.(type) {
	case string:
		return []byte(v), "text/plain; charset=utf-8", nil
	case []byte:
		return v, "application/octet-stream", nil
	}
	data, err := p.codec.Encode(item)
	return data, p.ctype, err
}

func statusError(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http sink: %s %s: %s", flow.ErrResourceUnavailable, resp.Request.Method, resp.Request.URL, resp.Status)
	}
	return fmt.Errorf("http sink: %s %s: %s", resp.Request.Method, resp.Request.URL, resp.Status)
}
