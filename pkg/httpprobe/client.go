package httpprobe

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/filbeam/spprobe/pkg/log"
)

// Config holds the probe transport timeouts. The connect timeout bounds
// dialing only; the request timeouts bound the whole exchange including
// the body read.
type Config struct {
	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	HTTP2RequestTimeout time.Duration
}

// Client issues proxy-free probe requests and measures them. Requests
// never traverse an environment-configured proxy so the observed
// latencies are the provider's own.
type Client struct {
	h1     *http.Client
	h2     *http.Client
	logger zerolog.Logger
}

// New builds the HTTP/1.1 and HTTP/2 probe clients
func New(cfg Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	h1Transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	h2Transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			return tls.DialWithDialer(dialer, network, addr, tlsCfg)
		},
	}

	return &Client{
		h1:     &http.Client{Transport: h1Transport, Timeout: cfg.RequestTimeout},
		h2:     &http.Client{Transport: h2Transport, Timeout: cfg.HTTP2RequestTimeout},
		logger: log.WithComponent("httpprobe"),
	}
}

// RequestOptions tunes a single probe request
type RequestOptions struct {
	Accept   string
	PreferH2 bool
	Headers  map[string]string
}

// Get issues a streaming GET. The returned stream measures TTFB on the
// first body byte and throughput at close; callers must Close it on
// every exit path. A non-2xx status is returned as an error alongside a
// Result carrying the code and a sanitised response preview.
func (c *Client) Get(ctx context.Context, url string, opts RequestOptions) (*Stream, *Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if opts.Accept != "" {
		req.Header.Set("Accept", opts.Accept)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := c.h1
	if opts.PreferH2 {
		client = c.h2
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Start:      start,
		Proto:      resp.Proto,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, previewLimit))
		resp.Body.Close()
		result.Preview = sanitizePreview(preview)
		return nil, result, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return newStream(resp.Body, result), result, nil
}

// Fetch is a buffered GET for small payloads such as DAG blocks
func (c *Client) Fetch(ctx context.Context, url string, opts RequestOptions) (*Result, []byte, error) {
	stream, result, err := c.Get(ctx, url, opts)
	if err != nil {
		return result, nil, err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return result, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return result, data, nil
}

// Upload POSTs a payload and returns the response body. Used for piece
// ingestion; the result's latency fields cover the full exchange.
func (c *Client) Upload(ctx context.Context, url string, payload []byte, contentType string) (*Result, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(payload))

	start := time.Now()
	resp, err := c.h1.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Start:      start,
		Proto:      resp.Proto,
		TTFB:       time.Since(start),
		LastByte:   time.Since(start),
		BytesRead:  int64(len(payload)),
	}
	result.finalize()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Preview = sanitizePreview(body)
		return result, body, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return result, body, nil
}
