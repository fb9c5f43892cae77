// Package client provides the upstream HTTP client for the fronted site.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sp-rest-proxy-go/internal/auth"
	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/digest"
	"sp-rest-proxy-go/internal/endpoint"
	"sp-rest-proxy-go/internal/headers"
	"sp-rest-proxy-go/internal/metrics"
	"sp-rest-proxy-go/internal/model"
)

// DigestHeader carries the request digest on mutating calls.
const DigestHeader = "X-RequestDigest"

// credentialHeaders are taken from the auth provider whenever it sets them.
var credentialHeaders = []string{"Authorization", "Cookie"}

// CallOptions describes one upstream call.
type CallOptions struct {
	Method string
	Header http.Header
	Body   []byte
	// SkipDigest suppresses automatic digest attachment (legacy SOAP calls).
	SkipDigest bool
}

// Client sends requests to the upstream site.
type Client struct {
	httpClient *http.Client
	provider   auth.Provider
	digests    digest.Store
	siteURL    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a Client with connection pooling and timeouts.
// Peer certificates are not verified unless upstream.verify_tls is set:
// on-premises sites are commonly self-signed.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewClient(cfg *config.Config, provider auth.Provider, store digest.Store, logger *slog.Logger, m *metrics.Metrics) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS, //nolint:gosec // self-signed on-prem farms
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects go back to the caller with their original status.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		provider: provider,
		digests:  store,
		siteURL:  cfg.Site.URL,
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
	}
}

// Call performs an authenticated upstream call. Authentication headers from
// the provider are merged under the caller's headers, and a request digest is
// attached to mutating calls. Non-2xx responses are returned, not treated as errors.
// The caller is responsible for closing the response body.
func (c *Client) Call(ctx context.Context, url string, opts CallOptions) (*model.ProxyResponse, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	authHeader, err := c.provider.Headers(ctx, c.siteURL)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}
	// Browser credentials scoped to the proxy origin never replace configured ones.
	caller := opts.Header.Clone()
	for _, key := range credentialHeaders {
		if authHeader.Get(key) != "" {
			caller.Del(key)
		}
	}
	header := headers.Merge(authHeader, caller)

	if c.needsDigest(method, url, opts) && header.Get(DigestHeader) == "" {
		token, err := c.Digest(ctx, endpoint.WebRoot(url))
		if err != nil {
			return nil, err
		}
		header.Set(DigestHeader, token)
	}

	var body io.Reader = http.NoBody
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.ContentLength = int64(len(opts.Body))

	return c.do(req)
}

func (c *Client) needsDigest(method, url string, opts CallOptions) bool {
	if opts.SkipDigest {
		return false
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return !isContextInfo(url)
}

// do executes an HTTP request against the upstream and returns the raw response.
func (c *Client) do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func isContextInfo(url string) bool {
	path, _, _ := strings.Cut(url, "?")
	return strings.HasSuffix(strings.ToLower(strings.TrimRight(path, "/")), "/_api/contextinfo")
}
