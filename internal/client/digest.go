package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// digestSafetyMargin is subtracted from the server-declared digest lifetime so
// a cached digest is never handed out during its last moments of validity.
const digestSafetyMargin = 30 * time.Second

// maxContextInfoBytes bounds the contextinfo response read.
const maxContextInfoBytes = 1 << 20

// DigestError reports a failed digest refresh. StatusCode is the upstream
// status when the site answered, zero on transport failures.
type DigestError struct {
	WebRoot    string
	StatusCode int
	Err        error
}

func (e *DigestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request digest for %s: upstream status %d: %v", e.WebRoot, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request digest for %s: %v", e.WebRoot, e.Err)
}

func (e *DigestError) Unwrap() error { return e.Err }

// Digest returns a request digest for webRoot, served from the store when a
// fresh one exists and refreshed through the contextinfo endpoint otherwise.
// Failed refreshes are never cached.
func (c *Client) Digest(ctx context.Context, webRoot string) (string, error) {
	if token, ok, err := c.digests.Get(ctx, webRoot); err != nil {
		c.logger.Warn("digest store lookup failed", "web_root", webRoot, "err", err)
	} else if ok {
		c.recordDigest("hit")
		return token, nil
	}

	token, ttl, err := c.fetchDigest(ctx, webRoot)
	if err != nil {
		c.recordDigest("error")
		return "", err
	}
	c.recordDigest("refresh")

	if err := c.digests.Set(ctx, webRoot, token, ttl); err != nil {
		c.logger.Warn("digest store write failed", "web_root", webRoot, "err", err)
	}
	return token, nil
}

func (c *Client) fetchDigest(ctx context.Context, webRoot string) (string, time.Duration, error) {
	resp, err := c.Call(ctx, webRoot+"/_api/contextinfo", CallOptions{
		Method: http.MethodPost,
		Header: http.Header{
			"Accept":       {"application/json;odata=verbose"},
			"Content-Type": {"application/json;odata=verbose"},
		},
	})
	if err != nil {
		return "", 0, &DigestError{WebRoot: webRoot, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContextInfoBytes))
	if err != nil {
		return "", 0, &DigestError{WebRoot: webRoot, Err: fmt.Errorf("read contextinfo: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &DigestError{
			WebRoot:    webRoot,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("contextinfo: %s", truncate(body, 512)),
		}
	}

	token, timeout, err := parseContextInfo(body)
	if err != nil {
		return "", 0, &DigestError{WebRoot: webRoot, Err: err}
	}
	return token, time.Duration(timeout)*time.Second - digestSafetyMargin, nil
}

// parseContextInfo extracts the digest and its lifetime in seconds from a
// contextinfo response in either verbose or minimal metadata form.
func parseContextInfo(body []byte) (string, int64, error) {
	if !gjson.ValidBytes(body) {
		return "", 0, fmt.Errorf("contextinfo: response is not JSON")
	}
	info := gjson.GetBytes(body, "d.GetContextWebInformation")
	if !info.Exists() {
		info = gjson.ParseBytes(body)
	}

	token := info.Get("FormDigestValue").String()
	if token == "" {
		return "", 0, fmt.Errorf("contextinfo: FormDigestValue missing")
	}
	timeout := info.Get("FormDigestTimeoutSeconds")
	if !timeout.Exists() {
		return "", 0, fmt.Errorf("contextinfo: FormDigestTimeoutSeconds missing")
	}
	return token, timeout.Int(), nil
}

func (c *Client) recordDigest(result string) {
	if c.metrics != nil {
		c.metrics.DigestLookups.WithLabelValues(result).Inc()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
