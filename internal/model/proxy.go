// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyContext is the process-wide, read-only view of the fronted site.
type ProxyContext struct {
	SiteURL      string
	ProxyHostURL string
	Username     string
}

// ForwardedRequest represents an inbound call to be forwarded upstream.
// Path carries the request path plus the raw query, exactly as received.
type ForwardedRequest struct {
	Method  string
	Path    string
	Header  http.Header
	Body    []byte
	RawBody bool
}

// ProxyResponse represents the upstream response to be written back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
