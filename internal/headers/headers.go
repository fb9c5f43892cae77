// Package headers applies the proxy's allow/deny rules to header collections.
package headers

import (
	"net/http"
	"strings"
)

// deniedRequestHeaders identify the browser or describe the inbound hop and
// are never sent upstream.
var deniedRequestHeaders = map[string]bool{
	"Host":             true,
	"Referer":          true,
	"Origin":           true,
	"Connection":       true,
	"Cache-Control":    true,
	"User-Agent":       true,
	"Accept-Encoding":  true,
	"X-Requested-With": true,
	"Accept-Language":  true,
	"If-None-Match":    true,
	"Content-Length":   true,
	"X-Proxystrict":    true,
	// hop-by-hop
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// wildcardSensitive are forwarded only when set to something other than */*.
var wildcardSensitive = []string{"Accept", "Content-Type"}

// verbOverrideHeaders emulate DELETE/MERGE over POST and always pass through.
var verbOverrideHeaders = []string{"If-Match", "X-Http-Method", "Slug"}

// forwardableResponseHeaders are the only response headers copied back to the client.
var forwardableResponseHeaders = map[string]bool{
	"Cache-Control":  true,
	"Content-Length": true,
	"Content-Type":   true,
	"Date":           true,
	"Etag":           true,
	"Expires":        true,
	"Last-Modified":  true,
	"Request-Id":     true,
}

// Outbound returns the subset of inbound request headers that may be sent upstream.
func Outbound(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if deniedRequestHeaders[canonical] || isWildcardSensitive(canonical) {
			continue
		}
		dst[canonical] = append([]string(nil), vals...)
	}

	for _, key := range wildcardSensitive {
		if v := strings.TrimSpace(src.Get(key)); v != "" && v != "*/*" {
			dst.Set(key, v)
		}
	}
	for _, key := range verbOverrideHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	return dst
}

func isWildcardSensitive(canonical string) bool {
	for _, key := range wildcardSensitive {
		if key == canonical {
			return true
		}
	}
	return false
}

// Inbound returns the response allow-list subset of upstream headers.
func Inbound(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	return dst
}

// Merge composes header layers into a fresh map. Later layers win per key;
// a key whose values are all empty never overrides an earlier layer.
//
// Callers pass layers in increasing precedence, e.g. Merge(defaults, provider, caller).
func Merge(layers ...http.Header) http.Header {
	dst := make(http.Header)
	for _, layer := range layers {
		for key, vals := range layer {
			if allEmpty(vals) {
				continue
			}
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	return dst
}

func allEmpty(vals []string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
