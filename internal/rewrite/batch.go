// Package rewrite adjusts URLs embedded in request and response bodies so that
// calls built against the proxy origin reach the real site and links returned
// by the site lead back through the proxy.
package rewrite

import (
	"bytes"
	"regexp"

	"sp-rest-proxy-go/internal/endpoint"
)

// BatchTransform replaces the default batch rewrite entirely when set.
type BatchTransform func(body []byte) []byte

// subRequestLine matches sub-request lines the browser addressed to the proxy itself.
var subRequestLine = regexp.MustCompile(`^(POST|GET) https?://localhost(?::\d+)?/(.*) (HTTP/\d(?:\.\d)?)$`)

// BatchRewriter points localhost sub-requests inside a $batch body at the site origin.
type BatchRewriter struct {
	origin    string
	transform BatchTransform
}

// NewBatchRewriter creates a BatchRewriter for siteURL. A non-nil transform
// overrides the line rewrite.
func NewBatchRewriter(siteURL string, transform BatchTransform) (*BatchRewriter, error) {
	origin, err := endpoint.Origin(siteURL)
	if err != nil {
		return nil, err
	}
	return &BatchRewriter{origin: origin, transform: transform}, nil
}

// Rewrite returns the batch body with matching sub-request lines rewritten.
// Non-matching lines and line terminators are preserved byte for byte.
func (r *BatchRewriter) Rewrite(body []byte) []byte {
	if r.transform != nil {
		return r.transform(body)
	}

	// Each line keeps its own CR, so CRLF, LF and mixed bodies all round-trip.
	lines := bytes.Split(body, []byte("\n"))
	for i, line := range lines {
		lines[i] = r.rewriteLine(line)
	}
	return bytes.Join(lines, []byte("\n"))
}

func (r *BatchRewriter) rewriteLine(line []byte) []byte {
	trimmed, hasCR := bytes.CutSuffix(line, []byte("\r"))

	m := subRequestLine.FindSubmatch(trimmed)
	if m == nil {
		return line
	}

	var out bytes.Buffer
	out.Grow(len(line) + len(r.origin))
	out.Write(m[1])
	out.WriteByte(' ')
	out.WriteString(r.origin)
	out.WriteByte('/')
	out.Write(m[2])
	out.WriteByte(' ')
	out.Write(m[3])
	if hasCR {
		out.WriteByte('\r')
	}
	return out.Bytes()
}
