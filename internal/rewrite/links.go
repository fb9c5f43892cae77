package rewrite

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"sp-rest-proxy-go/internal/endpoint"
)

// linkPaths are the gjson paths of pagination and self links in OData payloads.
var linkPaths = []string{
	`odata\.nextLink`,
	`\@odata\.nextLink`,
	`d.__next`,
	`odata\.metadata`,
	`\@odata\.context`,
}

// LinkRewriter swaps the site origin for the proxy host in pagination and
// metadata links of JSON responses.
type LinkRewriter struct {
	siteOrigin string
	proxyHost  string
}

// NewLinkRewriter creates a LinkRewriter. proxyHost is the proxy's advertised
// base URL, e.g. http://localhost:8080.
func NewLinkRewriter(siteURL, proxyHost string) (*LinkRewriter, error) {
	origin, err := endpoint.Origin(siteURL)
	if err != nil {
		return nil, err
	}
	return &LinkRewriter{
		siteOrigin: origin,
		proxyHost:  strings.TrimRight(proxyHost, "/"),
	}, nil
}

// Rewrite returns body with every recognised link that starts with the site
// origin re-rooted at the proxy host. Everything else in the body, including
// the path and query of the links, is left untouched. Invalid JSON is
// returned as-is.
func (r *LinkRewriter) Rewrite(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	for _, path := range linkPaths {
		res := gjson.GetBytes(body, path)
		if res.Type != gjson.String || res.Index == 0 {
			continue
		}
		rest, ok := r.trimOrigin(res.Str)
		if !ok {
			continue
		}
		encoded, err := encodeString(r.proxyHost + rest)
		if err != nil {
			continue
		}
		spliced := make([]byte, 0, len(body)+len(encoded)-len(res.Raw))
		spliced = append(spliced, body[:res.Index]...)
		spliced = append(spliced, encoded...)
		spliced = append(spliced, body[res.Index+len(res.Raw):]...)
		body = spliced
	}
	return body
}

// trimOrigin strips the site origin from link when link is rooted at it.
func (r *LinkRewriter) trimOrigin(link string) (string, bool) {
	if len(link) < len(r.siteOrigin) || !strings.EqualFold(link[:len(r.siteOrigin)], r.siteOrigin) {
		return "", false
	}
	rest := link[len(r.siteOrigin):]
	if rest != "" && rest[0] != '/' && rest[0] != '?' {
		// e.g. https://tenant.example.com.evil/
		return "", false
	}
	return rest, true
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
