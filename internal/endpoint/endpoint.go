// Package endpoint maps inbound proxy paths onto absolute upstream URLs.
package endpoint

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// StrictHeader overrides the configured relativity mode for a single call.
const StrictHeader = "X-ProxyStrict"

// similarityThreshold is the number of leading path segments that must match
// the site's base path for a request path to be taken as already absolute.
const similarityThreshold = 2

var duplicateSlashes = regexp.MustCompile(`/{2,}`)

// apiMarkers delimit the web root inside an upstream URL.
var apiMarkers = []string{"/_api", "/_vti_bin"}

// Resolve converts requestPath (path plus optional query) into an absolute
// upstream URL under siteURL.
//
// In strict mode the path is always appended to the site's base path. In loose
// mode the path is used as-is when at least two of its leading segments line up
// with the base path, which lets callers echo links that already carry the
// site's sub-path.
func Resolve(requestPath, siteURL string, strict bool) (string, error) {
	site, err := url.Parse(siteURL)
	if err != nil {
		return "", fmt.Errorf("parse site url: %w", err)
	}
	if site.Scheme == "" || site.Host == "" {
		return "", fmt.Errorf("site url %q is not absolute", siteURL)
	}

	path, query, hasQuery := strings.Cut(requestPath, "?")
	basePath := site.Path
	if basePath == "" {
		basePath = "/"
	}

	var resolved string
	switch {
	case path == "":
		resolved = basePath
	case strict || !overlaps(basePath, path):
		resolved = basePath + "/" + path
	default:
		resolved = path
	}

	out := site.Scheme + "://" + site.Host + collapseSlashes(resolved)
	if hasQuery {
		out += "?" + query
	}
	return out, nil
}

// overlaps reports whether path already starts with the site's base path,
// judged by pairwise segment matches over the shorter of the two.
func overlaps(basePath, path string) bool {
	baseSegs := strings.Split(basePath, "/")
	pathSegs := strings.Split(path, "/")

	n := min(len(baseSegs), len(pathSegs))
	matches := 0
	for i := 0; i < n; i++ {
		if baseSegs[i] == pathSegs[i] {
			matches++
		}
	}
	return matches >= similarityThreshold
}

func collapseSlashes(p string) string {
	return duplicateSlashes.ReplaceAllString(p, "/")
}

// StrictOverride resolves the per-request relativity mode. A header value of
// "true" or "false" wins over def; anything else is ignored.
func StrictOverride(headerValue string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(headerValue)) {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}

// Origin returns scheme://host of rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// WebRoot returns the web URL an upstream API URL belongs to: everything before
// the first /_api or /_vti_bin segment, without the query. URLs without either
// marker are returned without their query and trailing slash.
func WebRoot(upstreamURL string) string {
	base, _, _ := strings.Cut(upstreamURL, "?")
	lower := strings.ToLower(base)
	cut := len(base)
	for _, marker := range apiMarkers {
		if i := strings.Index(lower, marker); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimRight(base[:cut], "/")
}
