package headers

import (
	"net/http"
	"testing"
)

func TestOutbound(t *testing.T) {
	src := http.Header{
		"Host":              {"localhost:8080"},
		"Referer":           {"http://localhost:8080/"},
		"Origin":            {"http://localhost:8080"},
		"Connection":        {"keep-alive"},
		"Cache-Control":     {"no-cache"},
		"User-Agent":        {"Mozilla/5.0"},
		"Accept-Encoding":   {"gzip"},
		"X-Requested-With":  {"XMLHttpRequest"},
		"Accept-Language":   {"en-US"},
		"If-None-Match":     {`"abc"`},
		"Content-Length":    {"12"},
		"X-Proxystrict":     {"true"},
		"Transfer-Encoding": {"chunked"},
		"Accept":            {"application/json;odata=verbose"},
		"Content-Type":      {"application/json"},
		"If-Match":          {"*"},
		"X-Http-Method":     {"MERGE"},
		"Slug":              {"file.txt"},
		"X-Custom":          {"kept"},
	}

	dst := Outbound(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Host", 0},
		{"Referer", 0},
		{"Origin", 0},
		{"Connection", 0},
		{"Cache-Control", 0},
		{"User-Agent", 0},
		{"Accept-Encoding", 0},
		{"X-Requested-With", 0},
		{"Accept-Language", 0},
		{"If-None-Match", 0},
		{"Content-Length", 0},
		{"X-ProxyStrict", 0},
		{"Transfer-Encoding", 0},
		{"Accept", 1},
		{"Content-Type", 1},
		{"If-Match", 1},
		{"X-HTTP-Method", 1},
		{"Slug", 1},
		{"X-Custom", 1},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestOutbound_WildcardAccept(t *testing.T) {
	wildcard := Outbound(http.Header{"Accept": {"*/*"}, "Content-Type": {"*/*"}})
	if v := wildcard.Get("Accept"); v != "" {
		t.Errorf("Accept = %q, want not forwarded for */*", v)
	}
	if v := wildcard.Get("Content-Type"); v != "" {
		t.Errorf("Content-Type = %q, want not forwarded for */*", v)
	}

	explicit := Outbound(http.Header{"Accept": {"application/json"}})
	if v := explicit.Get("Accept"); v != "application/json" {
		t.Errorf("Accept = %q, want %q", v, "application/json")
	}
}

func TestOutbound_DoesNotAliasSource(t *testing.T) {
	src := http.Header{"X-Custom": {"a"}}
	dst := Outbound(src)
	dst["X-Custom"][0] = "b"
	if src.Get("X-Custom") != "a" {
		t.Error("Outbound() result aliases the source slice")
	}
}

func TestInbound(t *testing.T) {
	src := http.Header{
		"Cache-Control":           {"private"},
		"Content-Length":          {"42"},
		"Content-Type":            {"application/json"},
		"Date":                    {"Mon, 01 Jan 2025 00:00:00 GMT"},
		"Etag":                    {`"1"`},
		"Expires":                 {"-1"},
		"Last-Modified":           {"Mon, 01 Jan 2025 00:00:00 GMT"},
		"Request-Id":              {"b7e0a1"},
		"Set-Cookie":              {"FedAuth=abc"},
		"Sprequestguid":           {"b7e0a1"},
		"X-Sharepointhealthscore": {"0"},
		"Server":                  {"Microsoft-IIS/10.0"},
		"Transfer-Encoding":       {"chunked"},
	}

	dst := Inbound(src)
	for _, key := range []string{"Cache-Control", "Content-Length", "Content-Type", "Date", "ETag", "Expires", "Last-Modified", "Request-Id"} {
		if dst.Get(key) == "" {
			t.Errorf("header %q dropped, want kept", key)
		}
	}
	for _, key := range []string{"Set-Cookie", "SPRequestGuid", "X-SharePointHealthScore", "Server", "Transfer-Encoding"} {
		if dst.Get(key) != "" {
			t.Errorf("header %q kept, want dropped", key)
		}
	}
}

func TestMerge_Precedence(t *testing.T) {
	defaults := http.Header{"Accept": {"application/json;odata=verbose"}, "Content-Type": {"application/json;odata=verbose"}}
	provider := http.Header{"Authorization": {"Bearer token"}, "Accept": {"application/json"}}
	caller := http.Header{"Accept": {"application/json;odata=nometadata"}, "Authorization": {""}}

	got := Merge(defaults, provider, caller)

	if v := got.Get("Accept"); v != "application/json;odata=nometadata" {
		t.Errorf("Accept = %q, want caller value", v)
	}
	if v := got.Get("Authorization"); v != "Bearer token" {
		t.Errorf("Authorization = %q, want provider value when caller is empty", v)
	}
	if v := got.Get("Content-Type"); v != "application/json;odata=verbose" {
		t.Errorf("Content-Type = %q, want default value", v)
	}
}

func TestMerge_FreshMap(t *testing.T) {
	layer := http.Header{"X-A": {"1"}}
	got := Merge(layer)
	got.Set("X-A", "2")
	got.Set("X-B", "3")
	if layer.Get("X-A") != "1" || layer.Get("X-B") != "" {
		t.Error("Merge() mutated its input")
	}
	if len(Merge()) != 0 {
		t.Error("Merge() with no layers should return an empty header")
	}
}
