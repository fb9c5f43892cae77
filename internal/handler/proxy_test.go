package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"sp-rest-proxy-go/internal/auth"
	"sp-rest-proxy-go/internal/client"
	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/console"
	"sp-rest-proxy-go/internal/digest"
	"sp-rest-proxy-go/internal/gateway"
	"sp-rest-proxy-go/internal/model"
	"sp-rest-proxy-go/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProxy builds the standalone stack against siteURL.
func newTestProxy(t *testing.T, siteURL string, opts ProxyOptions) *ProxyHandler {
	t.Helper()
	cfg := &config.Config{
		Site: config.SiteConfig{URL: siteURL},
		Auth: config.AuthConfig{Username: "alice", Password: "pw"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := testLogger()
	provider, err := auth.NewStatic(cfg)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	c := client.NewClient(cfg, provider, digest.NewMemoryStore(), logger, nil)
	svc, err := service.NewProxy(c, model.ProxyContext{
		SiteURL:      siteURL,
		ProxyHostURL: "http://localhost:8080",
		Username:     provider.Username(),
	}, service.Settings{}, logger)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if opts.BodyLimit == 0 {
		opts.BodyLimit = svc.BodyLimit()
	}
	return NewProxyHandler(svc, opts, logger)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body["error"]
}

func TestProxyHandler_Handle_RESTGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sites/dev/_api/web/lists" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/sites/dev/_api/web/lists")
		}
		if r.URL.RawQuery != "$top=2" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "$top=2")
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("Authorization header missing")
		}
		w.Header().Set("Content-Type", "application/json;odata=verbose")
		w.Header().Set("X-Powered-By", "ASP.NET")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"d":{"results":[]}}`))
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL+"/sites/dev", ProxyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/sites/dev/_api/web/lists?$top=2", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"d":{"results":[]}}` {
		t.Errorf("body = %s", got)
	}
	if rec.Header().Get("X-Powered-By") != "" {
		t.Error("X-Powered-By should be filtered from the response")
	}
}

func TestProxyHandler_Handle_UpstreamStatusMirrored(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":{"value":"Access denied."}}}`))
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL, ProxyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/_api/web", http.NoBody))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if !strings.Contains(rec.Body.String(), "Access denied.") {
		t.Errorf("body = %s, want upstream body", rec.Body.String())
	}
}

func TestProxyHandler_Handle_POSTWithDigest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_api/contextinfo") {
			_, _ = w.Write([]byte(`{"d":{"GetContextWebInformation":{"FormDigestValue":"0xD","FormDigestTimeoutSeconds":1800}}}`))
			return
		}
		if r.Header.Get("X-RequestDigest") != "0xD" {
			t.Errorf("X-RequestDigest = %q, want %q", r.Header.Get("X-RequestDigest"), "0xD")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL, ProxyOptions{})
	req := httptest.NewRequest(http.MethodPost, "/_api/web/lists", strings.NewReader(`{"Title":"x"}`))
	req.Header.Set("Content-Type", "application/json;odata=verbose")
	rec := serve(t, h, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != `{"Title":"x"}` {
		t.Errorf("body = %s, want echoed payload", rec.Body.String())
	}
}

func TestProxyHandler_Handle_InvalidJSON(t *testing.T) {
	h := newTestProxy(t, "http://127.0.0.1:1", ProxyOptions{})
	req := httptest.NewRequest(http.MethodPost, "/_api/web/lists", strings.NewReader(`{"Title":`))
	rec := serve(t, h, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProxyHandler_Handle_BodyTooLarge(t *testing.T) {
	h := newTestProxy(t, "http://127.0.0.1:1", ProxyOptions{BodyLimit: 8})
	req := httptest.NewRequest(http.MethodPost, "/pages/form.aspx", strings.NewReader("a=123456789"))
	rec := serve(t, h, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestProxyHandler_Handle_Unmatched(t *testing.T) {
	h := newTestProxy(t, "http://127.0.0.1:1", ProxyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodPut, "/Docs/a.txt", strings.NewReader("x")))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if rec.Header().Get("Allow") == "" {
		t.Error("Allow header missing on 405")
	}
}

func TestProxyHandler_Handle_Unreachable(t *testing.T) {
	h := newTestProxy(t, "http://127.0.0.1:1", ProxyOptions{FailureStatus: http.StatusBadGateway})
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/_api/web", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want configured failure status %d", rec.Code, http.StatusBadGateway)
	}
	if errorBody(t, rec) == "" {
		t.Error("expected non-empty error message in response")
	}
}

func TestProxyHandler_Handle_DigestFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_api/contextinfo") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("token expired"))
			return
		}
		t.Errorf("mutation reached upstream without a digest: %s", r.URL.Path)
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL, ProxyOptions{})
	rec := serve(t, h, httptest.NewRequest(http.MethodPost, "/_api/web/lists", strings.NewReader(`{}`)))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := errorBody(t, rec); !strings.Contains(got, "token expired") {
		t.Errorf("error = %q, want inner message", got)
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// Wait until client context is done.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL, ProxyOptions{})

	req := httptest.NewRequest(http.MethodGet, "/_api/web", http.NoBody)
	// Create a pre-canceled context to simulate client disconnect.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestProxyHandler_Handle_ConsoleFirst(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("v=##proxyVersion#"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		upstreamHits.Add(1)
		_, _ = w.Write([]byte("from site"))
	}))
	defer upstream.Close()

	h := newTestProxy(t, upstream.URL, ProxyOptions{Console: console.NewProvider(dir, "2.0.0")})

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Body.String() != "v=2.0.0" {
		t.Errorf("body = %q, want stamped console index", rec.Body.String())
	}

	rec = serve(t, h, httptest.NewRequest(http.MethodGet, "/sites/dev/Pages/Home.aspx", http.NoBody))
	if rec.Body.String() != "from site" {
		t.Errorf("body = %q, want upstream page", rec.Body.String())
	}
	if got := upstreamHits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1", got)
	}
}

func TestProxyHandler_Handle_ForwardedRequestShape(t *testing.T) {
	var got *model.ForwardedRequest
	d := DispatchFunc(func(_ context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error) {
		got = req
		return &model.ProxyResponse{
			StatusCode: http.StatusAccepted,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("ok")),
		}, nil
	})
	h := NewProxyHandler(d, ProxyOptions{BodyLimit: 1024}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/sites/dev/_api/$batch?x=1", strings.NewReader("--batch--"))
	req.Header.Set("Content-Type", "multipart/mixed; boundary=batch")
	rec := serve(t, h, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if got.Path != "/sites/dev/_api/$batch?x=1" {
		t.Errorf("Path = %q, want path with query", got.Path)
	}
	if string(got.Body) != "--batch--" {
		t.Errorf("Body = %q, want raw body", got.Body)
	}
	if got.Header.Get("Content-Type") != "multipart/mixed; boundary=batch" {
		t.Errorf("Content-Type = %q", got.Header.Get("Content-Type"))
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "contoso.example.com"}
	urlErr := &url.Error{Op: "Get", URL: "https://contoso.example.com/_api", Err: fmt.Errorf("connection refused")}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"dns", fmt.Errorf("forward to upstream: %w", dnsErr), http.StatusInternalServerError, ""},
		{"url", fmt.Errorf("forward to upstream: %w", urlErr), http.StatusInternalServerError, ""},
		{"deadline", fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "upstream request timed out"},
		{"no gateway client", gateway.ErrNoGatewayClient, http.StatusBadGateway, "no gateway client connected"},
		{"gateway timeout", gateway.ErrTransactionTimeout, http.StatusGatewayTimeout, "gateway client did not answer in time"},
		{"gateway dropped", gateway.ErrClientDisconnected, http.StatusBadGateway, "gateway client disconnected"},
		{"invalid json", service.ErrInvalidJSON, http.StatusBadRequest, service.ErrInvalidJSON.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewProxyHandler(nil, ProxyOptions{}, testLogger())

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/_api/web", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			msg := errorBody(t, rec)
			if msg == "" {
				t.Error("expected non-empty error message")
			}
			if tt.wantMsg != "" && msg != tt.wantMsg {
				t.Errorf("error = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}
