// Package service implements the per-class forwarding logic, independent of
// whether calls arrive over HTTP or through the gateway tunnel.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"sp-rest-proxy-go/internal/client"
	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/endpoint"
	"sp-rest-proxy-go/internal/headers"
	"sp-rest-proxy-go/internal/model"
	"sp-rest-proxy-go/internal/rewrite"
	"sp-rest-proxy-go/internal/route"
)

var (
	// ErrBodyTooLarge is returned when a request body exceeds the limit for its class.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrInvalidJSON is returned when a REST mutation carries a body that is not JSON.
	ErrInvalidJSON = errors.New("request body is not valid JSON")
	// ErrMethodNotAllowed is returned when no route class matches the call.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

const (
	verboseJSON   = "application/json;odata=verbose"
	formURLEncode = "application/x-www-form-urlencoded"
)

// soapHeaders replace whatever the caller sent on legacy web service calls.
var soapHeaders = http.Header{
	"Accept":       {"application/xml, text/xml, */*; q=0.01"},
	"Content-Type": {`text/xml;charset="UTF-8"`},
}

// binaryExtensions are streamed through without JSON defaults.
var binaryExtensions = map[string]bool{
	".7z": true, ".avi": true, ".bmp": true, ".doc": true, ".docx": true,
	".eot": true, ".exe": true, ".gif": true, ".gz": true, ".ico": true,
	".jpeg": true, ".jpg": true, ".mov": true, ".mp3": true, ".mp4": true,
	".msi": true, ".one": true, ".pdf": true, ".png": true, ".ppt": true,
	".pptx": true, ".rar": true, ".tif": true, ".tiff": true, ".ttf": true,
	".vsdx": true, ".wav": true, ".webp": true, ".woff": true, ".woff2": true,
	".xls": true, ".xlsx": true, ".zip": true,
}

// Upstream performs authenticated calls against the site.
type Upstream interface {
	Call(ctx context.Context, url string, opts client.CallOptions) (*model.ProxyResponse, error)
}

// ResponseMapper post-processes buffered REST GET JSON bodies after the link rewrite.
type ResponseMapper func(req *model.ForwardedRequest, body []byte) []byte

// Settings shape how calls are forwarded.
type Settings struct {
	Protocol           string
	Hostname           string
	Port               int
	RawBodyLimit       int64
	JSONBodyLimit      int64
	// RewriteBodyLimit caps how much of a JSON response is buffered for
	// link rewriting. Larger responses stream through unchanged.
	RewriteBodyLimit   int64
	StrictRelativeURLs bool
	BatchTransform     rewrite.BatchTransform
	ResponseMapper     ResponseMapper
}

// SettingsFromConfig derives Settings from the server section.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Protocol:           cfg.Server.Protocol,
		Hostname:           cfg.Server.Host,
		Port:               cfg.Server.Port,
		RawBodyLimit:       cfg.Server.RawBodyMaxBytes,
		JSONBodyLimit:      cfg.Server.JSONBodyMaxBytes,
		StrictRelativeURLs: cfg.Server.StrictRelativeURL,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Protocol == "" {
		s.Protocol = "http"
	}
	if s.Hostname == "" {
		s.Hostname = "localhost"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.RawBodyLimit == 0 {
		s.RawBodyLimit = 10 * 1024 * 1024
	}
	if s.JSONBodyLimit == 0 {
		s.JSONBodyLimit = 2 * 1024 * 1024
	}
	if s.RewriteBodyLimit == 0 {
		s.RewriteBodyLimit = 32 * 1024 * 1024
	}
	return s
}

// HostURL is the address the proxy listens on, used when no public URL is set.
func (s Settings) HostURL() string {
	return fmt.Sprintf("%s://%s:%d", s.Protocol, s.Hostname, s.Port)
}

// Proxy routes a ForwardedRequest to the handler for its class.
type Proxy struct {
	upstream Upstream
	pctx     model.ProxyContext
	settings Settings
	batch    *rewrite.BatchRewriter
	links    *rewrite.LinkRewriter
	table    route.Table
	logger   *slog.Logger
}

// NewProxy creates a Proxy for the site described by pctx.
func NewProxy(upstream Upstream, pctx model.ProxyContext, settings Settings, logger *slog.Logger) (*Proxy, error) {
	settings = settings.withDefaults()
	if pctx.ProxyHostURL == "" {
		pctx.ProxyHostURL = settings.HostURL()
	}

	batch, err := rewrite.NewBatchRewriter(pctx.SiteURL, settings.BatchTransform)
	if err != nil {
		return nil, fmt.Errorf("batch rewriter: %w", err)
	}
	links, err := rewrite.NewLinkRewriter(pctx.SiteURL, pctx.ProxyHostURL)
	if err != nil {
		return nil, fmt.Errorf("link rewriter: %w", err)
	}

	return &Proxy{
		upstream: upstream,
		pctx:     pctx,
		settings: settings,
		batch:    batch,
		links:    links,
		table:    route.DefaultTable,
		logger:   logger.With("component", "proxy_service"),
	}, nil
}

// Context returns the site context the proxy serves.
func (p *Proxy) Context() model.ProxyContext {
	return p.pctx
}

// BodyLimit returns the largest body any class accepts. Transports use it to
// bound reads before dispatch.
func (p *Proxy) BodyLimit() int64 {
	return max(p.settings.RawBodyLimit, p.settings.JSONBodyLimit)
}

// Classify returns the route class for req.
func (p *Proxy) Classify(req *model.ForwardedRequest) route.Class {
	reqPath, _, _ := strings.Cut(req.Path, "?")
	return p.table.Classify(req.Method, reqPath, req.Header.Get("Content-Type"))
}

// Dispatch forwards req according to its route class. The returned response
// carries only allow-listed headers and the upstream status code.
// The caller is responsible for closing the response body.
func (p *Proxy) Dispatch(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error) {
	class := p.Classify(req)
	req.RawBody = class == route.RawUpload

	p.logger.Debug("dispatching request",
		"method", req.Method,
		"path", req.Path,
		"class", class.String(),
	)

	switch class {
	case route.Config:
		return ConfigResponse(p.pctx)
	case route.RawUpload:
		return p.forward(ctx, req, call{
			limit:    p.settings.RawBodyLimit,
			defaults: http.Header{"Accept": {verboseJSON}, "Content-Type": {"application/octet-stream"}},
		})
	case route.Batch:
		rewritten := *req
		rewritten.Body = p.batch.Rewrite(req.Body)
		return p.forward(ctx, &rewritten, call{limit: p.settings.RawBodyLimit, defaults: acceptVerbose()})
	case route.RESTGet:
		return p.forward(ctx, req, call{defaults: jsonDefaults(), rewriteLinks: true})
	case route.RESTMutate:
		if err := p.checkLimit(req, p.settings.JSONBodyLimit); err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(req.Body)) > 0 && !gjson.ValidBytes(req.Body) {
			return nil, ErrInvalidJSON
		}
		return p.forward(ctx, req, call{limit: p.settings.JSONBodyLimit, defaults: jsonDefaults()})
	case route.XML:
		return p.forward(ctx, req, call{limit: p.settings.RawBodyLimit})
	case route.SOAP:
		return p.forward(ctx, req, call{limit: p.settings.RawBodyLimit, fixed: soapHeaders, skipDigest: true})
	case route.GenericGet:
		if isBinary(req.Path) {
			return p.forward(ctx, req, call{})
		}
		return p.forward(ctx, req, call{defaults: acceptVerbose()})
	case route.GenericPost:
		return p.forward(ctx, req, call{
			limit:    p.settings.RawBodyLimit,
			defaults: http.Header{"Content-Type": {formURLEncode}},
		})
	default:
		return nil, ErrMethodNotAllowed
	}
}

// call describes how one class shapes its upstream call.
type call struct {
	limit        int64
	defaults     http.Header // yield to caller values
	fixed        http.Header // override caller values
	skipDigest   bool
	rewriteLinks bool
}

func (p *Proxy) forward(ctx context.Context, req *model.ForwardedRequest, c call) (*model.ProxyResponse, error) {
	if err := p.checkLimit(req, c.limit); err != nil {
		return nil, err
	}

	strict := endpoint.StrictOverride(req.Header.Get(endpoint.StrictHeader), p.settings.StrictRelativeURLs)
	target, err := endpoint.Resolve(req.Path, p.pctx.SiteURL, strict)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}

	header := headers.Merge(c.defaults, headers.Outbound(req.Header), c.fixed)

	resp, err := p.upstream.Call(ctx, target, client.CallOptions{
		Method:     strings.ToUpper(req.Method),
		Header:     header,
		Body:       req.Body,
		SkipDigest: c.skipDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if resp.StatusCode >= 400 {
		p.logger.Warn("upstream returned error status",
			"method", req.Method,
			"url", target,
			"status", resp.StatusCode,
		)
	}

	if c.rewriteLinks && isJSON(resp.Header.Get("Content-Type")) {
		if err := p.rewriteBody(req, resp); err != nil {
			return nil, err
		}
	}

	resp.Header = headers.Inbound(resp.Header)
	return resp, nil
}

// rewriteBody buffers a JSON response and swaps site links for proxy links.
// Responses over RewriteBodyLimit are passed through untouched.
func (p *Proxy) rewriteBody(req *model.ForwardedRequest, resp *model.ProxyResponse) error {
	limit := p.settings.RewriteBodyLimit
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n > limit {
		p.logger.Debug("response too large to rewrite", "path", req.Path, "bytes", n)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > limit {
		p.logger.Debug("response too large to rewrite", "path", req.Path)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil
	}
	_ = resp.Body.Close()

	body = p.links.Rewrite(body)
	if p.settings.ResponseMapper != nil {
		body = p.settings.ResponseMapper(req, body)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// ConfigResponse returns the /config answer for pctx. It never contacts the site.
func ConfigResponse(pctx model.ProxyContext) (*model.ProxyResponse, error) {
	body, err := json.Marshal(map[string]string{
		"siteUrl":  pctx.SiteURL,
		"username": pctx.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":   {"application/json"},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		Body: io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (p *Proxy) checkLimit(req *model.ForwardedRequest, limit int64) error {
	if limit > 0 && int64(len(req.Body)) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrBodyTooLarge, len(req.Body), limit)
	}
	return nil
}

func jsonDefaults() http.Header {
	return http.Header{
		"Accept":       {verboseJSON},
		"Content-Type": {verboseJSON},
	}
}

func acceptVerbose() http.Header {
	return http.Header{"Accept": {verboseJSON}}
}

func isBinary(reqPath string) bool {
	p, _, _ := strings.Cut(reqPath, "?")
	return binaryExtensions[strings.ToLower(path.Ext(p))]
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
