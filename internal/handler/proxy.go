package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"sp-rest-proxy-go/internal/console"
	"sp-rest-proxy-go/internal/gateway"
	"sp-rest-proxy-go/internal/model"
	"sp-rest-proxy-go/internal/route"
	"sp-rest-proxy-go/internal/service"
)

// Dispatcher forwards a call and returns the response to write back.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error) {
	return f(ctx, req)
}

// ProxyOptions configure a ProxyHandler.
type ProxyOptions struct {
	// Console serves local assets ahead of the site; nil disables it.
	Console       *console.Provider
	BodyLimit     int64
	FailureStatus int
}

// ProxyHandler forwards site calls, locally or through the gateway.
type ProxyHandler struct {
	dispatcher    Dispatcher
	console       *console.Provider
	bodyLimit     int64
	failureStatus int
	logger        *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d Dispatcher, opts ProxyOptions, logger *slog.Logger) *ProxyHandler {
	failureStatus := opts.FailureStatus
	if failureStatus == 0 {
		failureStatus = http.StatusInternalServerError
	}
	return &ProxyHandler{
		dispatcher:    d,
		console:       opts.Console,
		bodyLimit:     opts.BodyLimit,
		failureStatus: failureStatus,
		logger:        logger.With("component", "proxy_handler"),
	}
}

// Handle serves a console asset when one matches a GET, and otherwise
// forwards the call and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodGet && h.console != nil {
		asset, ok, err := h.console.Lookup(req.URL.Path)
		if err != nil {
			h.logger.Error("console lookup failed", "err", err, "path", req.URL.Path)
		}
		if ok {
			return c.Blob(http.StatusOK, asset.ContentType, asset.Body)
		}
	}

	body, err := h.readBody(req)
	if err != nil {
		return h.mapError(c, err)
	}

	fr := &model.ForwardedRequest{
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Header: req.Header.Clone(),
		Body:   body,
	}

	resp, err := h.dispatcher.Dispatch(req.Context(), fr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream the status has already been sent and the client receives
	// a truncated response; the error is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if h.bodyLimit > 0 && req.ContentLength > h.bodyLimit {
		return nil, service.ErrBodyTooLarge
	}

	r := io.Reader(req.Body)
	if h.bodyLimit > 0 {
		r = io.LimitReader(req.Body, h.bodyLimit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if h.bodyLimit > 0 && int64(len(body)) > h.bodyLimit {
		return nil, service.ErrBodyTooLarge
	}
	return body, nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := h.classify(err)

	log := h.logger.Error
	if status < http.StatusInternalServerError {
		log = h.logger.Warn
	}
	log("proxy error",
		"err", err,
		"status", status,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if status == http.StatusMethodNotAllowed {
		c.Response().Header().Set(echo.HeaderAllow, service.AllowedMethods)
	}
	return c.JSON(status, map[string]string{"error": msg})
}

func (h *ProxyHandler) classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrNoGatewayClient):
		return http.StatusBadGateway, "no gateway client connected"
	case errors.Is(err, gateway.ErrTransactionTimeout):
		return http.StatusGatewayTimeout, "gateway client did not answer in time"
	case errors.Is(err, gateway.ErrClientDisconnected):
		return http.StatusBadGateway, "gateway client disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	}
	return service.StatusCode(err, h.failureStatus), service.ErrorMessage(err)
}

// LocalConfig answers /config from pctx and passes every other call to next.
// A gateway server uses it when it knows the site, so /config does not
// depend on a connected client.
func LocalConfig(pctx model.ProxyContext, next Dispatcher) Dispatcher {
	return DispatchFunc(func(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error) {
		reqPath, _, _ := strings.Cut(req.Path, "?")
		if route.Classify(req.Method, reqPath, req.Header.Get("Content-Type")) == route.Config {
			return service.ConfigResponse(pctx)
		}
		return next.Dispatch(ctx, req)
	})
}
