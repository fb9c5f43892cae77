package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/model"
	"sp-rest-proxy-go/internal/service"
)

// Dispatcher performs a tunneled call against the site.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error)
}

// Client connects to a gateway server and serves the calls it receives.
type Client struct {
	url           string
	token         string
	failureStatus int
	dispatcher    Dispatcher
	dialer        *websocket.Dialer
	logger        *slog.Logger

	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff
}

// NewClient creates a Client from the gateway config section.
func NewClient(cfg *config.Config, d Dispatcher, logger *slog.Logger) *Client {
	return &Client{
		url:           cfg.Gateway.ServerURL,
		token:         cfg.Gateway.Token,
		failureStatus: cfg.Upstream.FailureStatus,
		dispatcher:    d,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger.With("component", "gateway_client"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run keeps a session with the server open until ctx is done, reconnecting
// with exponential backoff. It returns ctx.Err() on shutdown.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()

	err := backoff.RetryNotify(func() error {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("gateway session ended, reconnecting",
			"err", err,
			"retry_in", wait.String(),
		)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// session dials the server once and serves requests until the connection drops.
func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	header := http.Header{}
	if c.token != "" {
		header.Set(TokenHeader, c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	b.Reset()
	c.logger.Info("connected to gateway server", "url", c.url)

	var wg sync.WaitGroup
	defer wg.Wait()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { _ = conn.Close() })
	defer stop()

	p := &peer{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read from gateway server: %w", err)
		}
		env, err := decode(data)
		if err != nil {
			c.logger.Warn("discarding malformed envelope", "err", err)
			continue
		}
		if env.Type != TypeRequest {
			c.logger.Warn("discarding unexpected envelope", "type", env.Type)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(sessCtx, p, env)
		}()
	}
}

// handle dispatches one tunneled request and answers with the same id.
func (c *Client) handle(ctx context.Context, p *peer, env *Envelope) {
	req := &model.ForwardedRequest{
		Method: env.Method,
		Path:   env.URL,
		Header: env.Headers,
		Body:   env.Body,
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	out := &Envelope{Type: TypeResponse, TransactionID: env.TransactionID}

	resp, err := c.dispatcher.Dispatch(ctx, req)
	if err == nil {
		out.Status = resp.StatusCode
		out.Headers = resp.Header
		out.Body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			err = fmt.Errorf("read upstream body: %w", err)
			out.Body = nil
		}
	}
	if err != nil {
		c.logger.Error("tunneled request failed",
			"transaction_id", env.TransactionID,
			"method", env.Method,
			"path", env.URL,
			"err", err,
		)
		out.Status = service.StatusCode(err, c.failureStatus)
		out.Headers = nil
		if out.Status == http.StatusMethodNotAllowed {
			out.Headers = http.Header{"Allow": {service.AllowedMethods}}
		}
		out.Error = service.ErrorMessage(err)
	}

	if err := p.write(out); err != nil {
		c.logger.Warn("write response envelope failed",
			"transaction_id", env.TransactionID,
			"err", err,
		)
	}
}
