package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"sp-rest-proxy-go/internal/config"
	"sp-rest-proxy-go/internal/headers"
	"sp-rest-proxy-go/internal/metrics"
	"sp-rest-proxy-go/internal/model"
)

var (
	// ErrNoGatewayClient is returned when no gateway client is connected.
	ErrNoGatewayClient = errors.New("no gateway client connected")
	// ErrTransactionTimeout is returned when the gateway client does not answer in time.
	ErrTransactionTimeout = errors.New("gateway transaction timed out")
	// ErrClientDisconnected is returned when the gateway client drops with the call in flight.
	ErrClientDisconnected = errors.New("gateway client disconnected")
)

// result completes one pending transaction.
type result struct {
	env *Envelope
	err error
}

type pendingTx struct {
	tx   Transaction
	peer *peer
	done chan result
}

// peer is a connected gateway client. Writes are serialized.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(env *Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server accepts one gateway client and forwards inbound calls to it.
type Server struct {
	token    string
	timeout  time.Duration
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	active  *peer
	pending map[string]*pendingTx
}

// NewServer creates a Server from the gateway config section.
// The metrics parameter is optional.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		token:   cfg.Gateway.Token,
		timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		logger:  logger.With("component", "gateway_server"),
		metrics: m,
		pending: make(map[string]*pendingTx),
	}
}

// Accept upgrades the call to a websocket and makes it the active gateway
// client, replacing any previous one.
func (s *Server) Accept(c echo.Context) error {
	if s.token != "" {
		got := c.Request().Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid gateway token"})
		}
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return nil
	}
	conn.SetReadLimit(maxFrameBytes)

	p := &peer{conn: conn}
	s.attach(p, c.RealIP())
	defer s.detach(p)

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(p, stop)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("gateway client read ended", "err", err)
			}
			return nil
		}
		env, err := decode(data)
		if err != nil {
			s.logger.Warn("discarding malformed envelope", "err", err)
			continue
		}
		if env.Type != TypeResponse {
			s.logger.Warn("discarding unexpected envelope", "type", env.Type)
			continue
		}
		s.resolve(env)
	}
}

func (s *Server) keepAlive(p *peer, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (s *Server) attach(p *peer, remote string) {
	s.mu.Lock()
	prev := s.active
	s.active = p
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("replacing gateway client", "remote", remote)
		_ = prev.conn.Close()
	} else {
		s.logger.Info("gateway client connected", "remote", remote)
	}
	if s.metrics != nil {
		s.metrics.GatewayClients.Set(1)
	}
}

// detach drops p and fails every transaction that was sent over it.
func (s *Server) detach(p *peer) {
	_ = p.conn.Close()

	s.mu.Lock()
	wasActive := s.active == p
	if wasActive {
		s.active = nil
	}
	var orphaned []*pendingTx
	for id, pt := range s.pending {
		if pt.peer == p {
			orphaned = append(orphaned, pt)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, pt := range orphaned {
		pt.done <- result{err: ErrClientDisconnected}
	}
	if wasActive {
		s.logger.Info("gateway client disconnected", "orphaned", len(orphaned))
		if s.metrics != nil {
			s.metrics.GatewayClients.Set(0)
		}
	}
}

// resolve completes the transaction env answers. Unknown or already
// resolved ids are dropped.
func (s *Server) resolve(env *Envelope) {
	s.mu.Lock()
	pt, ok := s.pending[env.TransactionID]
	if ok {
		delete(s.pending, env.TransactionID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("discarding response for unknown transaction", "transaction_id", env.TransactionID)
		s.record("discarded")
		return
	}
	pt.done <- result{env: env}
}

// Connected reports whether a gateway client is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Pending returns the number of transactions awaiting a response.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RoundTrip sends req to the gateway client and waits for its response, the
// configured timeout, or ctx cancellation, whichever comes first.
func (s *Server) RoundTrip(ctx context.Context, req *model.ForwardedRequest) (*model.ProxyResponse, error) {
	tx := NewTransaction()
	pt := &pendingTx{tx: tx, done: make(chan result, 1)}

	s.mu.Lock()
	pt.peer = s.active
	if pt.peer == nil {
		s.mu.Unlock()
		s.record("unavailable")
		return nil, ErrNoGatewayClient
	}
	s.pending[tx.ID] = pt
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.GatewayPending.Inc()
		defer s.metrics.GatewayPending.Dec()
	}
	defer s.forget(tx.ID)

	err := pt.peer.write(&Envelope{
		Type:          TypeRequest,
		TransactionID: tx.ID,
		Method:        req.Method,
		URL:           req.Path,
		Headers:       req.Header,
		Body:          req.Body,
	})
	if err != nil {
		s.record("unavailable")
		return nil, fmt.Errorf("send to gateway client: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-pt.done:
		if r.err != nil {
			s.record("disconnected")
			return nil, r.err
		}
		s.record("resolved")
		return toResponse(r.env), nil
	case <-timer.C:
		s.record("timeout")
		s.logger.Warn("gateway transaction timed out",
			"transaction_id", tx.ID,
			"method", req.Method,
			"path", req.Path,
			"elapsed", time.Since(tx.CreatedAt).String(),
		)
		return nil, ErrTransactionTimeout
	case <-ctx.Done():
		s.record("canceled")
		return nil, ctx.Err()
	}
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Server) record(outcome string) {
	if s.metrics != nil {
		s.metrics.GatewayTransactions.WithLabelValues(outcome).Inc()
	}
}

// toResponse converts a RESPONSE envelope. A failed remote dispatch with no
// body gets a JSON error body.
func toResponse(env *Envelope) *model.ProxyResponse {
	status := env.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	header := headers.Inbound(env.Headers)
	if status == http.StatusMethodNotAllowed {
		if allow := env.Headers.Get("Allow"); allow != "" {
			header.Set("Allow", allow)
		}
	}
	body := env.Body
	if env.Error != "" && len(body) == 0 {
		body, _ = json.Marshal(map[string]string{"error": env.Error})
		header.Set("Content-Type", "application/json")
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// Close disconnects the active gateway client, failing its pending transactions.
func (s *Server) Close() {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = p.conn.Close()
}
