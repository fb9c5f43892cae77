// Package gateway tunnels proxied calls over a websocket so inbound HTTP
// handling and upstream calls can run in separate processes.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes tunnel envelopes.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// TokenHeader carries the shared secret on the websocket handshake.
const TokenHeader = "X-Gateway-Token"

const (
	writeWait     = 10 * time.Second
	pongWait      = 75 * time.Second
	pingPeriod    = 30 * time.Second
	maxFrameBytes = 256 << 20
)

// Envelope is one tunnel message. Requests carry Method, URL, Headers and
// Body; responses carry Status, Headers, Body and, on failure, Error.
// Body is base64 encoded on the wire.
type Envelope struct {
	Type          MessageType `json:"type"`
	TransactionID string      `json:"transaction_id"`
	Method        string      `json:"method,omitempty"`
	URL           string      `json:"url,omitempty"`
	Headers       http.Header `json:"headers,omitempty"`
	Body          []byte      `json:"body,omitempty"`
	Status        int         `json:"status,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Transaction identifies one in-flight tunneled call.
type Transaction struct {
	ID        string
	CreatedAt time.Time
}

// NewTransaction returns a transaction with a random version 4 UUID.
func NewTransaction() Transaction {
	return Transaction{ID: uuid.NewString(), CreatedAt: time.Now()}
}

func encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.TransactionID == "" {
		return nil, fmt.Errorf("decode envelope: missing transaction_id")
	}
	return &env, nil
}
