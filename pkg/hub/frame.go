// Package hub implements the WebSocket protocol spoken by agents and
// operators: ticket authentication, the hello handshake, typed message
// dispatch and disconnect bookkeeping. A hub object is short-lived, one per
// socket; fan-out across sockets and instances is the channel layer's job.
package hub

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
)

// Frame is the wire unit in both directions: {t, d}, plus topic on
// outgoing frames that originated from a group channel.
type Frame struct {
	T     string          `json:"t"`
	D     json.RawMessage `json:"d,omitempty"`
	Topic string          `json:"topic,omitempty"`
}

// Error frame kinds. Clients match on these values, so they are part of the
// wire contract: validation failures answer invalid_data, internal failures
// answer 500.
const (
	ErrKindAuthenticationFailed = "authentication_failed"
	ErrKindInvalidData          = "invalid_data"
	ErrKindUnknownMessage       = "unknown_message"
	ErrKindInternal             = "500"
	ErrKindNotReady             = "not_ready"
)

// errorPayload is the d of an "error" frame.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// socket abstracts the transport so the protocol state machine is testable
// without a live WebSocket.
type socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsSocket adapts *websocket.Conn to the socket interface.
type wsSocket struct {
	conn *websocket.Conn
}

func (s wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
