package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetbeat/fleetbeat/pkg/channels"
	"github.com/fleetbeat/fleetbeat/pkg/services"
)

// writeTimeout bounds a single socket write so one stalled client cannot
// block the dispatcher loop.
const writeTimeout = 10 * time.Second

// errBadPayload marks a decode failure inside a handler thunk so dispatch
// can pick the right error frame kind.
var errBadPayload = errors.New("bad payload")

// core is the protocol machinery shared by the agent and operator hubs: the
// typed handler table, the write side, and the receiver/dispatcher loop
// pair bridging the socket and the connection mailbox.
type core struct {
	sock socket
	conn *channels.Connection

	handlers map[string]func(ctx context.Context, d json.RawMessage) error

	// writeMu serializes socket writes between the receiver's handler
	// replies and the dispatcher's mailbox forwards.
	writeMu sync.Mutex
}

func newCore(sock socket, conn *channels.Connection) *core {
	return &core{
		sock:     sock,
		conn:     conn,
		handlers: make(map[string]func(context.Context, json.RawMessage) error),
	}
}

// registerMessage binds an incoming tag to a typed handler. The payload is
// decoded into T only when a frame with this tag arrives.
func registerMessage[T any](c *core, tag string, fn func(ctx context.Context, msg T) error) {
	c.handlers[tag] = func(ctx context.Context, d json.RawMessage) error {
		var msg T
		if len(d) > 0 {
			if err := json.Unmarshal(d, &msg); err != nil {
				return fmt.Errorf("%w: %v", errBadPayload, err)
			}
		}
		return fn(ctx, msg)
	}
}

// send writes one frame, swallowing and logging failures: a broken socket
// surfaces in the receiver loop, not here.
func (c *core) send(ctx context.Context, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("Failed to marshal frame", "connection_id", c.conn.ID, "tag", f.T, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(writeCtx, data); err != nil {
		slog.Warn("Failed to write frame", "connection_id", c.conn.ID, "tag", f.T, "error", err)
	}
}

// sendMessage marshals data as the d of a tagged frame.
func (c *core) sendMessage(ctx context.Context, tag string, data any) {
	var d json.RawMessage
	if data != nil {
		var err error
		d, err = json.Marshal(data)
		if err != nil {
			slog.Warn("Failed to marshal payload", "connection_id", c.conn.ID, "tag", tag, "error", err)
			return
		}
	}
	c.send(ctx, Frame{T: tag, D: d})
}

// sendError replies with an "error" frame. The socket stays open; closing
// is the caller's decision.
func (c *core) sendError(ctx context.Context, kind, message string) {
	c.sendMessage(ctx, "error", errorPayload{Kind: kind, Message: message})
}

// run pumps the socket until it closes: the receiver loop decodes incoming
// frames and calls handlers, the dispatcher loop forwards mailbox envelopes
// to the socket. A disconnect envelope closes the socket server-side.
// On return the connection is closed and its subscriptions detached.
func (c *core) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		for env := range c.conn.Queued() {
			switch env.Type {
			case channels.EnvelopeDisconnect:
				_ = c.sock.Close(websocket.StatusNormalClosure, "disconnected by server")
				return
			case channels.EnvelopeMessage:
				c.forward(ctx, env.Message, env.Topic)
			case channels.EnvelopeEvent:
				c.forward(ctx, env.Event, env.Topic)
			}
		}
	}()

	for {
		data, err := c.sock.Read(ctx)
		if err != nil {
			break
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.T == "" {
			c.sendError(ctx, ErrKindInvalidData, "malformed frame")
			continue
		}
		c.dispatch(ctx, f)
	}

	// Closing the connection closes the mailbox, which ends the dispatcher.
	c.conn.Close()
	<-dispatcherDone
}

func (c *core) forward(ctx context.Context, msg *channels.Message, topic string) {
	if msg == nil {
		return
	}
	d, err := json.Marshal(msg.Data)
	if err != nil {
		slog.Warn("Failed to marshal mailbox payload",
			"connection_id", c.conn.ID, "tag", msg.Type, "error", err)
		return
	}
	c.send(ctx, Frame{T: msg.Type, D: d, Topic: topic})
}

// dispatch routes one incoming frame. Every failure mode answers with an
// error frame and keeps the socket open.
func (c *core) dispatch(ctx context.Context, f Frame) {
	handler, ok := c.handlers[f.T]
	if !ok {
		c.sendError(ctx, ErrKindUnknownMessage, fmt.Sprintf("unknown message %q", f.T))
		return
	}
	if err := handler(ctx, f.D); err != nil {
		kind := ErrKindInternal
		switch {
		case errors.Is(err, errBadPayload), errors.Is(err, services.ErrInvalidInput):
			kind = ErrKindInvalidData
		case errors.Is(err, errNotReady):
			kind = ErrKindNotReady
		}
		slog.Warn("Message handler failed",
			"connection_id", c.conn.ID, "tag", f.T, "kind", kind, "error", err)
		c.sendError(ctx, kind, err.Error())
	}
}

// errNotReady is returned by agent handlers invoked before hello.
var errNotReady = errors.New("hello required first")
