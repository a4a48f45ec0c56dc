package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetbeat/fleetbeat/pkg/backplane"
)

// Internal control channels. Every layer listens on the shared channel and
// on its own addressed channel.
const (
	internalChannel       = "cl/internal"
	internalChannelPrefix = "cl/internal/"
)

// controlMessage is the wire form of layer-to-layer control traffic.
type controlMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
}

const controlDisconnectConnection = "disconnect_connection"

// ChannelLayer owns the local connection registry and the internal-control
// subscriber. One instance per process.
type ChannelLayer struct {
	id string
	bp backplane.Backplane

	mu    sync.RWMutex
	conns map[string]*Connection

	mailboxSize int

	ctrl     *backplane.Subscription
	ctrlDone chan struct{}
}

// New creates a channel layer and starts its internal-control loop.
func New(ctx context.Context, bp backplane.Backplane, mailboxSize int) (*ChannelLayer, error) {
	l := &ChannelLayer{
		id:          uuid.NewString()[:8],
		bp:          bp,
		conns:       make(map[string]*Connection),
		mailboxSize: mailboxSize,
	}
	if l.mailboxSize <= 0 {
		l.mailboxSize = backplane.DefaultMailboxSize
	}

	ctrl, err := bp.Subscribe(ctx, internalChannel, internalChannelPrefix+l.id)
	if err != nil {
		return nil, fmt.Errorf("subscribe internal control: %w", err)
	}
	l.ctrl = ctrl
	l.ctrlDone = make(chan struct{})
	go l.controlLoop()

	slog.Info("Channel layer started", "layer_id", l.id)
	return l, nil
}

// ID returns the unique layer id.
func (l *ChannelLayer) ID() string { return l.id }

// NewConnection allocates and registers a fresh connection. The caller owns
// its lifecycle and must Close it; the registry entry is removed on Close.
func (l *ChannelLayer) NewConnection() *Connection {
	c := &Connection{
		ID:      l.id + "." + uuid.NewString(),
		layer:   l,
		mailbox: make(chan Envelope, l.mailboxSize),
		groups:  make(map[string]bool),
	}
	l.mu.Lock()
	l.conns[c.ID] = c
	l.mu.Unlock()
	return c
}

// Connection looks a local connection up by id.
func (l *ChannelLayer) Connection(id string) (*Connection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conns[id]
	return c, ok
}

// LocalConnections returns the number of registered local connections.
func (l *ChannelLayer) LocalConnections() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// GroupSend publishes a message to every member of one group, cluster-wide.
func (l *ChannelLayer) GroupSend(ctx context.Context, group, msgType string, data any) error {
	return l.GroupsSend(ctx, []string{group}, msgType, data)
}

// GroupsSend publishes one message to several groups.
func (l *ChannelLayer) GroupsSend(ctx context.Context, groups []string, msgType string, data any) error {
	if len(groups) == 0 {
		return nil
	}
	channels := make([]string, len(groups))
	for i, g := range groups {
		channels[i] = GroupChannel(g)
	}
	env := wireOut{Type: EnvelopeMessage, Message: &Message{Type: msgType, Data: data}}
	if err := l.bp.PublishMany(ctx, channels, env); err != nil {
		return fmt.Errorf("group send %q: %w", msgType, err)
	}
	return nil
}

// CloseConnection asks the connection identified by id to disconnect. Local
// connections get a disconnect envelope directly; remote ones are signalled
// over the owning layer's control channel, best-effort.
func (l *ChannelLayer) CloseConnection(ctx context.Context, id string) error {
	if c, ok := l.Connection(id); ok {
		c.Disconnect()
		return nil
	}
	remoteLayer := layerOf(id)
	if remoteLayer == "" || remoteLayer == l.id {
		return fmt.Errorf("unknown connection %s", id)
	}
	msg := controlMessage{Type: controlDisconnectConnection, ConnectionID: id}
	if err := l.bp.Publish(ctx, internalChannelPrefix+remoteLayer, msg); err != nil {
		return fmt.Errorf("signal remote disconnect for %s: %w", id, err)
	}
	return nil
}

// Close stops the control loop. Live connections are left to their owners.
func (l *ChannelLayer) Close() {
	l.ctrl.Close()
	<-l.ctrlDone
}

// controlLoop handles layer-addressed control messages. A malformed message
// is logged and skipped; the loop exits only when the subscription closes.
func (l *ChannelLayer) controlLoop() {
	defer close(l.ctrlDone)
	for d := range l.ctrl.C() {
		var msg controlMessage
		if err := json.Unmarshal(d.Payload, &msg); err != nil {
			slog.Warn("Dropping undecodable control message", "channel", d.Channel, "error", err)
			continue
		}
		switch msg.Type {
		case controlDisconnectConnection:
			if c, ok := l.Connection(msg.ConnectionID); ok {
				slog.Info("Remote disconnect request", "connection_id", c.ID)
				c.Disconnect()
			}
		default:
			slog.Debug("Ignoring unknown control message", "type", msg.Type)
		}
	}
}

func (l *ChannelLayer) unregister(id string) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// wireOut is the envelope form published to group channels. Data stays typed
// on the way out and is decoded to raw JSON on the way in.
type wireOut struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// decodeDelivery converts a backplane delivery into a mailbox envelope,
// stamping the group name as the topic.
func decodeDelivery(d backplane.Delivery) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(d.Payload, &wire); err != nil {
		return Envelope{}, err
	}
	env := Envelope{Type: wire.Type, Topic: groupFromChannel(d.Channel)}
	if wire.Message != nil {
		env.Message = &Message{Type: wire.Message.Type, Data: wire.Message.Data}
	}
	if wire.Event != nil {
		env.Event = &Message{Type: wire.Event.Type, Data: wire.Event.Data}
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}
