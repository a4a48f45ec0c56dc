package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fleetbeat/fleetbeat/pkg/backplane"
)

// Connection is a per-socket mailbox with group membership. Group names
// added before activation are recorded only; Activate realizes them (and
// any later additions) as backplane subscriptions. Close detaches all
// subscriptions synchronously; envelopes still queued are dropped.
type Connection struct {
	// ID is "<layer id>.<local id>" so a remote layer can route a
	// cross-instance disconnect back to the owning instance.
	ID string

	layer   *ChannelLayer
	mailbox chan Envelope

	mu     sync.Mutex
	groups map[string]bool
	sub    *backplane.Subscription // nil until activated
	active bool
	closed bool

	pumpDone chan struct{}
}

// Queued returns the mailbox stream. Single consumer; the hub's dispatcher
// loop drains it. Closed when the connection closes.
func (c *Connection) Queued() <-chan Envelope { return c.mailbox }

// AddToGroup joins a group. Before activation the membership is recorded
// only; after activation it is a live backplane subscription.
func (c *Connection) AddToGroup(ctx context.Context, group string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection %s closed", c.ID)
	}
	if c.groups[group] {
		c.mu.Unlock()
		return nil
	}
	c.groups[group] = true
	sub, active := c.sub, c.active
	c.mu.Unlock()

	if !active {
		return nil
	}
	return sub.Add(ctx, GroupChannel(group))
}

// RemoveFromGroup leaves a group.
func (c *Connection) RemoveFromGroup(group string) {
	c.mu.Lock()
	if !c.groups[group] {
		c.mu.Unlock()
		return
	}
	delete(c.groups, group)
	sub, active := c.sub, c.active
	c.mu.Unlock()

	if active {
		sub.Remove(GroupChannel(group))
	}
}

// RemoveAllGroups leaves every joined group.
func (c *Connection) RemoveAllGroups() {
	c.mu.Lock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.groups = make(map[string]bool)
	sub, active := c.sub, c.active
	c.mu.Unlock()

	if !active {
		return
	}
	for _, g := range groups {
		sub.Remove(GroupChannel(g))
	}
}

// Groups returns a snapshot of the joined group names.
func (c *Connection) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Send queues a message envelope directly to this connection, bypassing the
// backplane. Non-blocking; a full mailbox drops the message.
func (c *Connection) Send(msgType string, data any) {
	c.enqueue(Envelope{Type: EnvelopeMessage, Message: &Message{Type: msgType, Data: data}})
}

// Disconnect queues a disconnect control envelope. The hub's dispatcher
// treats it as an order to close the socket.
func (c *Connection) Disconnect() {
	c.enqueue(Envelope{Type: EnvelopeDisconnect})
}

// enqueue holds the lock across the put so it cannot race with Close
// closing the mailbox.
func (c *Connection) enqueue(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.mailbox <- env:
	default:
		slog.Warn("Connection mailbox full, dropping envelope",
			"connection_id", c.ID, "envelope_type", env.Type)
	}
}

// Activate realizes the recorded group memberships as backplane
// subscriptions and starts pumping deliveries into the mailbox.
func (c *Connection) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection %s closed", c.ID)
	}
	if c.active {
		c.mu.Unlock()
		return nil
	}
	channels := make([]string, 0, len(c.groups))
	for g := range c.groups {
		channels = append(channels, GroupChannel(g))
	}
	c.mu.Unlock()

	sub, err := c.layer.bp.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("activate connection %s: %w", c.ID, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.active = true
	c.pumpDone = make(chan struct{})
	c.mu.Unlock()

	go c.pump(sub)
	return nil
}

// pump forwards backplane deliveries into the mailbox, stamping the group
// name as the envelope topic. Exits when the subscription closes.
func (c *Connection) pump(sub *backplane.Subscription) {
	defer close(c.pumpDone)
	for d := range sub.C() {
		env, err := decodeDelivery(d)
		if err != nil {
			slog.Warn("Dropping undecodable group message",
				"connection_id", c.ID, "channel", d.Channel, "error", err)
			continue
		}
		c.enqueue(env)
	}
}

// Close deactivates the connection, removes it from the layer registry and
// closes the mailbox. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub, active := c.sub, c.active
	c.active = false
	c.mu.Unlock()

	if active {
		sub.Close()
		<-c.pumpDone
	}
	c.layer.unregister(c.ID)

	// closed is already set, so no enqueue can reach the mailbox; taking
	// the lock lets in-flight enqueues finish first.
	c.mu.Lock()
	close(c.mailbox)
	c.mu.Unlock()
}

// layerOf returns the layer id part of a connection id, or "" if the id has
// no layer prefix.
func layerOf(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[:i]
	}
	return ""
}
