// Package backplane provides the pluggable pub/sub substrate used for
// cross-process fan-out: named channels, bytes in / bytes out, at-most-once
// delivery with no replay. Authoritative state lives in the store; callers
// must treat deliveries as hints.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PingTimeout bounds the liveness probe. Exceeding it marks the backplane
// unhealthy.
const PingTimeout = 500 * time.Millisecond

// DefaultMailboxSize is the per-subscription buffered delivery capacity.
// A full mailbox drops new deliveries with a warning.
const DefaultMailboxSize = 256

// Delivery is one message received from a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Backplane is the pub/sub contract shared by the in-memory and the
// distributed backends.
type Backplane interface {
	// Publish serializes payload and sends it to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload any) error
	// PublishMany sends one payload to several channels.
	PublishMany(ctx context.Context, channels []string, payload any) error
	// Subscribe attaches a new subscription to the given channels. The
	// subscription is a scoped resource: Close withdraws all of them.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	// Ping probes liveness; implementations must respond within PingTimeout.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close(ctx context.Context) error
}

// Encode produces the canonical wire form of a payload: JSON with timestamps
// in RFC 3339 UTC and ObjectIDs as hex strings (the encoding both the JSON
// marshaller and the Mongo driver already emit).
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode backplane payload: %w", err)
	}
	return data, nil
}

// membership is the backend hook a Subscription uses to attach and detach
// channels after creation.
type membership interface {
	attach(ctx context.Context, sub *Subscription, channels []string) error
	detach(sub *Subscription, channels []string)
}

// Subscription is an attached set of channels feeding one bounded mailbox.
// Channels can be added and removed while attached; Close withdraws all
// remaining ones.
type Subscription struct {
	backend membership

	mu       sync.Mutex
	channels map[string]bool
	closed   bool

	ch chan Delivery
}

func newSubscription(backend membership, size int) *Subscription {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Subscription{
		backend:  backend,
		channels: make(map[string]bool),
		ch:       make(chan Delivery, size),
	}
}

// C returns the delivery stream. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Channels returns a snapshot of the currently attached channel names.
func (s *Subscription) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Close withdraws every attached channel and closes the delivery stream.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = map[string]bool{}
	s.mu.Unlock()

	s.backend.detach(s, channels)
	close(s.ch)
}

// Add attaches one more channel to the subscription.
func (s *Subscription) Add(ctx context.Context, channel string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("subscription closed")
	}
	if s.channels[channel] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.backend.attach(ctx, s, []string{channel})
}

// Remove withdraws one channel from the subscription.
func (s *Subscription) Remove(channel string) {
	s.mu.Lock()
	if s.closed || !s.channels[channel] {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.backend.detach(s, []string{channel})
}

// put delivers non-blocking; a full mailbox drops the message. Delivery to a
// closed subscription is silently discarded.
func (s *Subscription) put(d Delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- d:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		slog.Warn("Backplane mailbox full, dropping message", "channel", d.Channel)
	}
}

// track records chs as attached. Returns false if the subscription is
// already closed.
func (s *Subscription) track(chs ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range chs {
		s.channels[ch] = true
	}
	return true
}

// untrack removes chs from the attached set.
func (s *Subscription) untrack(chs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range chs {
		delete(s.channels, ch)
	}
}
