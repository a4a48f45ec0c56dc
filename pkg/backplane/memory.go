package backplane

import (
	"context"
	"errors"
	"sync"
)

// Memory is the process-local backplane: a mapping from channel name to the
// list of attached subscription mailboxes. Publish is a non-blocking put to
// every attached mailbox; delivery is best-effort.
//
// Ordering: a single publisher's messages to one channel are observed in
// publish order by each attached mailbox. Order across channels is not
// preserved.
type Memory struct {
	mu       sync.RWMutex
	channels map[string][]*Subscription
	mailbox  int
	closed   bool
}

// NewMemory creates an in-memory backplane. mailboxSize <= 0 uses
// DefaultMailboxSize.
func NewMemory(mailboxSize int) *Memory {
	return &Memory{
		channels: make(map[string][]*Subscription),
		mailbox:  mailboxSize,
	}
}

// Publish sends payload to every subscription attached to channel.
func (m *Memory) Publish(_ context.Context, channel string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	m.deliver(channel, data)
	return nil
}

// PublishMany sends one payload to several channels.
func (m *Memory) PublishMany(_ context.Context, channels []string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		m.deliver(ch, data)
	}
	return nil
}

func (m *Memory) deliver(channel string, data []byte) {
	// Snapshot under the lock, release before the (cheap but arbitrary
	// count of) puts.
	m.mu.RLock()
	subs := make([]*Subscription, len(m.channels[channel]))
	copy(subs, m.channels[channel])
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.put(Delivery{Channel: channel, Payload: data})
	}
}

// Subscribe attaches a new subscription to the given channels.
func (m *Memory) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	sub := newSubscription(m, m.mailbox)
	if err := m.attach(ctx, sub, channels); err != nil {
		return nil, err
	}
	return sub, nil
}

// Ping always succeeds: the in-memory backplane cannot be unhealthy.
func (m *Memory) Ping(context.Context) error { return nil }

// Close drops all attach lists and refuses further subscriptions. Open
// subscriptions keep their mailboxes but receive nothing further.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.channels = make(map[string][]*Subscription)
	return nil
}

func (m *Memory) attach(_ context.Context, sub *Subscription, channels []string) error {
	if !sub.track(channels...) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory backplane closed")
	}
	for _, ch := range channels {
		m.channels[ch] = append(m.channels[ch], sub)
	}
	return nil
}

func (m *Memory) detach(sub *Subscription, channels []string) {
	sub.untrack(channels...)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range channels {
		subs := m.channels[ch]
		for i, s := range subs {
			if s == sub {
				m.channels[ch] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(m.channels[ch]) == 0 {
			delete(m.channels, ch)
		}
	}
}
