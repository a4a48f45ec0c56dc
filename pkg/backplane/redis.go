package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed backplane. One shared PubSub per process: the
// first attach for a channel issues SUBSCRIBE upstream, the last detach
// issues UNSUBSCRIBE. A single receive loop demultiplexes incoming messages
// to the per-channel attach lists; the go-redis client reconnects (and
// re-subscribes) on its own.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu       sync.Mutex
	channels map[string][]*Subscription
	mailbox  int

	loopDone chan struct{}
}

// NewRedis creates a Redis backplane and starts its receive loop.
func NewRedis(ctx context.Context, client *redis.Client, mailboxSize int) *Redis {
	r := &Redis{
		client:   client,
		pubsub:   client.Subscribe(ctx),
		channels: make(map[string][]*Subscription),
		mailbox:  mailboxSize,
		loopDone: make(chan struct{}),
	}
	go r.receiveLoop()
	return r
}

// Publish sends payload to every subscriber of channel, cluster-wide.
func (r *Redis) Publish(ctx context.Context, channel string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// PublishMany sends one payload to several channels. Pipelined: one round
// trip regardless of the channel count.
func (r *Redis) PublishMany(ctx context.Context, channels []string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, ch := range channels {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish pipeline: %w", err)
	}
	return nil
}

// Subscribe attaches a new subscription to the given channels.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	sub := newSubscription(r, r.mailbox)
	if err := r.attach(ctx, sub, channels); err != nil {
		return nil, err
	}
	return sub, nil
}

// Ping probes the Redis server, bounded by PingTimeout.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close shuts the shared PubSub down and waits for the receive loop to exit.
func (r *Redis) Close(context.Context) error {
	err := r.pubsub.Close()
	<-r.loopDone
	return err
}

// receiveLoop is the single goroutine draining the shared PubSub. Dispatch
// to mailboxes is non-blocking so one slow subscriber cannot cause
// head-of-line blocking across channels. The loop exits only when the
// PubSub is closed; per-message failures are logged and skipped.
func (r *Redis) receiveLoop() {
	defer close(r.loopDone)
	for msg := range r.pubsub.Channel() {
		r.mu.Lock()
		subs := make([]*Subscription, len(r.channels[msg.Channel]))
		copy(subs, r.channels[msg.Channel])
		r.mu.Unlock()

		if len(subs) == 0 {
			// UNSUBSCRIBE raced with an in-flight message; drop it.
			continue
		}
		for _, sub := range subs {
			sub.put(Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}
	slog.Debug("Redis backplane receive loop exited")
}

func (r *Redis) attach(ctx context.Context, sub *Subscription, channels []string) error {
	if !sub.track(channels...) {
		return nil
	}

	r.mu.Lock()
	var newChannels []string
	for _, ch := range channels {
		if len(r.channels[ch]) == 0 {
			newChannels = append(newChannels, ch)
		}
		r.channels[ch] = append(r.channels[ch], sub)
	}
	r.mu.Unlock()

	if len(newChannels) == 0 {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, newChannels...); err != nil {
		// Roll the attach back so the failed channels do not look live.
		r.detach(sub, channels)
		return fmt.Errorf("redis subscribe %v: %w", newChannels, err)
	}
	return nil
}

func (r *Redis) detach(sub *Subscription, channels []string) {
	sub.untrack(channels...)

	r.mu.Lock()
	var emptied []string
	for _, ch := range channels {
		subs := r.channels[ch]
		for i, s := range subs {
			if s == sub {
				r.channels[ch] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(r.channels[ch]) == 0 {
			delete(r.channels, ch)
			emptied = append(emptied, ch)
		}
	}
	r.mu.Unlock()

	if len(emptied) > 0 {
		if err := r.pubsub.Unsubscribe(context.Background(), emptied...); err != nil {
			slog.Error("Redis UNSUBSCRIBE failed", "channels", emptied, "error", err)
		}
	}
}
