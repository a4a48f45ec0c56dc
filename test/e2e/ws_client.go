package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSFrame is one received protocol frame.
type WSFrame struct {
	T        string          `json:"t"`
	D        json.RawMessage `json:"d"`
	Topic    string          `json:"topic"`
	Received time.Time       `json:"-"`
}

// Data parses the frame payload into a generic map for assertions.
func (f *WSFrame) Data() map[string]any {
	var parsed map[string]any
	_ = json.Unmarshal(f.D, &parsed)
	return parsed
}

// WSClient connects to a hub WebSocket endpoint and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	frames []WSFrame
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect establishes a WebSocket connection and starts collecting frames
// in a background goroutine.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Send writes a frame with the given tag and payload.
func (c *WSClient) Send(tag string, payload any) error {
	frame := map[string]any{"t": tag}
	if payload != nil {
		frame["d"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitFor waits until a frame matching the predicate is received, or timeout.
func (c *WSClient) WaitFor(predicate func(WSFrame) bool, timeout time.Duration) (*WSFrame, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Frames()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.frames {
				if predicate(c.frames[i]) {
					frame := c.frames[i]
					c.mu.Unlock()
					return &frame, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for a frame with the given tag.
func (c *WSClient) WaitForType(tag string, timeout time.Duration) (*WSFrame, error) {
	return c.WaitFor(func(f WSFrame) bool {
		return f.T == tag
	}, timeout)
}

// Frames returns a snapshot of all collected frames.
func (c *WSClient) Frames() []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSFrame, len(c.frames))
	copy(result, c.frames)
	return result
}

// FramesByType returns frames filtered by tag.
func (c *WSClient) FramesByType(tag string) []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSFrame
	for _, f := range c.frames {
		if f.T == tag {
			result = append(result, f)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		frame.Received = time.Now()

		c.mu.Lock()
		c.frames = append(c.frames, frame)
		c.mu.Unlock()
	}
}
