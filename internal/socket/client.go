package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
)

// MessageHandler receives one backend response batch. Elements are raw so the
// caller can decode them independently.
type MessageHandler func(batch []json.RawMessage, meta canonical.Metadata)

// Client is one duplex channel to the conversational backend. A client is
// dedicated to a single end user for its whole lifetime.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	open    atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan bool

	handlerMu sync.RWMutex
	handler   MessageHandler
}

// Dial opens a websocket connection to the backend, authenticating with the
// shared token as a query parameter, and starts the read loop.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("socket: parse backend url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", u.Host, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan bool),
	}
	c.open.Store(true)
	go c.readLoop()
	return c, nil
}

// Open reports whether the connection is still usable.
func (c *Client) Open() bool { return c.open.Load() }

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.open.Store(false)
	return c.conn.Close()
}

// Emit sends an event frame with no ack expectation.
func (c *Client) Emit(event string, data any) error {
	frame, err := newFrame(event, "", data)
	if err != nil {
		return fmt.Errorf("socket: marshal %s: %w", event, err)
	}
	return c.write(frame)
}

// Join performs the user:join handshake and waits for the backend's ack.
// It returns false when the backend declines the user or no ack arrives
// within timeout.
func (c *Client) Join(ctx context.Context, params JoinParams, timeout time.Duration) (bool, error) {
	id := uuid.New().String()
	ack := make(chan bool, 1)
	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, err := newFrame(EventUserJoin, id, params)
	if err != nil {
		return false, fmt.Errorf("socket: marshal join: %w", err)
	}
	if err := c.write(frame); err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-ack:
		return ok, nil
	case <-timer.C:
		return false, fmt.Errorf("socket: join ack timeout after %s", timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// OnMessageReceived registers the handler for backend response batches.
func (c *Client) OnMessageReceived(fn MessageHandler) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

func (c *Client) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.open.Store(false)
		return fmt.Errorf("socket: write %s: %w", frame.Event, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.open.Store(false)
		c.failPending()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.open.Load() {
				slog.Warn("socket: connection closed", "err", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("socket: malformed frame", "err", err)
			continue
		}
		switch frame.Event {
		case EventAck:
			c.resolveAck(frame)
		case EventMessageReceived:
			c.dispatchMessage(frame)
		default:
			slog.Debug("socket: ignoring event", "event", frame.Event)
		}
	}
}

func (c *Client) resolveAck(frame Frame) {
	var ok bool
	if err := json.Unmarshal(frame.Data, &ok); err != nil {
		slog.Warn("socket: malformed ack", "err", err)
	}
	c.pendingMu.Lock()
	ch, found := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendingMu.Unlock()
	if found {
		ch <- ok
	}
}

func (c *Client) dispatchMessage(frame Frame) {
	var event MessageEvent
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		slog.Warn("socket: malformed message:received payload", "err", err)
		return
	}
	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	handler(event.Batch(), event.Metadata)
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- false
	}
}
