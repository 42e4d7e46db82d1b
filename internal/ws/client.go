package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentforge/agentforge/internal/logger"
)

// Connection timing, verbatim from the teacher's
// internal/gateway/websocket/client.go.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one WS connection: its transport pump plus the turn pipeline
// bound to it. Grounded on the teacher's gateway/websocket.Client.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	pipeline *Pipeline

	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn for id, bound to hub and pipeline.
func NewClient(id string, conn *websocket.Conn, hub *Hub, pipeline *Pipeline, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		log:      log,
		pipeline: pipeline,
	}
}

// Send enqueues an OutMessage for delivery; drops it with a warning if the
// client's buffer is full rather than blocking the caller.
func (c *Client) Send(msg OutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal ws message")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump pumps inbound frames to the pipeline until the connection closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.pipeline.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Error("websocket read error")
			}
			break
		}

		var msg InMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(newOut(TypeError, ErrorPayload{Message: "invalid message envelope"}))
			continue
		}

		// Handle dispatches synchronously so messages are processed in
		// arrival order (spec.md §5); it runs only parsing, acks and the
		// quick local commands here, and spawns its own goroutine for
		// prompt turns and router-dispatched commands, so this never blocks
		// ping/pong for long.
		c.pipeline.Handle(ctx, &msg)
	}
}

// WritePump drains queued outbound frames to the socket, batching anything
// queued behind the frame currently being written and pinging on idle.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					_ = w.Close()
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					_ = w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
