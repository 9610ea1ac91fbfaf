package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientState is where a connection is in its lifecycle.
//
//	unauthenticated ──► authenticating ──► joined ──► disconnected
//	                          │                ▲ │
//	                          │                └─┘ room change
//	                          └──────────────────────► disconnected
type ClientState int32

const (
	StateUnauthenticated ClientState = iota
	StateAuthenticating
	StateJoined
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one live websocket connection.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	send   chan []byte
	done   chan struct{}

	id          string
	caregiverID string

	state atomic.Int32

	mu   sync.RWMutex
	room string

	closeOnce sync.Once
}

func newClient(id string, buffer int, logger *zap.Logger) *Client {
	return &Client{
		logger: logger.With(zap.String("connection_id", id)),
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		id:     id,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// CaregiverID returns the caregiver bound to the connection.
func (c *Client) CaregiverID() string { return c.caregiverID }

// Room returns the client's current room.
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Client) setRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

// State returns the lifecycle state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// transition moves from one state to the next, failing if the client is
// elsewhere. Disconnected is terminal.
func (c *Client) transition(from, to ClientState) bool {
	if from == StateDisconnected {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// trySend queues msg without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close ends the client; the write pump sends a close frame and exits.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
	})
}

// readPump delivers inbound frames to handle until the connection fails or
// the client is closed.
func (c *Client) readPump(t timing, handle func([]byte)) {
	c.conn.SetReadLimit(t.maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(msg)
	}
}

// writePump owns all writes to the connection.
func (c *Client) writePump(t timing) {
	ticker := time.NewTicker(t.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.drain(t)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.writeWait))
			return
		}
	}
}

// drain flushes frames queued before close.
func (c *Client) drain(t timing) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
