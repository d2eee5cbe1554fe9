package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

var (
	ErrClientClosed   = errors.New("client is closed")
	ErrSendBufferFull = errors.New("client send buffer is full")
)

const defaultSendBufferSize = 256

// Client is one live WebSocket connection. Outbound frames go through a
// bounded buffer drained by WritePump; when the buffer is full the newest
// frame is dropped.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	Session *domain.Session
	config  config.WebSocketConfig

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewClient(id string, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBufferSize
	if size <= 0 {
		size = defaultSendBufferSize
	}
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, size),
		Session: domain.NewSession(id),
		config:  cfg,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Deliver enqueues an encoded frame without blocking.
func (c *Client) Deliver(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.dropped.Add(1)
		return ErrSendBufferFull
	}
}

// Dropped returns how many frames were discarded because the buffer was full.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close closes the outbound buffer. WritePump then sends a close frame and
// tears down the socket. It reports false if the client was already closed.
func (c *Client) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ReadPump reads frames until the socket fails, then calls onClose.
func (c *Client) ReadPump(handler func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldConnID, c.id).Msg("websocket read error")
			}
			break
		}

		c.Session.UpdateActivity()

		handler(c, message)
	}
}

// WritePump drains the send buffer onto the socket and keeps the peer alive
// with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
