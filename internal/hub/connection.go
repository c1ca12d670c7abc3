package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	id   string
	Conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex // guards sessionID and closed
	sessionID string
	closed    bool

	writeMu sync.Mutex
}

// NewConnection wraps an upgraded websocket with a buffered send queue.
func NewConnection(ws *websocket.Conn, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Connection{
		id:   "conn_" + uuid.New().String()[:8],
		Conn: ws,
		send: make(chan []byte, bufferSize),
	}
}

func (c *Connection) ID() string { return c.id }

// SessionID returns the session the connection is bound to.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BindSession binds the connection to a session and returns the previous one.
func (c *Connection) BindSession(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sessionID
	c.sessionID = sessionID
	return prev
}

// Send queues a frame for the write pump without blocking.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Outbound is drained by the write pump; it is closed by Close.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Close stops the send queue. The write pump then sends a close frame and
// releases the socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}
