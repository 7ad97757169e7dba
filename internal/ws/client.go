package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// client owns one websocket connection: a buffered outbound queue drained
// by a single writePump goroutine, which is what gives each direction of a
// conversation its FIFO delivery order.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	writeTimeout time.Duration

	// userID is the identity bound by the first identify event. Written
	// and read only from this connection's read loop.
	userID string
}

func newClient(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *client {
	c := &client{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
	}
	go c.writePump()
	return c
}

// Send queues a frame for delivery. Returns false when the queue is full or
// the client is closed; callers treat that as the client having
// disconnected.
func (c *client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if c.writeTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
