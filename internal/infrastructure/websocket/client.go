package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client represents one live WebSocket connection of a user.
type Client struct {
	ID          string
	Identity    entity.Identity
	ConnectedAt time.Time
	Conn        *websocket.Conn
	Send        chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func NewClient(conn *websocket.Conn, identity entity.Identity) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		Conn:        conn,
		Send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
	}
}

func (c *Client) UserID() string {
	return c.Identity.UserID
}

// Enqueue hands a frame to the write pump. A client whose buffer is full is
// considered stuck and gets closed.
func (c *Client) Enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	case <-c.done:
		return false
	default:
		logger.Warn("WebSocket: Client %s (%s) send buffer full, closing connection", c.UserID(), c.ID)
		c.CloseWith(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

// Close stops the write pump, which flushes queued frames and sends a normal close.
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith is like Close but with a specific close code. Only the first call counts.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads frames until the connection fails and passes each one to
// handle. Frames are handled one at a time, in arrival order.
func (c *Client) ReadPump(handle func(*Client, []byte)) error {
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("WebSocket: Unexpected close for %s (%s): %v", c.UserID(), c.ID, err)
			}
			return err
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(c, message)
	}
}

// WritePump sends queued frames and keepalive pings until the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("WebSocket: Write to %s failed: %v", c.UserID(), err)
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush drains whatever is still queued, then sends the close frame.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			if c.closeCode == websocket.CloseAbnormalClosure {
				return
			}
			c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeWait))
			return
		}
	}
}
