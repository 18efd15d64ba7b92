package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/velora/dispatch/pkg/logger"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period; the connection keepalive is
	// 25s ping / 60s pong.
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents one socket connection. SocketID is unique per
// connection; Identity is the authenticated user or driver id.
type Client struct {
	SocketID string
	Identity string
	Role     string // "rider", "driver" or "admin"
	Conn     *websocket.Conn
	Send     chan *Message
	Hub      *Hub

	// rooms this socket belongs to; guarded by the hub mutex
	rooms map[string]struct{}

	// sendMu guards closed so a late SendMessage cannot race the hub
	// closing Send.
	sendMu sync.Mutex
	closed bool

	// OnClose runs after the socket is unregistered, used for presence
	// cleanup.
	OnClose func(*Client)
}

// NewClient creates a new socket client.
func NewClient(socketID, identity, role string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		SocketID: socketID,
		Identity: identity,
		Role:     role,
		Conn:     conn,
		Send:     make(chan *Message, 256),
		Hub:      hub,
		rooms:    make(map[string]struct{}),
	}
}

// SendMessage queues a message for delivery, dropping it when the client's
// buffer is full, or silently when the socket already closed, rather than
// blocking the hub.
func (c *Client) SendMessage(msg *Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		logger.Warn("client send buffer full, dropping message",
			zap.String("socket_id", c.SocketID),
			zap.String("event", msg.Event),
		)
	}
}

// closeSend closes the send channel exactly once. Only the hub calls this.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// ReadPump pumps messages from the socket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
		if c.OnClose != nil {
			c.OnClose(c)
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("socket read error",
					zap.String("socket_id", c.SocketID),
					zap.Error(err),
				)
			}
			break
		}
		c.Hub.HandleMessage(c, &msg)
	}
}

// WritePump pumps messages from the send channel to the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
