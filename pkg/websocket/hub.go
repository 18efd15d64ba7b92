package websocket

import (
	"sync"

	"github.com/velora/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// MessageHandler is a function that handles incoming messages
type MessageHandler func(*Client, *Message)

// Relay replicates room emissions across instances. A nil relay keeps the
// hub single-node.
type Relay interface {
	PublishRoom(envelope *RelayEnvelope) error
}

// Hub maintains the set of active clients and fans out messages to rooms.
// Room emissions are mirrored to the relay so subscribers on other nodes
// receive them too.
type Hub struct {
	instanceID string

	// Registered clients by socket ID
	clients map[string]*Client

	// Clients grouped by room name
	rooms map[string]map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Message handlers by event name
	handlers map[string]MessageHandler

	relay Relay

	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(instanceID string) *Hub {
	return &Hub{
		instanceID: instanceID,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		handlers:   make(map[string]MessageHandler),
	}
}

// SetRelay wires the cross-instance backplane.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

// InstanceID identifies this node on the backplane.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	logger.Info("websocket hub started", zap.String("instance", h.instanceID))
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.clients[client.SocketID]; ok {
		existing.closeSend()
	}
	h.clients[client.SocketID] = client
	logger.Debug("client registered",
		zap.String("socket_id", client.SocketID),
		zap.String("role", client.Role),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.SocketID]; !ok {
		return
	}
	delete(h.clients, client.SocketID)
	for room := range client.rooms {
		h.removeFromRoomLocked(client, room)
	}
	client.closeSend()
	logger.Debug("client unregistered", zap.String("socket_id", client.SocketID))
}

// JoinRoom adds a socket to a room. Server-side joins are authoritative:
// acceptance force-joins the winner and rider into the ride room before the
// clients subscribe themselves.
func (h *Hub) JoinRoom(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][socketID] = client
	client.rooms[room] = struct{}{}
}

// LeaveRoom removes a socket from a room.
func (h *Hub) LeaveRoom(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		return
	}
	h.removeFromRoomLocked(client, room)
}

func (h *Hub) removeFromRoomLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client.SocketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// EmitToRoom sends a message to every local member of a room and mirrors it
// to the relay for members living on other nodes.
func (h *Hub) EmitToRoom(room string, msg *Message) {
	h.emitLocalRoom(room, msg)

	if h.relay != nil {
		env := &RelayEnvelope{Origin: h.instanceID, Room: room, Message: msg}
		if err := h.relay.PublishRoom(env); err != nil {
			logger.Warn("room relay publish failed",
				zap.String("room", room),
				zap.String("event", msg.Event),
				zap.Error(err),
			)
		}
	}
}

// EmitToSocket sends directly to a socket when it is local, otherwise
// relays so the owning node can deliver it. Used as the belt-and-braces
// fallback during room-membership race windows.
func (h *Hub) EmitToSocket(socketID string, msg *Message) {
	h.mu.RLock()
	client, ok := h.clients[socketID]
	h.mu.RUnlock()

	if ok {
		client.SendMessage(msg)
		return
	}

	if h.relay != nil {
		env := &RelayEnvelope{Origin: h.instanceID, Socket: socketID, Message: msg}
		if err := h.relay.PublishRoom(env); err != nil {
			logger.Warn("socket relay publish failed",
				zap.String("socket_id", socketID),
				zap.Error(err),
			)
		}
	}
}

// DeliverRelayed applies an envelope received from the backplane to local
// members only. Envelopes originated by this node are ignored; they were
// already delivered locally.
func (h *Hub) DeliverRelayed(env *RelayEnvelope) {
	if env == nil || env.Message == nil || env.Origin == h.instanceID {
		return
	}
	if env.Socket != "" {
		h.mu.RLock()
		client, ok := h.clients[env.Socket]
		h.mu.RUnlock()
		if ok {
			client.SendMessage(env.Message)
		}
		return
	}
	h.emitLocalRoom(env.Room, env.Message)
}

func (h *Hub) emitLocalRoom(room string, msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.rooms[room] {
		client.SendMessage(msg)
	}
}

// HandleMessage routes incoming messages to the registered handler.
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	h.mu.RLock()
	handler, exists := h.handlers[msg.Event]
	h.mu.RUnlock()

	if exists {
		handler(client, msg)
		return
	}
	logger.Debug("no handler for event", zap.String("event", msg.Event))
}

// RegisterHandler registers a message handler for an event name.
func (h *Hub) RegisterHandler(event string, handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = handler
}

// GetClient returns a client by socket ID.
func (h *Hub) GetClient(socketID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[socketID]
	return client, ok
}

// RoomMembers returns the socket IDs currently in a room on this node.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		members = append(members, id)
	}
	return members
}

// ClientCount returns the number of connected clients on this node.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
