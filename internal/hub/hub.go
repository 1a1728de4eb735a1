// Package hub is the room registry behind the push channel. It knows nothing
// about the transport: a session registers a Client and drains its Send
// channel however it likes.
package hub

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"tableside/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultSendBuffer = 16

type Client struct {
	ID   string
	Send chan []byte

	rooms map[string]struct{}
}

func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:    uuid.NewString(),
		Send:  make(chan []byte, buffer),
		rooms: make(map[string]struct{}),
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	logger  *zap.Logger
}

type ControlMessage struct {
	Action string `json:"action"`
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

const (
	ActionJoinRoom  = "join-room"
	ActionLeaveRoom = "leave-room"
)

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	metrics.RealtimeSessions.Inc()
}

// Unregister drops the client from every room and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for room := range client.rooms {
		h.removeLocked(client, room)
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.RealtimeSessions.Dec()
}

func (h *Hub) Join(client *Client, room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[client.ID] = client
	client.rooms[room] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client, room)
}

func (h *Hub) removeLocked(client *Client, room string) {
	delete(client.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client.ID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Rooms lists the rooms client currently belongs to.
func (h *Hub) Rooms(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast hands payload to every member of room without blocking. A member
// whose buffer is full misses the message; the count of members reached is
// returned.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.rooms[room] {
		select {
		case client.Send <- payload:
			delivered++
		default:
			metrics.PushesDropped.Inc()
			h.logger.Warn("drop message for client", zap.String("client_id", client.ID), zap.String("room", room))
		}
	}
	return delivered
}

func ParseControl(data []byte) (ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	if msg.Action != ActionJoinRoom && msg.Action != ActionLeaveRoom {
		return ControlMessage{}, false
	}
	return msg, true
}
