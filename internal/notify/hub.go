// Package notify delivers battle events to connected clients and, when
// configured, to NATS subscribers on other nodes.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

const defaultSendBuffer = 64

// Client is one live connection. Events that do not fit in the buffer are
// dropped; the next room snapshot supersedes them.
type Client struct {
	UserID string
	send   chan battledto.Event
	once   sync.Once
}

func (c *Client) Events() <-chan battledto.Event { return c.send }

func (c *Client) close() { c.once.Do(func() { close(c.send) }) }

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Hub{clients: make(map[string]map[*Client]struct{}), buffer: buffer}
}

func (h *Hub) Register(userID string) *Client {
	c := &Client{UserID: userID, send: make(chan battledto.Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
	return c
}

// Unregister removes the client and reports how many connections the user
// still has.
func (h *Hub) Unregister(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.UserID]
	if _, ok := set[c]; ok {
		delete(set, c)
		c.close()
	}
	if len(set) == 0 {
		delete(h.clients, c.UserID)
		return 0
	}
	return len(set)
}

func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) ToRoom(ctx context.Context, roomID string, members []string, ev battledto.Event) {
	for _, uid := range members {
		h.ToUser(ctx, uid, ev)
	}
}

func (h *Hub) ToUser(_ context.Context, userID string, ev battledto.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		h.offer(c, ev)
	}
}

// ToLobby goes to every connection; clients filter by type.
func (h *Hub) ToLobby(_ context.Context, ev battledto.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		for c := range set {
			h.offer(c, ev)
		}
	}
}

// offer must be called with at least the read lock held so the channel is
// not closed underneath it.
func (h *Hub) offer(c *Client, ev battledto.Event) {
	select {
	case c.send <- ev:
	default:
		obslog.L().Warn("notify_drop", obslog.User(c.UserID), zap.String("type", ev.Type), obslog.Room(ev.RoomID))
	}
}
