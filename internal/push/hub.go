package push

import "sync"

// Client is one live connection able to receive push messages.
type Client interface {
	SessionID() string
	User() int64
	Send(Message) error
}

// Hub tracks which live sessions are subscribed to which feeds. It is
// created at server start and passed explicitly to whatever needs it; there
// is no package-level instance. All methods are safe for concurrent use.
type Hub struct {
	mu sync.RWMutex
	// feed id -> session id -> client
	byFeed map[int64]map[string]Client
	// session id -> feeds the session is registered on, so a disconnect can
	// drop the session from every feed without scanning byFeed.
	bySession map[string]map[int64]struct{}
	clients   map[string]Client
}

func NewHub() *Hub {
	return &Hub{
		byFeed:    make(map[int64]map[string]Client),
		bySession: make(map[string]map[int64]struct{}),
		clients:   make(map[string]Client),
	}
}

// Track makes a connected session visible to user-wide delivery before it is
// registered on any feed. A session for a user with no subscriptions yet must
// still receive NewFeed announcements.
func (h *Hub) Track(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.SessionID()] = c
}

// Register subscribes the session to a feed's notifications.
func (h *Hub) Register(c Client, feedID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byFeed[feedID]; !ok {
		h.byFeed[feedID] = make(map[string]Client)
	}
	h.byFeed[feedID][c.SessionID()] = c

	if _, ok := h.bySession[c.SessionID()]; !ok {
		h.bySession[c.SessionID()] = make(map[int64]struct{})
	}
	h.bySession[c.SessionID()][feedID] = struct{}{}
	h.clients[c.SessionID()] = c
}

// Unregister removes the session from every feed it was registered on.
// Called on disconnect, not by timeout.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for feedID := range h.bySession[c.SessionID()] {
		delete(h.byFeed[feedID], c.SessionID())
		if len(h.byFeed[feedID]) == 0 {
			delete(h.byFeed, feedID)
		}
	}
	delete(h.bySession, c.SessionID())
	delete(h.clients, c.SessionID())
}

// Subscribers returns a point-in-time snapshot of the sessions registered on
// a feed, never a live view.
func (h *Hub) Subscribers(feedID int64) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := h.byFeed[feedID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

// SessionsForUser returns a snapshot of every live session belonging to the
// user, across all their devices.
func (h *Hub) SessionsForUser(userID int64) []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Client
	for _, c := range h.clients {
		if c.User() == userID {
			out = append(out, c)
		}
	}
	return out
}

// ActiveSessions reports the number of distinct connected sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
