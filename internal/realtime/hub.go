package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory broadcast groups and provides stable group handles.
// It is intentionally minimal: membership authority and persistence live
// behind the conversation store.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:    log,
		groups: make(map[string]*Group),
	}
}

// Group returns a stable broadcast group handle for the conversation,
// creating it on first use.
func (h *Hub) Group(conversationID string) *Group {
	h.mu.RLock()
	g, ok := h.groups[conversationID]
	h.mu.RUnlock()
	if ok {
		return g
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[conversationID]; ok {
		return g
	}
	g = NewGroup(h.log, conversationID)
	h.groups[conversationID] = g
	return g
}
