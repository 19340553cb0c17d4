package ws

import (
	"log/slog"
	"sync"

	"parley/internal/models"
)

const DefaultOutboxSize = 100

// Hub owns one outbound queue per live connection. Sends never block: a
// connection whose queue is full loses the event.
type Hub struct {
	// Map of connID -> outbound queue
	outboxes map[string]chan models.Event

	size   int
	logger *slog.Logger

	mu sync.RWMutex
}

func NewHub(outboxSize int, logger *slog.Logger) *Hub {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		outboxes: make(map[string]chan models.Event),
		size:     outboxSize,
		logger:   logger.With("component", "hub"),
	}
}

// Join registers a connection and returns its queue. Joining twice returns
// the existing queue.
func (h *Hub) Join(connID string) chan models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.outboxes[connID]; ok {
		return ch
	}
	ch := make(chan models.Event, h.size)
	h.outboxes[connID] = ch
	return ch
}

// Leave closes and forgets the connection's queue.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.outboxes[connID]; ok {
		close(ch)
		delete(h.outboxes, connID)
	}
}

func (h *Hub) Unicast(connID string, ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch, ok := h.outboxes[connID]; ok {
		h.send(connID, ch, ev)
	}
}

func (h *Hub) Broadcast(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.outboxes {
		h.send(id, ch, ev)
	}
}

// Count returns the number of live connections, claimed or not.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.outboxes)
}

func (h *Hub) send(connID string, ch chan models.Event, ev models.Event) {
	select {
	case ch <- ev:
	default:
		h.logger.Warn("outbox full, dropping event", "conn", connID, "event", ev.Event)
	}
}
