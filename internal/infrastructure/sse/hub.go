package sse

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/livepoll/livepoll/internal/domain/notification"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
)

var _ notification.SSEHub = (*Hub)(nil)

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notification.SSEClient
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Hub{
		clients: make(map[string]*notification.SSEClient),
		metrics: m,
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

// Register adds a client. A live client with the same id is closed and replaced.
func (h *Hub) Register(client *notification.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.clients[client.ClientID]; ok && prev != client {
		prev.Close()
	}
	h.clients[client.ClientID] = client
	h.metrics.SSEClients.Set(float64(len(h.clients)))
}

// Release unregisters client only if it is still the registered instance for
// its id. It reports false when the client was already replaced or removed.
func (h *Hub) Release(client *notification.SSEClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[client.ClientID]
	if !ok || c != client {
		return false
	}
	c.Close()
	delete(h.clients, client.ClientID)
	h.metrics.SSEClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) GetClient(clientID string) *notification.SSEClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	msg, err := newMessage(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.trySend(c, msg)
	}
}

// Send delivers an event to one client.
func (h *Hub) Send(clientID string, event string, payload any) error {
	msg, err := newMessage(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return notification.ErrClientNotFound
	}
	if !h.trySend(c, msg) {
		return notification.ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	h.metrics.SSEClients.Set(0)
}

// trySend must be called with h.mu held so Close cannot race the send.
func (h *Hub) trySend(c *notification.SSEClient, msg *notification.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		h.metrics.SSEDropped.Inc()
		h.logger.Warn().Str("client_id", c.ClientID).Str("event", msg.Event).Msg("client buffer full, dropping message")
		return false
	}
}

func newMessage(event string, payload any) (*notification.SSEMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return notification.NewSSEMessage(event, data), nil
}
