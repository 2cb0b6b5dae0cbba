package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const DefaultClientBuffer = 100

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client with the given buffer size.
func NewSSEClient(clientID string, buffer int) *SSEClient {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &SSEClient{
		ClientID:    clientID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, buffer),
	}
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(event string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
