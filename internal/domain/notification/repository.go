package notification

// SSEHub defines the interface for managing SSE connections
type SSEHub interface {
	// Client management
	Register(client *SSEClient)
	Release(client *SSEClient) bool
	GetClient(clientID string) *SSEClient
	GetClientCount() int

	// Delivery
	Send(clientID string, event string, payload any) error
	Broadcast(event string, payload any)

	// Lifecycle
	Stop()
}
