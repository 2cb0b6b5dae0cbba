package coordinator

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

// Transport delivers events to connections. Send targets one connection and
// Broadcast reaches every open connection.
type Transport interface {
	Send(connID string, event string, payload any) error
	Broadcast(event string, payload any)
}
