package interfaces

// Connection is the handle a session or the notification hub holds on one open socket.
// ARCHITECTURAL DISCOVERY: Core components only ever send whole messages and close;
// the socket, its writer goroutine and its identity stay in the transport layer
type Connection interface {
	// ID returns a process-unique identifier, stable for the life of the socket
	ID() string

	// Send queues v for delivery without blocking.
	// FUNCTIONAL DISCOVERY: A non-nil error means the connection can no longer be
	// trusted to receive messages and must be evicted by the caller
	Send(v interface{}) error

	// Close tears the socket down; safe to call more than once
	Close() error
}
