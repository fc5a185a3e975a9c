package interfaces

import "context"

// CommandProcessor handles every message a session connection sends after its JOIN.
// FUNCTIONAL DISCOVERY: Process never returns an error; protocol errors are dropped
// and authorization errors are answered to the sender only
type CommandProcessor interface {
	Process(ctx context.Context, conn Connection, sessionKey string, raw []byte)

	// Release drops per-connection bookkeeping once the socket is gone
	Release(conn Connection)
}

// Notifier publishes global lifecycle events.
type Notifier interface {
	Publish(eventType string, data interface{}) error
}

// NotificationHub is the global fan-out used by the notifications endpoint.
type NotificationHub interface {
	Notifier
	Subscribe(conn Connection) error
	Unsubscribe(conn Connection)
	SubscriberCount() int
}
