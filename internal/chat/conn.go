// Package chat holds the transport-independent core of the chat server: the
// connection registry, the request router with its operation handlers, and
// the event fan-out.
package chat

import "context"

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
type Conn interface {
	// Read reads a single JSON frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single JSON frame.
	Write(ctx context.Context, data []byte) error

	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
