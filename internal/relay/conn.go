// Package relay implements the broadcast core shared by every transport:
// the connection registry, the per-connection session and sender prefixing.
package relay

import "context"

// Conn abstracts a bidirectional byte stream for both TCP and WebSocket.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read returns the next chunk of bytes exactly as the transport
	// delivered it. Returns io.EOF when the peer closed the stream.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one chunk. A deadline on ctx bounds the write.
	Write(ctx context.Context, data []byte) error

	// Close closes the stream.
	Close() error

	// RemoteAddr returns the peer address as "ip:port", or "" if unknown.
	RemoteAddr() string
}
