// Package client defines the relay client and the receive loop shared by
// its transports.
package client

import "context"

// Client defines the interface for relay clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Send(text string) error
	Messages() <-chan []byte
}
