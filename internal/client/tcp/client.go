// Package tcp provides a TCP client for the relay server.
package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/omochice/socket-relay/internal/client"
)

// Client represents a TCP relay client
type Client struct {
	*client.Stream
	address string
	dialer  net.Dialer
}

// New creates a new Client instance
func New(address string, readSize int, logger zerolog.Logger) *Client {
	return &Client{
		Stream:  client.NewStream(readSize, logger),
		address: address,
	}
}

// Connect establishes a connection to the server
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return client.ErrAlreadyConnected
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if err := c.Attach(conn); err != nil {
		conn.Close()
		return err
	}
	return nil
}

var _ client.Client = (*Client)(nil)
