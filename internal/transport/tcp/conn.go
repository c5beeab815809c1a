// Package tcp provides the TCP transport for the relay.
package tcp

import (
	"context"
	"net"
	"time"
)

// DefaultReadSize is the largest chunk a single Read returns.
const DefaultReadSize = 1024

// Conn adapts net.Conn to relay.Conn interface.
type Conn struct {
	conn     net.Conn
	readSize int
}

// NewConn wraps a net.Conn. A non-positive readSize selects DefaultReadSize.
func NewConn(conn net.Conn, readSize int) *Conn {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Conn{conn: conn, readSize: readSize}
}

// Read implements relay.Conn.
// Returns whatever bytes the kernel handed over in one read call.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}
	buf := make([]byte, c.readSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		// Data that arrived together with an error is still delivered; the
		// error surfaces on the next call.
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return buf[:0], nil
}

// Write implements relay.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// Close implements relay.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// deadline returns ctx's deadline, or the zero time which clears any
// previously set deadline.
func deadline(ctx context.Context) time.Time {
	if ctx == nil {
		return time.Time{}
	}
	d, _ := ctx.Deadline()
	return d
}
