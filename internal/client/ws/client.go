// Package ws provides a WebSocket client for the relay server.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/omochice/socket-relay/internal/client"
)

// Client represents a WebSocket relay client.
type Client struct {
	*client.Stream
	address string
}

// New creates a new WebSocket Client instance. address may be given with or
// without the ws:// scheme.
func New(address string, readSize int, logger zerolog.Logger) *Client {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	return &Client{
		Stream:  client.NewStream(readSize, logger),
		address: address,
	}
}

// Connect performs the WebSocket handshake with the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return client.ErrAlreadyConnected
	}

	conn, br, _, err := ws.Dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	wc := newConnection(conn, br)
	if err := c.Attach(wc); err != nil {
		wc.Close()
		return err
	}
	return nil
}

// connection frames outgoing text and unwraps incoming data frames.
// Read hands out one frame across as many calls as the buffer needs.
type connection struct {
	conn   net.Conn
	reader io.Reader
	rest   []byte

	// wmu serializes Send with control replies issued while reading.
	wmu sync.Mutex
}

func newConnection(conn net.Conn, br *bufio.Reader) *connection {
	c := &connection{conn: conn, reader: conn}
	if br != nil {
		c.reader = br
	}
	return c
}

func (c *connection) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		rw := struct {
			io.Reader
			io.Writer
		}{c.reader, writerFunc(c.writeRaw)}

		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.rest = data
	}

	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *connection) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteClientText(c.conn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *connection) Close() error {
	c.wmu.Lock()
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *connection) writeRaw(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.Write(p)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

var _ client.Client = (*Client)(nil)
