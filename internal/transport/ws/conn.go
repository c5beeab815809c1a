// Package ws provides the WebSocket transport for the relay.
// Each text or binary data frame carries one raw chunk in either direction.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// DefaultReadSize is the largest chunk Read returns.
	DefaultReadSize = 1024

	// closeFrameTimeout bounds the best-effort close frame sent by Close.
	closeFrameTimeout = time.Second
)

// Conn adapts a server-side WebSocket connection to relay.Conn interface.
type Conn struct {
	conn     net.Conn
	reader   *wsutil.Reader
	control  wsutil.FrameHandlerFunc
	readSize int

	// inMessage is set while a data message still has unread payload.
	inMessage bool

	// mu guards writes: data frames from broadcasts and control replies
	// from the read loop share the stream.
	mu sync.Mutex
}

// NewConn wraps a connection whose handshake already completed. Read
// returns at most readSize bytes; a non-positive value selects
// DefaultReadSize.
func NewConn(conn net.Conn, readSize int) *Conn {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	c := &Conn{conn: conn, readSize: readSize}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	c.reader = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		OnIntermediate: c.control,
	}
	return c
}

// Upgrade performs the server side of the WebSocket handshake on conn.
// A positive timeout bounds the handshake.
func Upgrade(conn net.Conn, timeout time.Duration, readSize int) (*Conn, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return NewConn(conn, readSize), nil
}

// Read implements relay.Conn.
// Returns up to readSize bytes of the current data message. A larger
// message is handed out over several calls; a chunk never spans two
// messages. A close frame from the peer is answered and reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	d, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(d); err != nil {
		return nil, err
	}

	for {
		if !c.inMessage {
			if err := c.nextMessage(); err != nil {
				return nil, err
			}
		}

		buf := make([]byte, c.readSize)
		n, err := c.reader.Read(buf)
		if errors.Is(err, io.EOF) {
			c.inMessage = false
			err = nil
		}
		if err != nil {
			return buf[:n], err
		}
		if n > 0 {
			return buf[:n], nil
		}
	}
}

// nextMessage advances to the next text or binary frame, answering control
// frames and skipping anything else on the way.
func (c *Conn) nextMessage() error {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return err
		}

		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					return io.EOF
				}
				return err
			}
			continue
		}

		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return err
			}
			continue
		}

		c.inMessage = true
		return nil
	}
}

// Write implements relay.Conn.
// Valid UTF-8 goes out as a text frame, anything else as binary.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(d); err != nil {
		return err
	}

	op := ws.OpBinary
	if utf8.Valid(data) {
		op = ws.OpText
	}
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// Close implements relay.Conn.
// The close frame is skipped when a write is in progress so that Close
// never waits on a stalled peer.
func (c *Conn) Close() error {
	if c.mu.TryLock() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.mu.Unlock()
	}
	return c.conn.Close()
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.conn.Write(p)
}
