package server_test

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-relay/internal/relay"
	"github.com/omochice/socket-relay/internal/server"
)

func newRegistry(t *testing.T, opts ...relay.Option) *relay.Registry {
	t.Helper()
	reg, err := relay.NewRegistry(opts...)
	require.NoError(t, err)
	return reg
}

// startServer listens on a loopback port and serves until the test ends.
func startServer(t *testing.T, reg *relay.Registry, opts ...server.Option) *server.Server {
	t.Helper()

	srv := server.New("127.0.0.1:0", reg, opts...)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve()
	}()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Stop")
		}
	})
	return srv
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitMembers(t *testing.T, reg *relay.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return reg.Len() == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d members", n)
}

// readString reads exactly len(want) bytes and compares them.
func readString(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(want))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

// expectSilence asserts nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	n, err := conn.Read(make([]byte, 64))
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "expected timeout, got %v", err)
}

// expectClosed asserts the server closed conn, draining anything it sent
// first (a rejected WebSocket handshake answers with an HTTP error).
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.Copy(io.Discard, conn)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "connection was not closed")
}
