package tcp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-relay/internal/client"
	"github.com/omochice/socket-relay/internal/client/tcp"
)

// startEchoServer echoes every chunk back to its sender.
func startEchoServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return listener.Addr().String()
}

func receive(t *testing.T, c *tcp.Client) string {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "messages channel closed")
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func TestClient_Connect(t *testing.T) {
	addr := startEchoServer(t)

	c := tcp.New(addr, 0, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	c.Disconnect()
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectTwice(t *testing.T) {
	addr := startEchoServer(t)

	c := tcp.New(addr, 0, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.ErrorIs(t, c.Connect(context.Background()), client.ErrAlreadyConnected)
}

func TestClient_ConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	c := tcp.New(addr, 0, zerolog.Nop())
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())
}

func TestClient_SendVerbatim(t *testing.T) {
	addr := startEchoServer(t)

	c := tcp.New(addr, 0, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Send("Hello, World!\n"))
	assert.Equal(t, "Hello, World!\n", receive(t, c))
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := tcp.New("127.0.0.1:9", 0, zerolog.Nop())

	assert.ErrorIs(t, c.Send("This should fail"), client.ErrNotConnected)
}

func TestClient_ServerDisconnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	}()

	c := tcp.New(listener.Addr().String(), 0, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, "bye", receive(t, c))

	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed after server disconnect")
	}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send("late"), client.ErrNotConnected)
}
