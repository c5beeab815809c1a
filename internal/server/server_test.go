package server_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-relay/internal/relay"
	"github.com/omochice/socket-relay/internal/server"
)

func TestServer_Listen_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := server.New(ln.Addr().String(), newRegistry(t))

	err = srv.Listen()
	assert.ErrorIs(t, err, server.ErrListen)
}

func TestServer_ServeWithoutListen(t *testing.T) {
	srv := server.New("127.0.0.1:0", newRegistry(t))

	assert.ErrorIs(t, srv.Serve(), server.ErrNotListening)
}

func TestServer_Addr(t *testing.T) {
	srv := startServer(t, newRegistry(t))

	assert.Contains(t, srv.Addr(), "127.0.0.1:")
}

func TestServer_ClientRegistration(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg)

	conn := dial(t, srv.Addr())

	waitMembers(t, reg, 1)
	members := reg.Members()
	require.Len(t, members, 1)
	assert.Equal(t, conn.LocalAddr().String(), members[0].RemoteAddr)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServer_Broadcast(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg)

	c1 := dial(t, srv.Addr())
	c2 := dial(t, srv.Addr())
	c3 := dial(t, srv.Addr())
	waitMembers(t, reg, 3)

	_, err := c1.Write([]byte("hello"))
	require.NoError(t, err)

	readString(t, c2, "127.0.0.1: hello")
	readString(t, c3, "127.0.0.1: hello")
	expectSilence(t, c1)
}

func TestServer_Broadcast_NoPrefix(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg, server.WithSenderPrefix(false))

	c1 := dial(t, srv.Addr())
	c2 := dial(t, srv.Addr())
	waitMembers(t, reg, 2)

	_, err := c1.Write([]byte("hello"))
	require.NoError(t, err)

	readString(t, c2, "hello")
}

func TestServer_RemovesOnDisconnect(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg)

	c1 := dial(t, srv.Addr())
	c2 := dial(t, srv.Addr())
	waitMembers(t, reg, 2)

	require.NoError(t, c2.Close())
	waitMembers(t, reg, 1)
	assert.Equal(t, c1.LocalAddr().String(), reg.Members()[0].RemoteAddr)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServer_ConcurrentAccept(t *testing.T) {
	const n = 20
	reg := newRegistry(t, relay.WithCapacity(n))
	srv := startServer(t, reg)

	conns := make([]net.Conn, n)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr())
			if assert.NoError(t, err) {
				conns[i] = conn
			}
		}(i)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
	})

	waitMembers(t, reg, n)

	want := make(map[string]bool, n)
	for _, conn := range conns {
		require.NotNil(t, conn)
		want[conn.LocalAddr().String()] = true
	}
	got := make(map[string]bool, n)
	for _, m := range reg.Members() {
		assert.False(t, got[m.RemoteAddr], "duplicate member %s", m.RemoteAddr)
		got[m.RemoteAddr] = true
	}
	assert.Equal(t, want, got)
}

func TestServer_CapacityRejectsExcess(t *testing.T) {
	reg := newRegistry(t, relay.WithCapacity(2))
	srv := startServer(t, reg)

	c1 := dial(t, srv.Addr())
	c2 := dial(t, srv.Addr())
	waitMembers(t, reg, 2)

	extra := dial(t, srv.Addr())
	expectClosed(t, extra)
	assert.Equal(t, 2, reg.Len())

	_, err := c1.Write([]byte("ping"))
	require.NoError(t, err)
	readString(t, c2, "127.0.0.1: ping")
}

func TestServer_Stop(t *testing.T) {
	reg := newRegistry(t)
	srv := server.New("127.0.0.1:0", reg)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve()
	}()

	conn := dial(t, srv.Addr())
	waitMembers(t, reg, 1)

	srv.Stop()
	srv.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	expectClosed(t, conn)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, srv.SessionCount())

	_, err := net.Dial("tcp", srv.Addr())
	assert.Error(t, err)
}

func TestServer_WebSocketHandshake(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg, server.WithHandshake(server.WebSocketHandshake(time.Second)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clients := make([]net.Conn, 2)
	for i := range clients {
		conn, _, _, err := ws.Dial(ctx, "ws://"+srv.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		clients[i] = conn
	}
	waitMembers(t, reg, 2)

	require.NoError(t, wsutil.WriteClientText(clients[0], []byte("hello")))

	require.NoError(t, clients[1].SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(clients[1])
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1: hello", string(data))
}

func TestServer_WebSocketHandshakeFailure(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg, server.WithHandshake(server.WebSocketHandshake(time.Second)))

	conn := dial(t, srv.Addr())
	_, err := fmt.Fprint(conn, "definitely not http\r\n\r\n")
	require.NoError(t, err)

	expectClosed(t, conn)
	assert.Equal(t, 0, reg.Len())
}

func TestServer_WithName(t *testing.T) {
	var buf bytes.Buffer
	srv := server.New("127.0.0.1:0", newRegistry(t),
		server.WithName("tcp"),
		server.WithLogger(zerolog.New(&buf)),
	)
	require.NoError(t, srv.Listen())
	defer srv.Stop()

	assert.Contains(t, buf.String(), `"component":"tcp"`)
}

func TestServer_WithReadSize(t *testing.T) {
	reg := newRegistry(t)
	srv := startServer(t, reg, server.WithReadSize(3))

	sender := dial(t, srv.Addr())
	receiver := dial(t, srv.Addr())
	waitMembers(t, reg, 2)

	_, err := sender.Write([]byte("abcdef"))
	require.NoError(t, err)

	readString(t, receiver, "127.0.0.1: abc127.0.0.1: def")
}
