// Package server accepts transport connections and hands each one to a
// relay session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/socket-relay/internal/logger"
	"github.com/omochice/socket-relay/internal/relay"
	"github.com/omochice/socket-relay/internal/transport/tcp"
	wstransport "github.com/omochice/socket-relay/internal/transport/ws"
)

// acceptRetryDelay is the fixed pause after a failed Accept.
const acceptRetryDelay = 10 * time.Millisecond

var (
	// ErrListen wraps bind and listen failures. They are fatal at startup.
	ErrListen = errors.New("server: listen failed")

	// ErrNotListening is returned by Serve when Listen was not called.
	ErrNotListening = errors.New("server: not listening")
)

// Handshake turns an accepted connection into a relay connection whose reads
// return at most readSize bytes. It runs on the connection's own goroutine,
// never on the accept loop.
type Handshake func(conn net.Conn, readSize int) (relay.Conn, error)

// TCPHandshake relays raw TCP bytes.
func TCPHandshake(conn net.Conn, readSize int) (relay.Conn, error) {
	return tcp.NewConn(conn, readSize), nil
}

// WebSocketHandshake upgrades the connection to WebSocket first.
func WebSocketHandshake(timeout time.Duration) Handshake {
	return func(conn net.Conn, readSize int) (relay.Conn, error) {
		c, err := wstransport.Upgrade(conn, timeout, readSize)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Server accepts connections on one address and runs a relay session per
// connection against a shared registry.
type Server struct {
	address   string
	name      string
	listener  net.Listener
	registry  *relay.Registry
	handshake Handshake
	readSize  int
	prefix    bool
	logger    zerolog.Logger

	// ctx is handed to every session and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	pending  map[net.Conn]struct{}
	sessions map[*relay.Session]struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithHandshake replaces the default TCP handshake.
func WithHandshake(h Handshake) Option {
	return func(s *Server) {
		s.handshake = h
	}
}

// WithName tags every log line of the server with a component name.
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithReadSize sets the largest chunk a session reads at once. A
// non-positive value keeps the default.
func WithReadSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.readSize = n
		}
	}
}

// WithSenderPrefix toggles the "<ip>: " decoration on relayed chunks.
func WithSenderPrefix(enabled bool) Option {
	return func(s *Server) {
		s.prefix = enabled
	}
}

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server that registers its sessions with registry.
func New(address string, registry *relay.Registry, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address:   address,
		registry:  registry,
		handshake: TCPHandshake,
		readSize:  tcp.DefaultReadSize,
		prefix:    true,
		logger:    zerolog.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[net.Conn]struct{}),
		sessions:  make(map[*relay.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name != "" {
		s.logger = logger.Component(s.logger, s.name)
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrListen, s.address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("waiting for incoming connections")
	return nil
}

// Serve accepts connections until Stop is called, then returns nil. A
// failed Accept is logged and retried; a listener that was closed from
// outside is reported as an error.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return ErrNotListening
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("failed to accept on %s: %w", s.address, err)
			}
			s.logger.Warn().Err(err).Msg("failed to accept connection")
			time.Sleep(acceptRetryDelay)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")

		go s.handleConn(conn)
	}
}

// Start binds and serves. It blocks until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every live session, then waits for all
// connection goroutines to finish. It is safe to call more than once.
func (s *Server) Stop() {
	s.halt()
	s.wait()
}

// halt closes the listener, pending connections and sessions without
// waiting for their goroutines. Only the first call has any effect.
func (s *Server) halt() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		pending := make([]net.Conn, 0, len(s.pending))
		for conn := range s.pending {
			pending = append(pending, conn)
		}
		sessions := make([]*relay.Session, 0, len(s.sessions))
		for sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		listener := s.listener
		s.mu.Unlock()

		s.cancel()
		if listener != nil {
			listener.Close()
		}
		for _, conn := range pending {
			conn.Close()
		}
		for _, sess := range sessions {
			sess.Close()
		}
	})
}

// wait blocks until every connection goroutine has returned.
func (s *Server) wait() {
	s.wg.Wait()
}

// Addr returns the listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of sessions this server is running.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Registry returns the registry sessions are added to.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// track records a freshly accepted connection. It reports false once Stop
// has begun, in which case the caller closes conn.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.pending[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// adopt moves conn from pending to a running session.
func (s *Server) adopt(conn net.Conn, sess *relay.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
	if s.stopping {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) forget(conn net.Conn, sess *relay.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
	if sess != nil {
		delete(s.sessions, sess)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()

	remote := raw.RemoteAddr().String()
	logger := s.logger.With().Str("remote", remote).Logger()

	conn, err := s.handshake(raw, s.readSize)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		s.forget(raw, nil)
		raw.Close()
		return
	}

	sess, err := relay.NewSession(s.registry, conn,
		relay.WithSenderPrefix(s.prefix),
		relay.WithSessionLogger(s.logger),
	)
	if err != nil {
		if errors.Is(err, relay.ErrCapacityExceeded) {
			logger.Warn().Int("capacity", s.registry.Capacity()).Msg("connection rejected: relay is full")
		} else {
			logger.Warn().Err(err).Msg("connection rejected")
		}
		s.forget(raw, nil)
		conn.Close()
		return
	}

	if !s.adopt(raw, sess) {
		sess.Close()
		return
	}
	defer s.forget(raw, sess)

	if err := sess.Run(s.ctx); err != nil {
		logger.Debug().Err(err).Msg("session ended with error")
	}
}
