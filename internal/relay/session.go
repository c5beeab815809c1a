package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnected State = iota
	StateReading
	StateBroadcasting
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReading:
		return "READING"
	case StateBroadcasting:
		return "BROADCASTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session relays everything one connection sends to the rest of the
// registry. It owns its connection: the stream is closed exactly once, on
// whichever path ends the session.
type Session struct {
	id       uuid.UUID
	conn     Conn
	registry *Registry

	prefix bool
	logger zerolog.Logger

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSenderPrefix toggles the "<ip>: " decoration on relayed chunks.
func WithSenderPrefix(enabled bool) SessionOption {
	return func(s *Session) {
		s.prefix = enabled
	}
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession registers conn with registry and returns a session ready to
// Run. When registration fails the error is returned and conn is left open;
// the caller decides what to do with it.
func NewSession(registry *Registry, conn Conn, opts ...SessionOption) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	s := &Session{
		conn:     conn,
		registry: registry,
		prefix:   true,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	id, err := registry.Add(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	s.id = id
	s.logger = s.logger.With().
		Str("session", id.String()).
		Str("remote", conn.RemoteAddr()).
		Logger()

	return s, nil
}

// ID returns the registry identity of the session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run reads chunks until the peer closes the stream or a read fails, and
// broadcasts each chunk to the other members. An orderly close returns nil.
// The session is always closed when Run returns.
//
// Cancelling ctx ends Run before the next read. Its deadline also bounds
// reads and broadcast writes; a read that is already blocked only returns
// once the stream is closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateReading)) {
		return ErrSessionClosed
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := s.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info().Msg("peer disconnected")
				return nil
			}
			if s.State() == StateClosed {
				// Closed from outside, e.g. server shutdown.
				return nil
			}
			s.logger.Warn().Err(err).Msg("read failed")
			return fmt.Errorf("failed to read from %s: %w", s.conn.RemoteAddr(), err)
		}
		if len(data) == 0 {
			continue
		}

		if !s.state.CompareAndSwap(int32(StateReading), int32(StateBroadcasting)) {
			return nil
		}
		s.broadcast(ctx, data)
		if !s.state.CompareAndSwap(int32(StateBroadcasting), int32(StateReading)) {
			return nil
		}
	}
}

func (s *Session) broadcast(ctx context.Context, data []byte) {
	payload := data
	if s.prefix {
		payload = WithPrefix(s.conn.RemoteAddr(), data)
	}

	res := s.registry.Broadcast(ctx, s.conn, payload)
	s.logger.Debug().
		Int("bytes", len(data)).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("chunk relayed")
}

// Close closes the stream and removes it from the registry. Only the first
// call has any effect; later calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeErr = s.conn.Close()
		s.registry.Remove(s.conn)
	})
	return s.closeErr
}
