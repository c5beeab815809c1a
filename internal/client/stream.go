package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultReadSize is the receive buffer size.
const DefaultReadSize = 1024

var (
	// ErrNotConnected is returned when sending before Connect or after the
	// connection ended.
	ErrNotConnected = errors.New("client: not connected to server")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client: already connected")
)

// Connection is the byte stream a Stream drives.
type Connection interface {
	io.ReadWriteCloser
}

// Stream owns one server connection: it delivers everything the server
// sends on Messages and writes outgoing text verbatim. Transport packages
// embed it and only provide the dialing.
type Stream struct {
	conn     Connection
	messages chan []byte
	readSize int
	logger   zerolog.Logger

	mu       sync.RWMutex
	attached bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStream creates an unattached Stream. A non-positive readSize selects
// DefaultReadSize.
func NewStream(readSize int, logger zerolog.Logger) *Stream {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Stream{
		messages: make(chan []byte, 16),
		readSize: readSize,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Attach starts the receive loop on conn. A Stream is attached at most once.
func (s *Stream) Attach(conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.attached = true

	s.wg.Add(1)
	go s.receive(conn)
	return nil
}

// Disconnect closes the connection and waits for the receive loop.
func (s *Stream) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
	s.wg.Wait()
}

// IsConnected returns whether the connection is live.
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Send writes text to the server as is. No terminator is added.
func (s *Stream) Send(text string) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns the channel of chunks received from the server. It is
// closed when the server disconnects or Disconnect is called.
func (s *Stream) Messages() <-chan []byte {
	return s.messages
}

func (s *Stream) receive(conn Connection) {
	defer s.wg.Done()
	defer close(s.messages)
	defer s.detach(conn)

	buf := make([]byte, s.readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.messages <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.logger.Warn().Err(err).Msg("error reading from server")
				}
			}
			return
		}
	}
}

func (s *Stream) detach(conn Connection) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}
