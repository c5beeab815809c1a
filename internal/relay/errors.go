package relay

import "errors"

var (
	// ErrCapacityExceeded is returned by Registry.Add when the registry
	// already holds its configured maximum of connections.
	ErrCapacityExceeded = errors.New("relay: registry capacity exceeded")

	// ErrAlreadyRegistered is returned by Registry.Add for a connection that
	// is a member already.
	ErrAlreadyRegistered = errors.New("relay: connection already registered")

	// ErrNilConn is returned when a nil connection is passed in.
	ErrNilConn = errors.New("relay: nil connection")

	// ErrSessionClosed is returned by Session.Run on a session that was
	// closed before it started reading.
	ErrSessionClosed = errors.New("relay: session closed")
)
