package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/socket-relay/internal/config"
	"github.com/omochice/socket-relay/internal/logger"
	"github.com/omochice/socket-relay/internal/relay"
)

// Relay runs the TCP listener and, when configured, a WebSocket listener.
// Both feed the same registry, so TCP and WebSocket peers see each other's
// traffic.
type Relay struct {
	registry *relay.Registry
	tcp      *Server
	ws       *Server
	logger   zerolog.Logger
}

// NewRelay builds a Relay from cfg.
func NewRelay(cfg config.Server, log zerolog.Logger) (*Relay, error) {
	registry, err := relay.NewRegistry(
		relay.WithCapacity(cfg.MaxClients),
		relay.WithWriteTimeout(cfg.WriteTimeout),
		relay.WithLogger(logger.Component(log, "registry")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	r := &Relay{
		registry: registry,
		logger:   log,
	}
	r.tcp = New(cfg.Address, registry,
		WithName("tcp"),
		WithReadSize(cfg.ReadSize),
		WithSenderPrefix(cfg.PrefixSender),
		WithLogger(log),
	)
	if cfg.WSAddress != "" {
		r.ws = New(cfg.WSAddress, registry,
			WithName("ws"),
			WithHandshake(WebSocketHandshake(cfg.HandshakeTimeout)),
			WithReadSize(cfg.ReadSize),
			WithSenderPrefix(cfg.PrefixSender),
			WithLogger(log),
		)
	}
	return r, nil
}

// Listen binds every configured listener. On failure nothing stays bound.
func (r *Relay) Listen() error {
	if err := r.tcp.Listen(); err != nil {
		return err
	}
	if r.ws != nil {
		if err := r.ws.Listen(); err != nil {
			r.tcp.Stop()
			return err
		}
	}
	return nil
}

// Serve runs the accept loops until ctx is done or one of them fails.
// Everything is stopped before Serve returns.
func (r *Relay) Serve(ctx context.Context) error {
	servers := r.servers()
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *Server) {
			errCh <- srv.Serve()
		}(srv)
	}

	var err error
	select {
	case <-ctx.Done():
		r.logger.Info().Msg("shutting down")
	case err = <-errCh:
	}
	r.Stop()
	return err
}

// Start binds and serves. It blocks until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Stop stops every listener and closes all sessions. Sessions of both
// servers are closed before waiting on either, since a session blocked
// writing to a peer of the other server only returns once that peer closes.
func (r *Relay) Stop() {
	servers := r.servers()
	for _, srv := range servers {
		srv.halt()
	}
	for _, srv := range servers {
		srv.wait()
	}
}

func (r *Relay) servers() []*Server {
	if r.ws == nil {
		return []*Server{r.tcp}
	}
	return []*Server{r.tcp, r.ws}
}

// TCPAddr returns the TCP listening address
func (r *Relay) TCPAddr() string {
	return r.tcp.Addr()
}

// WSAddr returns the WebSocket listening address, "" when disabled.
func (r *Relay) WSAddr() string {
	if r.ws == nil {
		return ""
	}
	return r.ws.Addr()
}

// Registry returns the shared registry.
func (r *Relay) Registry() *relay.Registry {
	return r.registry
}
