package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// errRetired is returned by member.write after the member left the registry.
var errRetired = errors.New("relay: member removed")

// Member is a read-only view of one registered connection.
type Member struct {
	ID         uuid.UUID
	RemoteAddr string
}

// BroadcastResult reports how one broadcast went across its targets.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// member is the registry's record for a connection. mu serializes writes to
// conn so that concurrent broadcasts never interleave bytes on one stream.
type member struct {
	id   uuid.UUID
	seq  uint64
	conn Conn

	mu      sync.Mutex
	retired bool
}

func (m *member) write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return errRetired
	}
	return m.conn.Write(ctx, data)
}

// retire blocks until any in-flight write finishes.
func (m *member) retire() {
	m.mu.Lock()
	m.retired = true
	m.mu.Unlock()
}

// Registry tracks every connection eligible to receive broadcasts.
// Multiple registries can coexist; there is no package-level state.
//
// Conn implementations must be comparable (pointer types in practice), since
// connections are keyed by identity.
type Registry struct {
	mu      sync.RWMutex
	members map[Conn]*member
	nextSeq uint64

	capacity     int
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry) error

// WithCapacity bounds the number of concurrent members. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(r *Registry) error {
		if n < 0 {
			return fmt.Errorf("relay.WithCapacity: invalid capacity (%d)", n)
		}
		r.capacity = n
		return nil
	}
}

// WithWriteTimeout bounds every per-target write during a broadcast.
// Zero leaves writes to the transport's own blocking semantics.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) error {
		if d < 0 {
			return fmt.Errorf("relay.WithWriteTimeout: invalid timeout (%v)", d)
		}
		r.writeTimeout = d
		return nil
	}
}

// WithLogger sets the logger used for membership and delivery events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		members: make(map[Conn]*member),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers conn and returns its identity.
func (r *Registry) Add(conn Conn) (uuid.UUID, error) {
	if conn == nil {
		return uuid.Nil, ErrNilConn
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[conn]; ok {
		return uuid.Nil, ErrAlreadyRegistered
	}
	if r.capacity > 0 && len(r.members) >= r.capacity {
		return uuid.Nil, fmt.Errorf("%w (%d)", ErrCapacityExceeded, r.capacity)
	}

	m := &member{
		id:   uuid.New(),
		seq:  r.nextSeq,
		conn: conn,
	}
	r.nextSeq++
	r.members[conn] = m

	r.logger.Debug().
		Str("member", m.id.String()).
		Str("remote", conn.RemoteAddr()).
		Int("members", len(r.members)).
		Msg("member added")

	return m.id, nil
}

// Remove drops conn from the registry. Removing an unknown connection is a
// no-op. Once Remove returns no broadcast writes to conn again.
func (r *Registry) Remove(conn Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	m, ok := r.members[conn]
	if ok {
		delete(r.members, conn)
	}
	remaining := len(r.members)
	r.mu.Unlock()

	if !ok {
		return
	}
	m.retire()

	r.logger.Debug().
		Str("member", m.id.String()).
		Int("members", remaining).
		Msg("member removed")
}

// Broadcast writes payload to every member except sender. The member set is
// snapshotted under the lock and written outside it. A failed write to one
// target is logged and does not stop delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, sender Conn, payload []byte) BroadcastResult {
	targets := r.snapshot(sender)

	var res BroadcastResult
	for _, m := range targets {
		if err := r.deliver(ctx, m, payload); err != nil {
			res.Failed++
			if !errors.Is(err, errRetired) {
				r.logger.Debug().
					Err(err).
					Str("member", m.id.String()).
					Str("remote", m.conn.RemoteAddr()).
					Msg("broadcast write failed")
			}
			continue
		}
		res.Delivered++
	}
	return res
}

func (r *Registry) deliver(ctx context.Context, m *member, payload []byte) error {
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	return m.write(ctx, payload)
}

func (r *Registry) snapshot(exclude Conn) []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(lo.Values(r.members), func(m *member, _ int) bool {
		return m.conn != exclude
	})
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Contains reports whether conn is a member.
func (r *Registry) Contains(conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[conn]
	return ok
}

// Capacity returns the configured bound, zero when unbounded.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Members returns the current members in registration order.
func (r *Registry) Members() []Member {
	all := r.snapshot(nil)
	slices.SortFunc(all, func(a, b *member) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return lo.Map(all, func(m *member, _ int) Member {
		return Member{ID: m.id, RemoteAddr: m.conn.RemoteAddr()}
	})
}
