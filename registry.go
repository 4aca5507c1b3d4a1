package mqttsession

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ConnectionFactory builds the Connection for a handle missing from a Registry.
type ConnectionFactory func() (*Connection, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry maps handles to live Connections. It holds at most one
// Connection per handle; concurrent GetOrCreate calls for the same handle
// construct it once.
type Registry struct {
	logger Logger
	group  singleflight.Group

	mu     sync.RWMutex
	conns  map[Handle]*Connection
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: NewNoOpLogger(),
		conns:  make(map[Handle]*Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the Connection for handle, calling factory when none exists.
func (r *Registry) GetOrCreate(handle Handle, factory ConnectionFactory) (*Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[handle]
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return nil, ErrRegistryClosed
	}
	if ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(string(handle), func() (any, error) {
		r.mu.RLock()
		existing, ok := r.conns[handle]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		created, err := factory()
		if err != nil {
			return nil, err
		}
		if created == nil {
			return nil, ErrNoEngine
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = created.Close()
			return nil, ErrRegistryClosed
		}
		r.conns[handle] = created
		r.mu.Unlock()

		r.logger.Debug("connection registered", LogFields{LogFieldHandle: handle.String()})
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// Get returns the Connection for handle.
func (r *Registry) Get(handle Handle) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[handle]
	return conn, ok
}

// Remove unregisters and closes the Connection for handle.
func (r *Registry) Remove(handle Handle) error {
	r.mu.Lock()
	conn, ok := r.conns[handle]
	delete(r.conns, handle)
	r.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}

	r.logger.Debug("connection removed", LogFields{LogFieldHandle: handle.String()})
	return conn.Close()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Handles returns the registered handles, sorted.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.conns))
	for h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	slices.Sort(handles)
	return handles
}

// ForEach calls fn for every connection in handle order until fn returns false.
// fn runs without the registry lock held and may call back into the registry.
func (r *Registry) ForEach(fn func(Handle, *Connection) bool) {
	for _, h := range r.Handles() {
		conn, ok := r.Get(h)
		if !ok {
			continue
		}
		if !fn(h, conn) {
			return
		}
	}
}

// AcknowledgeMessage acknowledges an arrived message on the connection for handle.
func (r *Registry) AcknowledgeMessage(ctx context.Context, handle Handle, messageID string) (bool, error) {
	conn, ok := r.Get(handle)
	if !ok {
		return false, ErrUnknownHandle
	}
	return conn.Acknowledge(ctx, messageID)
}

// NetworkAvailable asks every connection to reconnect now and returns how
// many attempts started.
func (r *Registry) NetworkAvailable() int {
	n := 0
	r.ForEach(func(_ Handle, conn *Connection) bool {
		if conn.NetworkAvailable() {
			n++
		}
		return true
	})
	if n > 0 {
		r.logger.Info("network available, reconnecting", LogFields{"connections": n})
	}
	return n
}

// DisconnectAll disconnects every connection in parallel and waits for the
// disconnects to complete or ctx to end.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	r.ForEach(func(_ Handle, conn *Connection) bool {
		g.Go(func() error {
			return conn.Disconnect().WaitContext(gctx)
		})
		return true
	})

	return g.Wait()
}

// Close closes every connection. Later GetOrCreate calls fail with
// ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	clear(r.conns)
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
