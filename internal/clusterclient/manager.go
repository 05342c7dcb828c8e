// ABOUTME: Creates shared-client instances according to the worker's role and
// ABOUTME: tracks them, plus the leader's gRPC listener, for graceful shutdown.

package clusterclient

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"google.golang.org/grpc"
)

// Factory builds the real client. Only the leader calls it.
type Factory func() (Client, error)

// Manager owns every cluster client created by one worker.
type Manager struct {
	opts   Options
	hub    *Hub
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]Client
	order     []string
	leaders   []*leader
	server    *grpc.Server
	lis       net.Listener
	closed    bool
}

// NewManager creates a manager. Workers of one process in single mode must
// share hub; a nil hub gets a private one.
func NewManager(opts Options, hub *Hub) *Manager {
	opts = opts.withDefaults()
	if hub == nil {
		hub = NewHub()
	}
	return &Manager{
		opts:      opts,
		hub:       hub,
		logger:    opts.Logger.With("component", "cluster_client"),
		instances: make(map[string]Client),
	}
}

// Options returns the options instances are created with.
func (m *Manager) Options() Options { return m.opts }

// Create returns the client for name. On the leader it builds the real client
// with factory and serves it to followers; on a follower factory is never
// called and the returned client forwards to the leader.
func (m *Manager) Create(name string, factory Factory) (Client, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClientClosed
	}
	if _, ok := m.instances[name]; ok {
		return nil, fmt.Errorf("clusterclient: client %q already created", name)
	}

	var (
		c   Client
		err error
	)
	if m.opts.IsLeader {
		c, err = m.createLeader(name, factory)
	} else {
		c, err = m.createFollower(name)
	}
	if err != nil {
		return nil, err
	}

	m.instances[name] = c
	m.order = append(m.order, name)
	m.logger.Info("cluster client created", "client", name, "leader", m.opts.IsLeader, "single_mode", m.opts.SingleMode)
	return c, nil
}

// createLeader must be called with mu held.
func (m *Manager) createLeader(name string, factory Factory) (Client, error) {
	rc, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating real client %s: %w", name, err)
	}
	l := newLeader(name, rc, m.opts.Logger)
	if err := m.hub.register(l); err != nil {
		closeIfCloser(rc)
		return nil, err
	}
	m.leaders = append(m.leaders, l)

	if !m.opts.SingleMode {
		if err := m.ensureServer(); err != nil {
			return nil, err
		}
	}
	return newLocalClient(m.hub, name, m.opts.ResponseTimeout, m.logger), nil
}

func (m *Manager) createFollower(name string) (Client, error) {
	if m.opts.SingleMode {
		return newLocalClient(m.hub, name, m.opts.ResponseTimeout, m.logger), nil
	}
	return NewFollower(name, m.opts)
}

// ensureServer starts the leader listener once. Must be called with mu held.
func (m *Manager) ensureServer() error {
	if m.server != nil {
		return nil
	}
	lis, err := net.Listen("tcp", m.opts.addr())
	if err != nil {
		return fmt.Errorf("listening on cluster port %d: %w", m.opts.Port, err)
	}
	m.lis = lis
	m.server = newGRPCServer(NewServer(m.hub, m.opts))

	go func() {
		if err := m.server.Serve(lis); err != nil {
			m.logger.Error("cluster server stopped", "error", err)
		}
	}()
	m.logger.Info("cluster leader listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the leader listener address, or "" when none is running.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lis == nil {
		return ""
	}
	return m.lis.Addr().String()
}

// Instances lists the names of created clients.
func (m *Manager) Instances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := append([]string(nil), m.order...)
	sort.Strings(names)
	return names
}

// Close closes every created instance in reverse creation order, stops the
// leader listener and closes the real clients.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	order := m.order
	instances := m.instances
	leaders := m.leaders
	server := m.server
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if c, ok := instances[order[i]].(io.Closer); ok {
			errs = appendCloseError(errs, order[i], c.Close())
		}
	}
	if server != nil {
		server.Stop()
	}
	for _, l := range leaders {
		m.hub.unregister(l.name)
		if c, ok := l.client.(io.Closer); ok {
			errs = appendCloseError(errs, l.name+" real client", c.Close())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cluster client close errors: %v", errs)
	}
	return nil
}

func closeIfCloser(c Client) {
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
