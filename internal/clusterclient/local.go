// ABOUTME: In-process handle on a leader, used by the leader's own worker and by
// ABOUTME: followers in single mode where no leader socket exists.

package clusterclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
)

// localClient reaches its leader through a Hub. Listeners are kept locally so
// the leader sees a single sink per key from this handle.
type localClient struct {
	hub       *Hub
	name      string
	id        string
	timeout   time.Duration
	listeners *events.Emitter

	mu       sync.Mutex
	resolved *leader
	keys     map[string]struct{}
	closed   bool
}

func newLocalClient(hub *Hub, name string, timeout time.Duration, logger *slog.Logger) *localClient {
	return &localClient{
		hub:       hub,
		name:      name,
		id:        uuid.New().String(),
		timeout:   timeout,
		listeners: events.NewEmitter(logger),
		keys:      make(map[string]struct{}),
	}
}

func (c *localClient) leader(ctx context.Context) (*leader, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if l := c.resolved; l != nil {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	l, err := c.hub.wait(ctx, c.name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.resolved = l
	c.mu.Unlock()
	return l, nil
}

func (c *localClient) Invoke(ctx context.Context, method string, args []any) (any, error) {
	l, err := c.leader(ctx)
	if err != nil {
		return nil, err
	}
	return l.invoke(ctx, method, args)
}

func (c *localClient) Subscribe(info any, listener func(value any)) error {
	key, err := envelope.SubscriptionKey(info)
	if err != nil {
		return err
	}
	l, err := c.leader(context.Background())
	if err != nil {
		return err
	}

	c.listeners.On(key, listener)

	c.mu.Lock()
	_, known := c.keys[key]
	c.keys[key] = struct{}{}
	c.mu.Unlock()
	if known {
		return nil
	}
	return l.subscribe(info, c.id, func(key string, _ any, value any) {
		c.listeners.Emit(key, value)
	})
}

func (c *localClient) Close() error {
	c.mu.Lock()
	l := c.resolved
	c.closed = true
	c.mu.Unlock()
	if l != nil {
		l.drop(c.id)
	}
	c.listeners.RemoveAllListeners()
	return nil
}
