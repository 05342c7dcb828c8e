// ABOUTME: Leader side of a shared client: one real client per name whose
// ABOUTME: subscriptions are fanned out to every follower (sink) that asked.

package clusterclient

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/2389/egg/internal/envelope"
)

type sink func(key string, info any, value any)

type leaderTopic struct {
	info   any
	sinks  map[string]sink
	last   any
	seeded bool
}

// leader owns the real client for one name.
type leader struct {
	name   string
	client Client
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*leaderTopic
}

func newLeader(name string, client Client, logger *slog.Logger) *leader {
	return &leader{
		name:   name,
		client: client,
		logger: logger.With("component", "cluster_leader", "client", name),
		topics: make(map[string]*leaderTopic),
	}
}

// invoke runs method on the real client, converting a panic into an error.
func (l *leader) invoke(ctx context.Context, method string, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("invoke panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
			value, err = nil, fmt.Errorf("%s.%s panicked: %v", l.name, method, r)
		}
	}()
	return l.client.Invoke(ctx, method, args)
}

// subscribe adds a sink for info. The real client is subscribed once per key;
// a sink joining a seeded topic gets the last value immediately.
func (l *leader) subscribe(info any, id string, s sink) error {
	key, err := envelope.SubscriptionKey(info)
	if err != nil {
		return err
	}

	l.mu.Lock()
	t, exists := l.topics[key]
	if !exists {
		t = &leaderTopic{info: info, sinks: make(map[string]sink)}
		l.topics[key] = t
	}
	_, already := t.sinks[id]
	t.sinks[id] = s
	last, seeded := t.last, t.seeded
	l.mu.Unlock()

	if !exists {
		if err := l.client.Subscribe(info, func(value any) { l.publish(key, value) }); err != nil {
			l.mu.Lock()
			delete(l.topics, key)
			l.mu.Unlock()
			return fmt.Errorf("subscribing %s: %w", l.name, err)
		}
		l.logger.Debug("real client subscribed", "key", key)
		return nil
	}
	if seeded && !already {
		s(key, info, last)
	}
	return nil
}

func (l *leader) publish(key string, value any) {
	l.mu.Lock()
	t, ok := l.topics[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	t.last, t.seeded = value, true
	ids := make([]string, 0, len(t.sinks))
	for id := range t.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sinks := make([]sink, 0, len(ids))
	for _, id := range ids {
		sinks = append(sinks, t.sinks[id])
	}
	info := t.info
	l.mu.Unlock()

	for _, s := range sinks {
		s(key, info, value)
	}
}

// drop removes every sink registered under id.
func (l *leader) drop(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.topics {
		delete(t.sinks, id)
	}
}

// sinkCount returns the number of sinks on key.
func (l *leader) sinkCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[key]; ok {
		return len(t.sinks)
	}
	return 0
}

// Hub holds the leaders of one process. In single mode the agent and the
// application share a Hub, so followers reach their leader without a socket.
type Hub struct {
	mu      sync.Mutex
	leaders map[string]*leader
	changed chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{leaders: make(map[string]*leader), changed: make(chan struct{})}
}

func (h *Hub) register(l *leader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.leaders[l.name]; ok {
		return fmt.Errorf("clusterclient: leader %q already registered", l.name)
	}
	h.leaders[l.name] = l
	close(h.changed)
	h.changed = make(chan struct{})
	return nil
}

func (h *Hub) unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.leaders, name)
}

func (h *Hub) lookup(name string) (*leader, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.leaders[name]
	return l, ok
}

// wait blocks until a leader for name is registered or ctx is done.
func (h *Hub) wait(ctx context.Context, name string) (*leader, error) {
	for {
		h.mu.Lock()
		l, ok := h.leaders[name]
		changed := h.changed
		h.mu.Unlock()
		if ok {
			return l, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for leader %q: %w", name, ctx.Err())
		}
	}
}

// Names lists the registered leaders.
func (h *Hub) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.leaders))
	for name := range h.leaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
