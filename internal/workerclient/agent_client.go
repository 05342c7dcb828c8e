// ABOUTME: Agent-side server that executes application invocations on a real
// ABOUTME: client and fans its pushes out to every subscribed worker.

package workerclient

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
	"github.com/2389/egg/internal/messenger"
)

// Client is a real client owned by the agent worker.
type Client interface {
	// Invoke runs method with args decoded from the wire (JSON values in
	// cluster mode, the caller's Go values in single mode).
	Invoke(ctx context.Context, method string, args []any) (any, error)
	// Subscribe starts delivering values for info to listener.
	Subscribe(info any, listener func(value any)) error
}

// AgentServerOptions configures an AgentWorkerClient.
type AgentServerOptions struct {
	Name      string
	Messenger messenger.Messenger
	Client    Client
	Logger    *slog.Logger
}

type topic struct {
	info   any
	pids   map[string]struct{}
	last   any
	seeded bool
}

// AgentWorkerClient answers the requests of every AppWorkerClient sharing
// its name. Each invocation runs in its own goroutine so a slow method does
// not hold up the messenger.
type AgentWorkerClient struct {
	name     string
	msg      messenger.Messenger
	client   Client
	logger   *slog.Logger
	channels channels

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*topic

	handles   []events.Handle
	closeOnce sync.Once
}

// NewAgentWorkerClient starts serving client under name.
func NewAgentWorkerClient(opts AgentServerOptions) (*AgentWorkerClient, error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	if opts.Messenger == nil {
		return nil, ErrMissingApp
	}
	if opts.Client == nil {
		return nil, ErrMissingClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &AgentWorkerClient{
		name:     opts.Name,
		msg:      opts.Messenger,
		client:   opts.Client,
		logger:   logger.With("component", "agent_worker_client", "client", opts.Name),
		channels: channelsFor(opts.Name),
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*topic),
	}
	s.handles = []events.Handle{
		s.msg.On(s.channels.invokeRequest, s.handleInvoke),
		s.msg.On(s.channels.subscribeRequest, s.handleSubscribe),
		s.msg.On(envelope.ActionPids, s.prunePids),
	}
	return s, nil
}

func (s *AgentWorkerClient) handleInvoke(data any) {
	var req envelope.InvokeRequest
	if err := envelope.DecodeData(data, &req); err != nil {
		s.logger.Warn("ignoring malformed invoke request", "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.call(req)
		if req.Oneway {
			if !resp.Success {
				s.logger.Warn("oneway invoke failed", "method", req.Method, "error", resp.ErrorMessage)
			}
			return
		}
		s.msg.SendTo(req.Pid, s.channels.invokeResponse, resp)
	}()
}

// call runs one invocation, turning a panic into a failed response that
// carries the agent-side stack.
func (s *AgentWorkerClient) call(req envelope.InvokeRequest) (resp *envelope.InvokeResponse) {
	resp = &envelope.InvokeResponse{Opaque: req.Opaque}
	defer func() {
		if r := recover(); r != nil {
			resp.Success = false
			resp.Data = nil
			resp.ErrorMessage = fmt.Sprint(r)
			resp.ErrorStack = string(debug.Stack())
			s.logger.Error("invoke panicked", "method", req.Method, "panic", r)
		}
	}()

	value, err := s.client.Invoke(s.ctx, req.Method, req.Args)
	if err != nil {
		resp.ErrorMessage = err.Error()
		s.logger.Debug("invoke failed", "method", req.Method, "opaque", req.Opaque, "error", err)
		return resp
	}
	resp.Success = true
	resp.Data = value
	return resp
}

func (s *AgentWorkerClient) handleSubscribe(data any) {
	var req envelope.SubscribeRequest
	if err := envelope.DecodeData(data, &req); err != nil {
		s.logger.Warn("ignoring malformed subscribe request", "error", err)
		return
	}

	s.mu.Lock()
	t, exists := s.topics[req.Key]
	if !exists {
		t = &topic{info: req.Info, pids: make(map[string]struct{})}
		s.topics[req.Key] = t
	}
	_, already := t.pids[req.Pid]
	t.pids[req.Pid] = struct{}{}
	last, seeded := t.last, t.seeded
	s.mu.Unlock()

	if !exists {
		key := req.Key
		if err := s.client.Subscribe(req.Info, func(value any) { s.publish(key, value) }); err != nil {
			s.logger.Error("subscribe on real client failed", "key", key, "error", err)
			s.mu.Lock()
			delete(s.topics, key)
			s.mu.Unlock()
			return
		}
		s.logger.Debug("subscribed real client", "key", key)
		return
	}

	// A late or replayed subscriber gets the current value right away.
	if seeded && !already {
		s.msg.SendTo(req.Pid, s.channels.subscribeChanged, &envelope.SubscribeChanged{
			Key:   req.Key,
			Info:  t.info,
			Value: last,
		})
	}
}

func (s *AgentWorkerClient) publish(key string, value any) {
	s.mu.Lock()
	t, ok := s.topics[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.last, t.seeded = value, true
	pids := make([]string, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	info := t.info
	s.mu.Unlock()

	sort.Strings(pids)
	for _, pid := range pids {
		s.msg.SendTo(pid, s.channels.subscribeChanged, &envelope.SubscribeChanged{
			Key:   key,
			Info:  info,
			Value: value,
		})
	}
}

// prunePids drops subscribers that are no longer in the application roster,
// so pushes stop going to workers that have exited. Topics stay subscribed on
// the real client; a restarted worker replays its subscriptions.
func (s *AgentWorkerClient) prunePids(data any) {
	roster, err := messenger.DecodePeers(data)
	if err != nil {
		s.logger.Warn("ignoring malformed peer list", "error", err)
		return
	}
	live := make(map[string]struct{}, len(roster))
	for _, pid := range roster {
		live[pid] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.topics {
		for pid := range t.pids {
			if _, ok := live[pid]; !ok {
				delete(t.pids, pid)
				s.logger.Debug("dropped exited subscriber", "key", key, "pid", pid)
			}
		}
	}
}

// Subscribers returns the worker ids subscribed to key.
func (s *AgentWorkerClient) Subscribers(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[key]
	if !ok {
		return nil
	}
	pids := make([]string, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}

// Close stops serving and waits for running invocations to finish.
func (s *AgentWorkerClient) Close() error {
	s.closeOnce.Do(func() {
		for _, h := range s.handles {
			s.msg.Off(h)
		}
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
