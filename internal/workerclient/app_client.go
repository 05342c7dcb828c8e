// ABOUTME: Application-side proxy that turns method calls into request/response
// ABOUTME: round-trips against a real client living in the agent worker.

package workerclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
	"github.com/2389/egg/internal/messenger"
	"github.com/2389/egg/internal/metrics"
)

const (
	// DefaultResponseTimeout bounds how long an invocation waits for the agent.
	DefaultResponseTimeout = 5 * time.Second

	// maxOpaque is where the opaque counter wraps back to zero.
	maxOpaque int32 = 1<<31 - 10

	errorEvent = "error"
)

// App is the worker hosting a client. It supplies the messenger and enforces
// one client per name.
type App interface {
	Messenger() messenger.Messenger
	ClaimClientName(name string) bool
	ReleaseClientName(name string)
}

// Options configures an AppWorkerClient.
type Options struct {
	Name            string
	App             App
	ResponseTimeout time.Duration
	Logger          *slog.Logger
}

// InvokeOptions tunes a single invocation.
type InvokeOptions struct {
	// Oneway sends the request without waiting for or expecting a response.
	Oneway bool
}

// checkedSender is implemented by messengers that can report a request which
// never left the worker, such as IPC when the arguments do not encode.
type checkedSender interface {
	TrySend(action string, data any, to envelope.Target) error
}

type invokeResult struct {
	value any
	err   error
}

// invokeRecord is one in-flight call. It is owned by the pending map until
// exactly one of the response handler, the timer or the caller's context
// takes it out.
type invokeRecord struct {
	opaque int32
	method string
	timer  *time.Timer
	done   chan invokeResult
}

type subscription struct {
	key  string
	info any
	pid  string
}

// AppWorkerClient calls methods of a real client in the agent as if they
// were local. Many calls may be in flight at once; each is correlated by its
// opaque, so responses may arrive in any order.
type AppWorkerClient struct {
	name     string
	app      App
	msg      messenger.Messenger
	timeout  time.Duration
	logger   *slog.Logger
	channels channels

	// emitter carries subscription pushes keyed by subscription key, plus
	// the error event. Keys are JSON, so they never collide with "error".
	emitter *events.Emitter

	mu      sync.Mutex
	opaque  int32
	pending map[int32]*invokeRecord
	subs    map[string]*subscription

	// Pushes are queued here and emitted by dispatchPushes, off the
	// messenger's delivery goroutine, so a listener may call Invoke.
	pushMu     sync.Mutex
	pushQueue  []envelope.SubscribeChanged
	pushSignal chan struct{}
	stop       chan struct{}

	handles   []events.Handle
	closeOnce sync.Once
}

// NewAppWorkerClient creates a client and starts listening for responses,
// pushes and agent restarts on the app's messenger.
func NewAppWorkerClient(opts Options) (*AppWorkerClient, error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	if opts.App == nil {
		return nil, ErrMissingApp
	}
	if !opts.App.ClaimClientName(opts.Name) {
		return nil, ErrDuplicateClientName
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	c := &AppWorkerClient{
		name:     opts.Name,
		app:      opts.App,
		msg:      opts.App.Messenger(),
		timeout:  timeout,
		logger:   logger.With("component", "app_worker_client", "client", opts.Name),
		channels: channelsFor(opts.Name),
		pending:  make(map[int32]*invokeRecord),
		subs:     make(map[string]*subscription),

		pushSignal: make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	c.emitter = events.NewEmitter(c.logger)
	go c.dispatchPushes()

	c.handles = []events.Handle{
		c.msg.On(c.channels.invokeResponse, c.handleResponse),
		c.msg.On(c.channels.subscribeChanged, c.handleChanged),
		c.msg.On(envelope.ActionAgentStart, c.resubscribe),
		c.msg.On(envelope.ActionAgentRestart, c.resubscribe),
	}

	return c, nil
}

// Name returns the client name.
func (c *AppWorkerClient) Name() string { return c.name }

// nextOpaque mints a correlation id. Must be called with mu held.
func (c *AppWorkerClient) nextOpaque() int32 {
	if c.opaque >= maxOpaque {
		c.opaque = 0
	} else {
		c.opaque++
	}
	return c.opaque
}

// Invoke calls method on the agent's real client and waits for its result.
// It fails with *AgentWorkerRequestTimeoutError when the agent does not
// answer within the response timeout and with *RemoteError when the real
// client fails. A request the messenger reports as unsent fails right away.
// A oneway call returns nil, nil as soon as it is sent.
func (c *AppWorkerClient) Invoke(ctx context.Context, method string, args []any, opts InvokeOptions) (any, error) {
	if args == nil {
		args = []any{}
	}

	c.mu.Lock()
	opaque := c.nextOpaque()
	req := &envelope.InvokeRequest{
		Opaque: opaque,
		Method: method,
		Args:   args,
		Pid:    c.msg.PID(),
		Oneway: opts.Oneway,
	}

	if opts.Oneway {
		c.mu.Unlock()
		if err := c.sendRequest(req); err != nil {
			metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeFailure).Inc()
			return nil, err
		}
		metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeOneway).Inc()
		return nil, nil
	}

	// Register before sending so a fast response always finds its record.
	rec := &invokeRecord{
		opaque: opaque,
		method: method,
		done:   make(chan invokeResult, 1),
	}
	c.pending[opaque] = rec
	rec.timer = time.AfterFunc(c.timeout, func() { c.expire(opaque) })
	c.mu.Unlock()

	metrics.InvokePending.WithLabelValues(c.name).Inc()
	if err := c.sendRequest(req); err != nil {
		if c.take(opaque) != nil {
			rec.timer.Stop()
			metrics.InvokePending.WithLabelValues(c.name).Dec()
			metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeFailure).Inc()
			return nil, err
		}
		// The timer fired first; its result is already queued.
		res := <-rec.done
		return res.value, res.err
	}
	c.logger.Debug("invoke sent", "method", method, "opaque", opaque)

	select {
	case res := <-rec.done:
		return res.value, res.err
	case <-ctx.Done():
		if c.take(opaque) == nil {
			// Response or timeout won the race; its result is already queued.
			res := <-rec.done
			return res.value, res.err
		}
		rec.timer.Stop()
		metrics.InvokePending.WithLabelValues(c.name).Dec()
		metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeCancel).Inc()
		return nil, ctx.Err()
	}
}

// sendRequest hands req to the agent, reporting a send that never left when
// the messenger can tell.
func (c *AppWorkerClient) sendRequest(req *envelope.InvokeRequest) error {
	if cs, ok := c.msg.(checkedSender); ok {
		if err := cs.TrySend(c.channels.invokeRequest, req, envelope.ToAgent); err != nil {
			return fmt.Errorf("invoke %s: %w", req.Method, err)
		}
		return nil
	}
	c.msg.SendToAgent(c.channels.invokeRequest, req)
	return nil
}

// InvokeOneway sends method without waiting for a response.
func (c *AppWorkerClient) InvokeOneway(method string, args []any) {
	_, _ = c.Invoke(context.Background(), method, args, InvokeOptions{Oneway: true})
}

// take removes and returns the record for opaque, or nil if it is gone.
func (c *AppWorkerClient) take(opaque int32) *invokeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.pending[opaque]
	if !ok {
		return nil
	}
	delete(c.pending, opaque)
	return rec
}

func (c *AppWorkerClient) expire(opaque int32) {
	rec := c.take(opaque)
	if rec == nil {
		return
	}
	err := &AgentWorkerRequestTimeoutError{
		ClientName: c.name,
		Method:     rec.method,
		Opaque:     opaque,
		Timeout:    c.timeout,
	}
	c.logger.Warn("invoke timed out", "method", rec.method, "opaque", opaque, "timeout", c.timeout)
	metrics.InvokePending.WithLabelValues(c.name).Dec()
	metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeTimeout).Inc()

	c.emitter.Emit(errorEvent, err)
	rec.done <- invokeResult{err: err}
}

func (c *AppWorkerClient) handleResponse(data any) {
	var resp envelope.InvokeResponse
	if err := envelope.DecodeData(data, &resp); err != nil {
		c.logger.Warn("ignoring malformed invoke response", "error", err)
		return
	}

	rec := c.take(resp.Opaque)
	if rec == nil {
		c.logger.Warn("received response for unknown invoke, it may have timed out",
			"opaque", resp.Opaque,
			"success", resp.Success,
		)
		return
	}
	rec.timer.Stop()
	metrics.InvokePending.WithLabelValues(c.name).Dec()

	if resp.Success {
		metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeSuccess).Inc()
		rec.done <- invokeResult{value: resp.Data}
		return
	}
	metrics.InvokeTotal.WithLabelValues(c.name, metrics.OutcomeFailure).Inc()
	rec.done <- invokeResult{err: &RemoteError{Message: resp.ErrorMessage, Stack: resp.ErrorStack}}
}

// OnError registers fn for every invocation timeout.
func (c *AppWorkerClient) OnError(fn func(err error)) events.Handle {
	return c.emitter.On(errorEvent, func(data any) {
		if err, ok := data.(error); ok {
			fn(err)
		}
	})
}

// Subscribe registers listener for values the agent pushes for info. Only
// the first subscription for a given key is announced to the agent; later
// ones just add a listener.
func (c *AppWorkerClient) Subscribe(info any, listener events.Listener) (events.Handle, error) {
	key, err := envelope.SubscriptionKey(info)
	if err != nil {
		return events.Handle{}, err
	}

	h := c.emitter.On(key, listener)

	c.mu.Lock()
	_, known := c.subs[key]
	if !known {
		c.subs[key] = &subscription{key: key, info: info, pid: c.msg.PID()}
	}
	c.mu.Unlock()

	if !known {
		c.msg.SendToAgent(c.channels.subscribeRequest, &envelope.SubscribeRequest{
			Key:  key,
			Info: info,
			Pid:  c.msg.PID(),
		})
		c.logger.Debug("subscription announced", "key", key)
	}
	return h, nil
}

// Unsubscribe removes one listener, or every listener for info when h is
// nil, and forgets the subscription once none remain.
//
// The agent is not told to stop pushing; it keeps publishing to this worker
// until its next restart, and pushes for a forgotten key are ignored here.
func (c *AppWorkerClient) Unsubscribe(info any, h *events.Handle) error {
	key, err := envelope.SubscriptionKey(info)
	if err != nil {
		return err
	}

	if h != nil {
		c.emitter.Off(*h)
	} else {
		c.emitter.RemoveAll(key)
	}

	if c.emitter.ListenerCount(key) == 0 {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	}
	return nil
}

func (c *AppWorkerClient) handleChanged(data any) {
	var changed envelope.SubscribeChanged
	if err := envelope.DecodeData(data, &changed); err != nil {
		c.logger.Warn("ignoring malformed subscription push", "error", err)
		return
	}

	c.mu.Lock()
	_, tracked := c.subs[changed.Key]
	c.mu.Unlock()
	if !tracked {
		c.logger.Debug("ignoring push for untracked key", "key", changed.Key)
		return
	}

	c.pushMu.Lock()
	c.pushQueue = append(c.pushQueue, changed)
	c.pushMu.Unlock()
	select {
	case c.pushSignal <- struct{}{}:
	default:
	}
}

// dispatchPushes delivers queued pushes to subscription listeners in arrival
// order until the client is closed.
func (c *AppWorkerClient) dispatchPushes() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.pushSignal:
		}

		c.pushMu.Lock()
		batch := c.pushQueue
		c.pushQueue = nil
		c.pushMu.Unlock()

		for _, changed := range batch {
			select {
			case <-c.stop:
				return
			default:
			}
			c.emitter.Emit(changed.Key, changed.Value)
		}
	}
}

// resubscribe replays every held subscription to a freshly started agent.
func (c *AppWorkerClient) resubscribe(any) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.msg.SendToAgent(c.channels.subscribeRequest, &envelope.SubscribeRequest{
			Key:  s.key,
			Info: s.info,
			Pid:  s.pid,
		})
	}
	c.logger.Info("agent restarted, subscriptions replayed", "count", len(subs))
}

// Pending returns the number of in-flight invocations.
func (c *AppWorkerClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops listening on the messenger and releases the client name.
// In-flight invocations are left to their own timers; queued pushes are
// discarded.
func (c *AppWorkerClient) Close() error {
	c.closeOnce.Do(func() {
		for _, h := range c.handles {
			c.msg.Off(h)
		}
		close(c.stop)
		c.app.ReleaseClientName(c.name)
	})
	return nil
}
