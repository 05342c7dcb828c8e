// ABOUTME: Master supervisor: forks the agent and application workers, relays
// ABOUTME: envelopes between them, restarts crashed workers and serves health.

package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/metrics"
)

const (
	masterRole     = "master"
	relayTransport = "relay"
	// shutdownTimeout bounds the HTTP server drain.
	shutdownTimeout = 5 * time.Second
)

// Options configures a Master.
type Options struct {
	Config *config.Config
	Forker Forker
	Logger *slog.Logger
}

// WorkerInfo describes one live worker.
type WorkerInfo struct {
	ID   string
	Role envelope.Role
}

type child struct {
	role      envelope.Role
	id        string
	handle    Handle
	started   chan struct{}
	startOnce sync.Once
}

func (c *child) markStarted() {
	c.startOnce.Do(func() { close(c.started) })
}

// Master supervises one agent and cfg.Workers application workers.
type Master struct {
	cfg         *config.Config
	forker      Forker
	logger      *slog.Logger
	clusterPort int

	mu       sync.Mutex
	agent    *child
	apps     []*child
	seq      int
	stopping bool
	httpAddr net.Addr

	ready     chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	httpServer *http.Server
}

// New validates opts and resolves the cluster-client port.
func New(opts Options) (*Master, error) {
	if opts.Forker == nil {
		return nil, errors.New("master: forker is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	port := cfg.ClusterClient.Port
	if port == 0 {
		var err error
		if port, err = clusterclient.DetectPort(); err != nil {
			return nil, fmt.Errorf("detecting cluster client port: %w", err)
		}
	}

	m := &Master{
		cfg:         cfg,
		forker:      opts.Forker,
		logger:      logger.With("role", masterRole),
		clusterPort: port,
		ready:       make(chan struct{}),
		stopCh:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/health/ready", m.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	m.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return m, nil
}

// ClusterPort is the port the agent's cluster-client leaders listen on.
func (m *Master) ClusterPort() int { return m.clusterPort }

// Ready is closed once every worker started and egg-ready went out.
func (m *Master) Ready() <-chan struct{} { return m.ready }

// HTTPAddr returns the bound health address, or nil before Run listens.
func (m *Master) HTTPAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpAddr
}

// Workers returns the live workers, agent first.
func (m *Master) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkerInfo
	if m.agent != nil {
		out = append(out, WorkerInfo{ID: m.agent.id, Role: envelope.RoleAgent})
	}
	for _, c := range m.apps {
		out = append(out, WorkerInfo{ID: c.id, Role: envelope.RoleApplication})
	}
	return out
}

// Run starts the workers and the health server, and blocks until ctx is done
// or startup fails. Workers are stopped before it returns.
func (m *Master) Run(ctx context.Context) error {
	var lis net.Listener
	if addr := m.cfg.Server.HTTPAddr; addr != "" {
		var err error
		if lis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		m.mu.Lock()
		m.httpAddr = lis.Addr()
		m.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	if lis != nil {
		g.Go(func() error {
			m.logger.Info("starting HTTP server", "addr", lis.Addr().String())
			if err := m.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := m.start(gctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		m.logger.Info("shutting down master")
		return m.shutdown()
	})

	return g.Wait()
}

// start forks the agent, then the applications, waits for each to report in,
// and finally announces peers and egg-ready.
func (m *Master) start(ctx context.Context) error {
	agent, err := m.fork(ctx, envelope.RoleAgent)
	if err != nil {
		return err
	}
	if err := m.waitStarted(ctx, agent); err != nil {
		return err
	}

	apps := make([]*child, 0, m.cfg.Workers)
	for range m.cfg.Workers {
		c, err := m.fork(ctx, envelope.RoleApplication)
		if err != nil {
			return err
		}
		apps = append(apps, c)
	}
	for _, c := range apps {
		if err := m.waitStarted(ctx, c); err != nil {
			return err
		}
	}

	m.announcePids()
	m.mu.Lock()
	all := m.childrenLocked()
	m.mu.Unlock()
	for _, c := range all {
		m.sendTo(c, envelope.ActionReady, nil)
	}
	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info("cluster ready", "agent", agent.id, "apps", len(apps), "cluster_port", m.clusterPort)
	return nil
}

func (m *Master) waitStarted(ctx context.Context, c *child) error {
	select {
	case <-c.started:
		return nil
	case <-c.handle.Done():
		return fmt.Errorf("%s worker %s exited during startup: %w", c.role, c.id, exitError(c.handle))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitError(h Handle) error {
	if err := h.Err(); err != nil {
		return err
	}
	return errors.New("exited cleanly")
}

// fork starts a worker of role and registers it for routing.
func (m *Master) fork(ctx context.Context, role envelope.Role) (*child, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s-%d", role, m.seq)
	m.mu.Unlock()

	c := &child{role: role, started: make(chan struct{})}
	h, err := m.forker.Fork(ctx, ChildOptions{
		Role:        role,
		ID:          id,
		ClusterPort: m.clusterPort,
		OnFrame:     func(frame []byte) { m.relay(c, frame) },
	})
	if err != nil {
		return nil, fmt.Errorf("forking %s worker: %w", role, err)
	}

	m.mu.Lock()
	c.id = h.PID()
	c.handle = h
	if m.stopping {
		m.mu.Unlock()
		_ = h.Stop()
		return nil, errors.New("master is stopping")
	}
	if role == envelope.RoleAgent {
		m.agent = c
	} else {
		m.apps = append(m.apps, c)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.Workers.WithLabelValues(role.String()).Inc()
	m.logger.Info("forked worker", "worker_role", role.String(), "worker", c.id)
	go m.supervise(c)
	return c, nil
}

// relay routes one frame sent by from. Frames addressed to the master are
// consumed here; everything else is stamped with the sender role and
// forwarded.
func (m *Master) relay(from *child, frame []byte) {
	env, ok := envelope.ParseFrame(frame)
	if !ok {
		metrics.MessagesDropped.WithLabelValues(masterRole).Inc()
		m.logger.Warn("dropping malformed frame", "from", from.role.String())
		return
	}
	metrics.MessagesReceived.WithLabelValues(masterRole, relayTransport).Inc()
	env.From = from.role.String()

	if env.To == envelope.ToMaster && env.Receiver() == "" {
		m.handleLocal(from, env)
		return
	}

	targets := m.targets(from.role, env)
	if len(targets) == 0 {
		m.logger.Debug("no route for message", "action", env.Action, "to", env.To, "receiver", env.Receiver())
		return
	}
	out, err := env.Marshal()
	if err != nil {
		m.logger.Error("re-encoding message", "action", env.Action, "error", err)
		return
	}
	for _, c := range targets {
		if err := c.handle.Send(out); err != nil {
			m.logger.Warn("relay failed", "action", env.Action, "worker", c.id, "error", err)
			continue
		}
		metrics.MessagesSent.WithLabelValues(masterRole, relayTransport).Inc()
	}
}

// targets resolves the recipients of env. A receiver id wins over the
// broadcast target; "both" includes the sender.
func (m *Master) targets(fromRole envelope.Role, env *envelope.Envelope) []*child {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := env.Receiver(); r != "" {
		for _, c := range m.childrenLocked() {
			if c.id == r {
				return []*child{c}
			}
		}
		return nil
	}

	to := env.To
	if to == "" || to == envelope.ToOpposite {
		to = fromRole.Opposite().Target()
	}
	switch to {
	case envelope.ToApp, envelope.ToApplication:
		return append([]*child(nil), m.apps...)
	case envelope.ToAgent:
		if m.agent != nil {
			return []*child{m.agent}
		}
	case envelope.ToBoth:
		return m.childrenLocked()
	}
	return nil
}

func (m *Master) handleLocal(from *child, env *envelope.Envelope) {
	switch env.Action {
	case envelope.ActionAgentStart, envelope.ActionAppStart:
		from.markStarted()
		m.logger.Debug("worker reported start", "action", env.Action)
	default:
		m.logger.Debug("ignoring master message", "action", env.Action)
	}
}

// childrenLocked returns the agent followed by every application.
func (m *Master) childrenLocked() []*child {
	out := make([]*child, 0, len(m.apps)+1)
	if m.agent != nil {
		out = append(out, m.agent)
	}
	return append(out, m.apps...)
}

func (m *Master) sendTo(c *child, action string, data any) {
	frame, err := envelope.Frame(action, data, c.role.Target(), "")
	if err != nil {
		m.logger.Error("encoding master message", "action", action, "error", err)
		return
	}
	if err := c.handle.Send(frame); err != nil {
		m.logger.Warn("send to worker failed", "action", action, "worker", c.id, "error", err)
		return
	}
	metrics.MessagesSent.WithLabelValues(masterRole, relayTransport).Inc()
}

// announcePids tells the agent about every application and every application
// about the agent. Without a running agent the applications get an empty
// roster.
func (m *Master) announcePids() {
	m.mu.Lock()
	agent := m.agent
	apps := append([]*child(nil), m.apps...)
	m.mu.Unlock()

	agentIDs := []string{}
	if agent != nil {
		appIDs := make([]string, 0, len(apps))
		for _, c := range apps {
			appIDs = append(appIDs, c.id)
		}
		m.sendTo(agent, envelope.ActionPids, appIDs)
		agentIDs = append(agentIDs, agent.id)
	}
	for _, c := range apps {
		m.sendTo(c, envelope.ActionPids, agentIDs)
	}
}

// supervise waits for c to exit and restarts it unless the master is stopping.
func (m *Master) supervise(c *child) {
	defer m.wg.Done()
	<-c.handle.Done()

	m.mu.Lock()
	if m.agent == c {
		m.agent = nil
	}
	for i, a := range m.apps {
		if a == c {
			m.apps = append(m.apps[:i], m.apps[i+1:]...)
			break
		}
	}
	stopping := m.stopping
	m.mu.Unlock()
	metrics.Workers.WithLabelValues(c.role.String()).Dec()

	if stopping {
		m.logger.Info("worker stopped", "worker_role", c.role.String(), "worker", c.id)
		return
	}
	select {
	case <-m.ready:
	default:
		// Startup reports this failure itself.
		return
	}

	m.logger.Error("worker exited unexpectedly", "worker_role", c.role.String(), "worker", c.id, "error", c.handle.Err())
	metrics.WorkerRestarts.WithLabelValues(c.role.String()).Inc()
	// The survivors stop addressing c before its replacement is up.
	m.announcePids()
	m.restart(c.role)
}

// restart re-forks a worker of role after the configured delay, retrying
// until it succeeds or the master stops.
func (m *Master) restart(role envelope.Role) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.cfg.Agent.RestartDelay):
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		c, err := m.fork(ctx, role)
		if err != nil {
			cancel()
			m.logger.Error("restarting worker", "worker_role", role.String(), "error", err)
			continue
		}
		err = m.waitStarted(ctx, c)
		cancel()
		if err != nil {
			// A worker that died while booting is restarted by its own supervisor.
			m.logger.Error("restarted worker failed to start", "worker_role", role.String(), "error", err)
			return
		}

		m.announceRestart(c)
		return
	}
}

// announceRestart brings a re-forked worker into the running cluster.
func (m *Master) announceRestart(c *child) {
	if c.role == envelope.RoleAgent {
		m.mu.Lock()
		apps := append([]*child(nil), m.apps...)
		m.mu.Unlock()
		for _, a := range apps {
			m.sendTo(a, envelope.ActionAgentStart, map[string]string{"pid": c.id})
		}
	}
	m.announcePids()
	m.sendTo(c, envelope.ActionReady, nil)
	m.logger.Info("worker restarted", "worker_role", c.role.String(), "worker", c.id)
}

// shutdown stops the applications, then the agent, then the HTTP server.
func (m *Master) shutdown() error {
	m.mu.Lock()
	m.stopping = true
	agent := m.agent
	apps := append([]*child(nil), m.apps...)
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })

	var errs []error
	for _, c := range apps {
		errs = appendCloseError(errs, "app worker "+c.id, c.handle.Stop())
	}
	if agent != nil {
		errs = appendCloseError(errs, "agent worker "+agent.id, agent.handle.Stop())
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = appendCloseError(errs, "HTTP server", m.httpServer.Shutdown(ctx))

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	m.logger.Info("master stopped")
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
