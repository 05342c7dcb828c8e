// ABOUTME: Worker lifecycle shim shared by the agent and application roles:
// ABOUTME: builds the messenger, cluster clients and worker clients, and closes them.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
	"github.com/2389/egg/internal/workerclient"
)

// ErrWrongRole is returned when an operation is reserved for the other role.
var ErrWrongRole = errors.New("worker: operation not available for this role")

// Options configures a Worker.
type Options struct {
	Role envelope.Role
	Mode messenger.Mode
	// PID identifies the worker; it defaults to the process id.
	PID string

	// Pair and Hub connect the two workers of a single-mode process.
	Pair *messenger.Pair
	Hub  *clusterclient.Hub

	// Process and Port are the cluster-mode transports to the master.
	Process messenger.Channel
	Port    messenger.Channel

	// ClusterPort is where the agent's cluster-client leader listens.
	ClusterPort int

	Config *config.Config
	Logger *slog.Logger
}

// Worker is one agent or application worker. The role decides which side of
// each shared client it plays.
type Worker struct {
	role   envelope.Role
	mode   messenger.Mode
	cfg    *config.Config
	logger *slog.Logger

	raw     messenger.Messenger
	msg     messenger.Messenger
	cluster *clusterclient.Manager

	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	names        map[string]struct{}
	appClients   []*workerclient.AppWorkerClient
	agentClients []*workerclient.AgentWorkerClient
	served       []io.Closer
	closed       bool
}

// New builds a worker and its messenger.
func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("role", opts.Role.String())

	raw, err := messenger.New(messenger.Options{
		Mode:    opts.Mode,
		Role:    opts.Role,
		PID:     opts.PID,
		Pair:    opts.Pair,
		Process: opts.Process,
		Port:    opts.Port,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating messenger: %w", err)
	}

	w := &Worker{
		role:   opts.Role,
		mode:   opts.Mode,
		cfg:    cfg,
		logger: logger,
		raw:    raw,
		msg:    raw,
		ready:  make(chan struct{}),
		names:  make(map[string]struct{}),
	}
	if opts.Role == envelope.RoleAgent {
		w.msg = newGuardedMessenger(raw, logger)
	}
	raw.Once(envelope.ActionReady, func(any) { w.markReady() })

	ccOpts := clusterclient.RoleOptions(opts.Role, opts.ClusterPort, opts.Mode, logger)
	ccOpts.HeartbeatInterval = cfg.ClusterClient.HeartbeatInterval
	ccOpts.ResponseTimeout = cfg.ClusterClient.ResponseTimeout
	w.cluster = clusterclient.NewManager(ccOpts, opts.Hub)

	return w, nil
}

func (w *Worker) markReady() {
	w.readyOnce.Do(func() {
		close(w.ready)
		w.logger.Info("cluster ready")
	})
}

// Role returns the worker role.
func (w *Worker) Role() envelope.Role { return w.role }

// Mode returns the messenger mode.
func (w *Worker) Mode() messenger.Mode { return w.mode }

// Config returns the configuration the worker was built with.
func (w *Worker) Config() *config.Config { return w.cfg }

// Logger returns the worker logger.
func (w *Worker) Logger() *slog.Logger { return w.logger }

// Messenger returns the worker messenger. For the agent it warns about
// outbound calls until egg-ready is received.
func (w *Worker) Messenger() messenger.Messenger { return w.msg }

// Ready is closed once egg-ready is received.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// WaitReady blocks until egg-ready or ctx is done.
func (w *Worker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClaimClientName reserves name for a worker client in this worker.
func (w *Worker) ClaimClientName(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.names[name]; ok {
		return false
	}
	w.names[name] = struct{}{}
	return true
}

// ReleaseClientName frees name.
func (w *Worker) ReleaseClientName(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.names, name)
}

// ClusterClients returns the manager of this worker's cluster clients.
func (w *Worker) ClusterClients() *clusterclient.Manager { return w.cluster }

// AppWorkerClient creates the application-side proxy for the agent client
// served under name.
func (w *Worker) AppWorkerClient(name string) (*workerclient.AppWorkerClient, error) {
	if w.role != envelope.RoleApplication {
		return nil, ErrWrongRole
	}
	c, err := workerclient.NewAppWorkerClient(workerclient.Options{
		Name:            name,
		App:             w,
		ResponseTimeout: w.cfg.Agent.ResponseTimeout,
		Logger:          w.logger,
	})
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.appClients = append(w.appClients, c)
	w.mu.Unlock()
	return c, nil
}

// ServeAgentWorkerClient serves client to every application worker under name.
// A client that is an io.Closer is closed with the worker.
func (w *Worker) ServeAgentWorkerClient(name string, client workerclient.Client) (*workerclient.AgentWorkerClient, error) {
	if w.role != envelope.RoleAgent {
		return nil, ErrWrongRole
	}
	if !w.ClaimClientName(name) {
		return nil, workerclient.ErrDuplicateClientName
	}
	s, err := workerclient.NewAgentWorkerClient(workerclient.AgentServerOptions{
		Name:      name,
		Messenger: w.raw,
		Client:    client,
		Logger:    w.logger,
	})
	if err != nil {
		w.ReleaseClientName(name)
		return nil, err
	}
	w.mu.Lock()
	w.agentClients = append(w.agentClients, s)
	if c, ok := client.(io.Closer); ok {
		w.served = append(w.served, c)
	}
	w.mu.Unlock()
	return s, nil
}

// Started tells the master this worker finished booting.
func (w *Worker) Started() {
	action := envelope.ActionAppStart
	if w.role == envelope.RoleAgent {
		action = envelope.ActionAgentStart
	}
	w.raw.Send(action, map[string]string{"pid": w.raw.PID()}, envelope.ToMaster)
	w.logger.Info("worker started", "pid", w.raw.PID())
}

// Close shuts down worker clients, cluster clients and finally the messenger.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	appClients := w.appClients
	agentClients := w.agentClients
	served := w.served
	w.mu.Unlock()

	var errs []error
	for _, c := range appClients {
		errs = appendCloseError(errs, "app worker client "+c.Name(), c.Close())
	}
	for _, s := range agentClients {
		errs = appendCloseError(errs, "agent worker client", s.Close())
	}
	for _, c := range served {
		errs = appendCloseError(errs, "served client", c.Close())
	}
	errs = appendCloseError(errs, "cluster clients", w.cluster.Close())
	errs = appendCloseError(errs, "messenger", w.raw.Close())

	w.logger.Info("worker closed")
	if len(errs) > 0 {
		return fmt.Errorf("worker close errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
