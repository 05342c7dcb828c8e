// ABOUTME: Messenger contract shared by the single-process and IPC variants
// ABOUTME: and the factory that picks one from the deployment mode.

package messenger

import (
	"errors"
	"log/slog"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
)

// Mode is the deployment topology.
type Mode string

const (
	// ModeSingle runs agent and application as two objects in one process.
	ModeSingle Mode = "single"
	// ModeCluster runs them as separate processes or threads behind a master.
	ModeCluster Mode = "cluster"
)

// ErrNoChannel is returned when an IPC messenger has no transport to use.
var ErrNoChannel = errors.New("messenger: no process channel or port configured")

// ErrNoPair is returned when a single-mode messenger has no pair to join.
var ErrNoPair = errors.New("messenger: single mode requires a pair")

// Messenger moves envelopes between the agent and application workers.
// Send methods never block on delivery and return the messenger for chaining.
type Messenger interface {
	// PID identifies this worker to its peers.
	PID() string

	// Broadcast delivers to every agent and application worker.
	Broadcast(action string, data any) Messenger
	// SendTo delivers to one worker by id.
	SendTo(workerID, action string, data any) Messenger
	// SendRandom delivers to one randomly chosen worker of the opposite role.
	SendRandom(action string, data any) Messenger
	// SendToApp delivers to every application worker.
	SendToApp(action string, data any) Messenger
	// SendToAgent delivers to the agent worker.
	SendToAgent(action string, data any) Messenger
	// Send is the primitive the helpers above are built on. An empty target
	// means the opposite role of the caller.
	Send(action string, data any, to envelope.Target) Messenger

	// Listeners run in order on the transport's delivery goroutine. A
	// listener that waits on another message must hand off to its own
	// goroutine first, as AppWorkerClient does for pushes.
	On(action string, fn events.Listener) events.Handle
	Once(action string, fn events.Listener) events.Handle
	Prepend(action string, fn events.Listener, once bool) events.Handle
	Off(h events.Handle)

	// Close detaches from the transport and drops every listener. Nothing is
	// delivered afterwards.
	Close() error
}

// Options selects and configures a messenger.
type Options struct {
	Mode Mode
	Role envelope.Role
	PID  string

	// Pair is required in single mode.
	Pair *Pair

	// Process and Port are the cluster-mode transports; at least one is required.
	Process Channel
	Port    Channel

	Logger *slog.Logger
}

// New returns a Local messenger in single mode and an IPC messenger otherwise.
func New(opts Options) (Messenger, error) {
	if opts.Mode == ModeSingle {
		if opts.Pair == nil {
			return nil, ErrNoPair
		}
		return NewLocal(opts.Role, opts.Pair, opts.PID, opts.Logger), nil
	}
	return NewIPC(IPCOptions{
		Role:    opts.Role,
		PID:     opts.PID,
		Process: opts.Process,
		Port:    opts.Port,
		Logger:  opts.Logger,
	})
}
