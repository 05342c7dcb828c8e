// ABOUTME: Forkers start worker instances for the master, either as child processes
// ABOUTME: talking over inherited pipes or as goroutines talking over port pairs.

package master

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
	"github.com/2389/egg/internal/worker"
)

// IPCFDEnv tells a forked worker which inherited descriptor carries frames
// from the master; frames to the master go to the next one.
const IPCFDEnv = "EGG_IPC_FD"

// stopGrace is how long a process worker gets between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// ChildOptions describes one worker to fork.
type ChildOptions struct {
	Role envelope.Role
	// ID is the worker id for forkers that cannot derive one from the OS.
	ID          string
	ClusterPort int
	// OnFrame receives every frame the worker sends. It is registered before
	// the worker starts so no frame is missed.
	OnFrame func(frame []byte)
}

// Handle is a running worker as seen by the master.
type Handle interface {
	// PID is the worker id used for point-to-point routing.
	PID() string
	// Send delivers a frame to the worker.
	Send(frame []byte) error
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done.
	Err() error
	// Stop asks the worker to exit.
	Stop() error
}

// Forker starts workers.
type Forker interface {
	Fork(ctx context.Context, opts ChildOptions) (Handle, error)
}

// ThreadForker runs workers as goroutines inside the master process.
type ThreadForker struct {
	Boot   worker.Boot
	Config *config.Config
	Logger *slog.Logger
}

type threadHandle struct {
	id     string
	port   *messenger.Port
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *threadHandle) PID() string { return h.id }
func (h *threadHandle) Send(frame []byte) error { return h.port.Send(frame) }
func (h *threadHandle) Done() <-chan struct{} { return h.done }
func (h *threadHandle) Err() error { return h.err }
func (h *threadHandle) Stop() error {
	h.cancel()
	return nil
}

// Fork starts a worker goroutine connected through a port pair.
func (f *ThreadForker) Fork(_ context.Context, opts ChildOptions) (Handle, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	masterPort, workerPort := messenger.NewPortPair()
	if opts.OnFrame != nil {
		masterPort.OnMessage(opts.OnFrame)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &threadHandle{id: opts.ID, port: masterPort, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer masterPort.Close()
		defer workerPort.Close()
		h.err = worker.RunProcess(ctx, worker.Options{
			Role:        opts.Role,
			Mode:        messenger.ModeCluster,
			PID:         opts.ID,
			Port:        workerPort,
			ClusterPort: opts.ClusterPort,
			Config:      f.Config,
			Logger:      logger.With("worker", opts.ID),
		}, f.Boot, nil)
	}()
	return h, nil
}

// ProcessForker re-executes a binary with `worker --role ROLE` and talks to the
// child over two pipes inherited as descriptors 3 (master to worker) and 4
// (worker to master).
type ProcessForker struct {
	// Executable defaults to the running binary.
	Executable string
	ConfigPath string
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *slog.Logger
}

type processHandle struct {
	pid  string
	cmd  *exec.Cmd
	ch   *messenger.StreamChannel
	done chan struct{}
	err  error
}

func (h *processHandle) PID() string { return h.pid }
func (h *processHandle) Send(frame []byte) error { return h.ch.Send(frame) }
func (h *processHandle) Done() <-chan struct{} { return h.done }
func (h *processHandle) Err() error { return h.err }

func (h *processHandle) Stop() error {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling worker %s: %w", h.pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(stopGrace):
		return h.cmd.Process.Kill()
	}
}

// Fork starts a child worker process.
func (f *ProcessForker) Fork(_ context.Context, opts ChildOptions) (Handle, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exe := f.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolving executable: %w", err)
		}
	}

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("creating pipe: %w", err)
	}

	args := []string{"worker", "--role", opts.Role.String(), "--cluster-port", strconv.Itoa(opts.ClusterPort)}
	if f.ConfigPath != "" {
		args = append(args, "--config", f.ConfigPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	cmd.Env = append(os.Environ(), IPCFDEnv+"=3")
	cmd.Stdout = f.Stdout
	cmd.Stderr = f.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	ch := messenger.NewStreamChannel(fromWorkerR, toWorkerW, logger.With("component", "worker_pipe"))
	if opts.OnFrame != nil {
		ch.OnMessage(opts.OnFrame)
	}

	if err := cmd.Start(); err != nil {
		toWorkerR.Close()
		fromWorkerW.Close()
		ch.Close()
		return nil, fmt.Errorf("starting %s worker: %w", opts.Role, err)
	}
	// The child owns its ends now.
	toWorkerR.Close()
	fromWorkerW.Close()

	h := &processHandle{
		pid:  strconv.Itoa(cmd.Process.Pid),
		cmd:  cmd,
		ch:   ch,
		done: make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		ch.Close()
		close(h.done)
	}()
	return h, nil
}
