// ABOUTME: Leader/follower role policy for shared clients: the agent leads, apps follow.
// ABOUTME: Also probes the coordination port and detects an attached debugger.

package clusterclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
)

const (
	// DefaultHeartbeatInterval is how often followers ping the leader.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultResponseTimeout bounds a follower invocation.
	DefaultResponseTimeout = 60 * time.Second

	// missedHeartbeats is how many silent intervals the leader tolerates.
	missedHeartbeats = 3
)

var (
	// ErrClientClosed is returned by calls on a closed client or manager.
	ErrClientClosed = errors.New("clusterclient: client closed")
	// ErrResponseTimeout is returned when the leader does not answer in time.
	ErrResponseTimeout = errors.New("clusterclient: leader response timeout")
	// ErrMissingName is returned when a client is created without a name.
	ErrMissingName = errors.New("clusterclient: name is required")
)

// procStatusPath is read to find the tracer of this process.
var procStatusPath = "/proc/self/status"

// Client is the surface shared by a real client and its followers.
type Client interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
	Subscribe(info any, listener func(value any)) error
}

// Options is the configuration handed to every cluster-client instance.
type Options struct {
	IsLeader          bool
	Port              int
	Logger            *slog.Logger
	IsCheckHeartbeat  bool
	SingleMode        bool
	HeartbeatInterval time.Duration
	ResponseTimeout   time.Duration
}

// RoleOptions builds the options for a worker of the given role. The agent is
// always the leader and every application worker follows it; there is no
// election.
func RoleOptions(role envelope.Role, port int, mode messenger.Mode, logger *slog.Logger) Options {
	if logger == nil {
		logger = slog.Default()
	}
	return Options{
		IsLeader:          role == envelope.RoleAgent,
		Port:              port,
		Logger:            logger,
		IsCheckHeartbeat:  !DebuggerAttached(),
		SingleMode:        mode == messenger.ModeSingle,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ResponseTimeout:   DefaultResponseTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	return o
}

func (o Options) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", o.Port)
}

// DetectPort asks the OS for a free TCP port on the loopback interface.
func DetectPort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probing free port: %w", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

// DebuggerAttached reports whether a tracer such as dlv is attached to this
// process. Heartbeat checking is switched off while stepping through code.
func DebuggerAttached() bool {
	f, err := os.Open(procStatusPath)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if pid, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			pid = strings.TrimSpace(pid)
			return pid != "" && pid != "0"
		}
	}
	return false
}
