// ABOUTME: Cluster-mode messenger that relays envelopes through the master
// ABOUTME: over the process channel and, for thread workers, a message port.

package messenger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
	"github.com/2389/egg/internal/metrics"
)

const transportIPC = "ipc"

// IPCOptions configures an IPC messenger.
type IPCOptions struct {
	Role envelope.Role
	// PID defaults to the current process id.
	PID string
	// Process is the channel to the master, nil for thread workers.
	Process Channel
	// Port is the thread worker's dedicated port, nil for process workers.
	Port   Channel
	Logger *slog.Logger
}

// IPC is the messenger used in cluster mode. The master fans out envelopes
// according to their routing hint; this side only encodes, decodes and
// emits. Malformed input is dropped, never surfaced.
type IPC struct {
	*events.Emitter

	role    envelope.Role
	pid     string
	process Channel
	port    Channel
	logger  *slog.Logger

	// opids is replaced wholesale on every egg-pids announcement.
	opids atomic.Pointer[[]string]

	closeOnce sync.Once
	removers  []func()
}

// NewIPC creates an IPC messenger and registers its intake handler on every
// configured channel.
func NewIPC(opts IPCOptions) (*IPC, error) {
	if opts.Process == nil && opts.Port == nil {
		return nil, ErrNoChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pid := opts.PID
	if pid == "" {
		pid = strconv.Itoa(os.Getpid())
	}

	m := &IPC{
		role:    opts.Role,
		pid:     pid,
		process: opts.Process,
		port:    opts.Port,
		logger:  logger.With("component", "messenger", "role", opts.Role.String(), "transport", transportIPC),
	}
	m.Emitter = events.NewEmitter(m.logger)
	empty := []string{}
	m.opids.Store(&empty)

	if m.process != nil {
		m.removers = append(m.removers, m.process.OnMessage(m.handleFrame))
	}
	if m.port != nil {
		m.removers = append(m.removers, m.port.OnMessage(m.handleFrame))
	}

	m.On(envelope.ActionPids, m.updatePeers)

	return m, nil
}

func (m *IPC) PID() string { return m.pid }

// Peers returns the opposite-role worker ids last announced by the master.
func (m *IPC) Peers() []string {
	return *m.opids.Load()
}

func (m *IPC) Broadcast(action string, data any) Messenger {
	m.Send(action, data, envelope.ToApp)
	m.Send(action, data, envelope.ToAgent)
	return m
}

func (m *IPC) SendTo(workerID, action string, data any) Messenger {
	_ = m.transmit(action, data, "", workerID)
	return m
}

// SendRandom picks one peer uniformly at random. Before the first egg-pids
// announcement there are no known peers and nothing is sent.
func (m *IPC) SendRandom(action string, data any) Messenger {
	peers := m.Peers()
	if len(peers) == 0 {
		m.logger.Debug("no peers known, dropping random send", "action", action)
		return m
	}
	return m.SendTo(peers[rand.IntN(len(peers))], action, data)
}

func (m *IPC) SendToApp(action string, data any) Messenger {
	return m.Send(action, data, envelope.ToApp)
}

func (m *IPC) SendToAgent(action string, data any) Messenger {
	return m.Send(action, data, envelope.ToAgent)
}

func (m *IPC) Send(action string, data any, to envelope.Target) Messenger {
	_ = m.TrySend(action, data, to)
	return m
}

// TrySend is Send that reports a message which never left this worker,
// because it could not be encoded or the channel refused it.
func (m *IPC) TrySend(action string, data any, to envelope.Target) error {
	if to == "" {
		to = m.role.Opposite().Target()
	}
	return m.transmit(action, data, to, "")
}

func (m *IPC) transmit(action string, data any, to envelope.Target, receiver string) error {
	frame, err := envelope.Frame(action, data, to, receiver)
	if err != nil {
		m.logger.Error("dropping unencodable message", "action", action, "error", err)
		return err
	}

	ch := m.process
	if ch == nil {
		ch = m.port
	}
	if err := ch.Send(frame); err != nil {
		m.logger.Warn("send failed", "action", action, "to", to, "receiver", receiver, "error", err)
		return fmt.Errorf("sending %s: %w", action, err)
	}
	metrics.MessagesSent.WithLabelValues(m.role.String(), transportIPC).Inc()
	m.logger.Debug("sent message", "action", action, "to", to, "receiver", receiver)
	return nil
}

// handleFrame is the single intake for both transports.
func (m *IPC) handleFrame(frame []byte) {
	env, ok := envelope.ParseFrame(frame)
	if !ok {
		metrics.MessagesDropped.WithLabelValues(m.role.String()).Inc()
		m.logger.Debug("dropping malformed message", "frame", truncate(frame))
		return
	}

	metrics.MessagesReceived.WithLabelValues(m.role.String(), transportIPC).Inc()
	m.logger.Debug("received message", "action", env.Action, "from", env.From)

	var data any
	if env.Data != nil {
		data = env.Data
	}
	m.Emit(env.Action, data)
}

func (m *IPC) updatePeers(data any) {
	peers, err := DecodePeers(data)
	if err != nil {
		m.logger.Warn("ignoring malformed peer list", "error", err)
		return
	}
	m.opids.Store(&peers)
	m.logger.Debug("peer list updated", "peers", peers)
}

// DecodePeers reads an egg-pids payload. Ids may arrive as JSON strings or
// numbers; both come back as strings.
func DecodePeers(data any) ([]string, error) {
	var raw []json.RawMessage
	if err := envelope.DecodeData(data, &raw); err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(raw))
	for _, r := range raw {
		peers = append(peers, peerID(r))
	}
	return peers, nil
}

// peerID coerces a JSON string or number to its string form.
func peerID(r json.RawMessage) string {
	r = bytes.TrimSpace(r)
	var s string
	if len(r) > 0 && r[0] == '"' && json.Unmarshal(r, &s) == nil {
		return s
	}
	return string(r)
}

// Close removes the transport handlers and every local listener.
func (m *IPC) Close() error {
	m.closeOnce.Do(func() {
		for _, remove := range m.removers {
			remove()
		}
		m.RemoveAllListeners()
	})
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
