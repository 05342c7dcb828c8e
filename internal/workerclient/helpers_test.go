// ABOUTME: Test doubles for worker client tests: a recording messenger and app.
// ABOUTME: The messenger records sends and lets tests inject inbound events.

package workerclient

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/events"
	"github.com/2389/egg/internal/messenger"
)

type sent struct {
	action   string
	data     any
	to       envelope.Target
	receiver string
}

// recordingMessenger implements messenger.Messenger without a transport.
type recordingMessenger struct {
	*events.Emitter
	pid string

	mu     sync.Mutex
	sent   []sent
	onSend func(s sent)
}

func newRecordingMessenger(pid string) *recordingMessenger {
	return &recordingMessenger{Emitter: events.NewEmitter(nil), pid: pid}
}

func (m *recordingMessenger) record(s sent) messenger.Messenger {
	m.mu.Lock()
	m.sent = append(m.sent, s)
	hook := m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return m
}

func (m *recordingMessenger) PID() string { return m.pid }

func (m *recordingMessenger) Broadcast(action string, data any) messenger.Messenger {
	return m.record(sent{action: action, data: data, to: envelope.ToBoth})
}

func (m *recordingMessenger) SendTo(id, action string, data any) messenger.Messenger {
	return m.record(sent{action: action, data: data, receiver: id})
}

func (m *recordingMessenger) SendRandom(action string, data any) messenger.Messenger {
	return m.record(sent{action: action, data: data, to: envelope.ToOpposite})
}

func (m *recordingMessenger) SendToApp(action string, data any) messenger.Messenger {
	return m.record(sent{action: action, data: data, to: envelope.ToApp})
}

func (m *recordingMessenger) SendToAgent(action string, data any) messenger.Messenger {
	return m.record(sent{action: action, data: data, to: envelope.ToAgent})
}

func (m *recordingMessenger) Send(action string, data any, to envelope.Target) messenger.Messenger {
	return m.record(sent{action: action, data: data, to: to})
}

func (m *recordingMessenger) Close() error {
	m.RemoveAllListeners()
	return nil
}

func (m *recordingMessenger) setOnSend(fn func(s sent)) {
	m.mu.Lock()
	m.onSend = fn
	m.mu.Unlock()
}

// sentWith returns every recorded send of action.
func (m *recordingMessenger) sentWith(action string) []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sent
	for _, s := range m.sent {
		if s.action == action {
			out = append(out, s)
		}
	}
	return out
}

// waitSent polls until n sends of action were recorded.
func (m *recordingMessenger) waitSent(t *testing.T, action string, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := m.sentWith(action); len(s) >= n {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d sends of %s, got %d", n, action, len(m.sentWith(action)))
	return nil
}

type fakeApp struct {
	msg   messenger.Messenger
	mu    sync.Mutex
	names map[string]struct{}
}

func newFakeApp(msg messenger.Messenger) *fakeApp {
	return &fakeApp{msg: msg, names: make(map[string]struct{})}
}

func (a *fakeApp) Messenger() messenger.Messenger { return a.msg }

func (a *fakeApp) ClaimClientName(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.names[name]; ok {
		return false
	}
	a.names[name] = struct{}{}
	return true
}

func (a *fakeApp) ReleaseClientName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.names, name)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}
