// ABOUTME: Tests for the IPC messenger and its transports.
// ABOUTME: Uses a port pair as a stand-in for the master end of the channel.

package messenger

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/metrics"
)

// fakeMaster records frames sent by a worker and can inject frames back.
type fakeMaster struct {
	port   *Port
	frames chan map[string]any
}

func newFakeMaster(t *testing.T) (*fakeMaster, *Port) {
	t.Helper()
	masterEnd, workerEnd := NewPortPair()
	fm := &fakeMaster{port: masterEnd, frames: make(chan map[string]any, 32)}
	masterEnd.OnMessage(func(frame []byte) {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err == nil {
			fm.frames <- m
		}
	})
	t.Cleanup(func() {
		_ = masterEnd.Close()
		_ = workerEnd.Close()
	})
	return fm, workerEnd
}

func (fm *fakeMaster) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-fm.frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (fm *fakeMaster) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-fm.frames:
		t.Fatalf("unexpected frame: %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func (fm *fakeMaster) inject(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, fm.port.Send([]byte(frame)))
}

func newIPC(t *testing.T, role envelope.Role) (*IPC, *fakeMaster) {
	t.Helper()
	fm, port := newFakeMaster(t)
	m, err := NewIPC(IPCOptions{Role: role, PID: "7", Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, fm
}

func TestIPC_BroadcastSendsAppAndAgent(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleApplication)

	m.Broadcast("hello", 1)

	assert.Equal(t, "app", fm.next(t)["to"])
	assert.Equal(t, "agent", fm.next(t)["to"])
}

func TestIPC_SendToCarriesBothReceiverFields(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleAgent)

	m.SendTo("42", "direct", map[string]string{"k": "v"})

	f := fm.next(t)
	assert.Equal(t, "direct", f["action"])
	assert.Equal(t, "42", f["receiverPid"])
	assert.Equal(t, "42", f["receiverWorkerId"])
	assert.NotContains(t, f, "to")
}

func TestIPC_SendHelpersAndDefaults(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleApplication)

	m.SendToApp("a", nil)
	assert.Equal(t, "app", fm.next(t)["to"])

	m.SendToAgent("b", nil)
	assert.Equal(t, "agent", fm.next(t)["to"])

	m.Send("c", nil, "")
	assert.Equal(t, "agent", fm.next(t)["to"])
}

func TestIPC_SendRandomWithoutPeersIsNoop(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleAgent)

	m.SendRandom("x", nil)
	fm.none(t)
}

func TestIPC_PeersReplacedOnEggPids(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleAgent)
	updated := make(chan any, 2)
	m.On(envelope.ActionPids, func(d any) { updated <- d })

	fm.inject(t, `{"action":"egg-pids","data":[11,"12"]}`)
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("egg-pids not delivered")
	}
	assert.Equal(t, []string{"11", "12"}, m.Peers())

	m.SendRandom("x", nil)
	f := fm.next(t)
	assert.Contains(t, []any{"11", "12"}, f["receiverWorkerId"])

	fm.inject(t, `{"action":"egg-pids","data":["13"]}`)
	<-updated
	assert.Equal(t, []string{"13"}, m.Peers())
}

func TestIPC_DeliversInboundToListeners(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleApplication)
	got := make(chan any, 1)
	m.On("x", func(d any) { got <- d })

	fm.inject(t, `{"action":"x","data":{"a":1}}`)

	select {
	case d := <-got:
		var out map[string]int
		require.NoError(t, envelope.DecodeData(d, &out))
		assert.Equal(t, map[string]int{"a": 1}, out)
	case <-time.After(time.Second):
		t.Fatal("not delivered")
	}
}

func TestIPC_MalformedInputEmitsNothing(t *testing.T) {
	m, _ := newIPC(t, envelope.RoleApplication)

	emitted := 0
	for _, action := range []string{"", "1", "null", "undefined"} {
		m.On(action, func(any) { emitted++ })
	}
	before := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("app"))

	for _, frame := range []string{`{}`, `null`, `{"action":1}`} {
		m.handleFrame([]byte(frame))
	}

	assert.Equal(t, 0, emitted)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("app")))
}

func TestIPC_ListensOnProcessAndPort(t *testing.T) {
	procMaster, procWorker := NewPortPair()
	portMaster, portWorker := NewPortPair()
	defer procMaster.Close()
	defer portMaster.Close()

	m, err := NewIPC(IPCOptions{Role: envelope.RoleApplication, Process: procWorker, Port: portWorker})
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 2)
	m.On("x", func(d any) {
		var s string
		_ = envelope.DecodeData(d, &s)
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		done <- struct{}{}
	})

	require.NoError(t, procMaster.Send([]byte(`{"action":"x","data":"process"}`)))
	require.NoError(t, portMaster.Send([]byte(`{"action":"x","data":"port"}`)))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"process", "port"}, seen)
}

func TestIPC_CloseDetachesFromTransport(t *testing.T) {
	m, fm := newIPC(t, envelope.RoleApplication)
	got := make(chan any, 1)
	m.On("x", func(d any) { got <- d })

	require.NoError(t, m.Close())
	fm.inject(t, `{"action":"x"}`)

	select {
	case <-got:
		t.Fatal("delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamChannel_RoundTrip(t *testing.T) {
	inR, inW := io.Pipe()
	var out bytes.Buffer
	var outMu sync.Mutex

	ch := NewStreamChannel(inR, writerFunc(func(p []byte) (int, error) {
		outMu.Lock()
		defer outMu.Unlock()
		return out.Write(p)
	}), nil)

	got := make(chan []byte, 2)
	ch.OnMessage(func(f []byte) { got <- f })

	go func() {
		_, _ = inW.Write([]byte("{\"action\":\"a\"}\n\n{\"action\":\"b\"}\n"))
		_ = inW.Close()
	}()

	assert.JSONEq(t, `{"action":"a"}`, string(<-got))
	assert.JSONEq(t, `{"action":"b"}`, string(<-got))
	<-ch.Done()

	require.NoError(t, ch.Send([]byte(`{"action":"c"}`)))
	outMu.Lock()
	assert.Equal(t, "{\"action\":\"c\"}\n", out.String())
	outMu.Unlock()

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send([]byte(`{}`)), ErrChannelClosed)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
