// ABOUTME: Tests for the worker lifecycle shim: ready guard, client name registry,
// ABOUTME: single-mode boot order and worker clients wired through both roles.

package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/config"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
	"github.com/2389/egg/internal/workerclient"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.ResponseTimeout = time.Second
	cfg.ClusterClient.ResponseTimeout = time.Second
	return cfg
}

type echoClient struct{}

func (echoClient) Invoke(_ context.Context, method string, args []any) (any, error) {
	if method == "echo" {
		return args[0], nil
	}
	return nil, errors.New("unknown")
}

func (echoClient) Subscribe(any, func(any)) error { return nil }

func newSingleWorkers(t *testing.T) (*Worker, *Worker, *lockedBuffer) {
	t.Helper()
	logger, logs := testLogger()
	pair := messenger.NewPair()
	hub := clusterclient.NewHub()
	t.Cleanup(pair.Close)

	mk := func(role envelope.Role) *Worker {
		w, err := New(Options{Role: role, Mode: messenger.ModeSingle, Pair: pair, Hub: hub, Config: testConfig(), Logger: logger})
		require.NoError(t, err)
		t.Cleanup(func() { _ = w.Close() })
		return w
	}
	return mk(envelope.RoleAgent), mk(envelope.RoleApplication), logs
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{Role: envelope.RoleAgent, Mode: messenger.ModeSingle})
	assert.ErrorIs(t, err, messenger.ErrNoPair)

	_, err = New(Options{Role: envelope.RoleAgent, Mode: messenger.ModeCluster})
	assert.ErrorIs(t, err, messenger.ErrNoChannel)
}

func TestAgentMessenger_WarnsUntilReady(t *testing.T) {
	agent, app, logs := newSingleWorkers(t)

	agent.Messenger().SendToApp("early", 1)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "agent can't call sendToApp before server started")
	}, time.Second, time.Millisecond)

	// The call still went through.
	got := make(chan any, 1)
	app.Messenger().On("early2", func(v any) { got <- v })
	agent.Messenger().SendToApp("early2", 2)
	select {
	case v := <-got:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("message sent before ready was dropped")
	}

	agent.raw.Broadcast(envelope.ActionReady, nil)
	require.NoError(t, agent.WaitReady(t.Context()))

	before := strings.Count(logs.String(), "before server started")
	agent.Messenger().SendToApp("late", 3)
	agent.Messenger().Broadcast("late", 3)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, strings.Count(logs.String(), "before server started"))
}

func TestAppMessenger_IsNotGuarded(t *testing.T) {
	_, app, logs := newSingleWorkers(t)

	app.Messenger().SendToAgent("x", nil)
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, logs.String(), "before server started")
}

func TestWaitReady_HonoursContext(t *testing.T) {
	_, app, _ := newSingleWorkers(t)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, app.WaitReady(ctx), context.DeadlineExceeded)
}

func TestClientNames_AreUniquePerWorker(t *testing.T) {
	agent, app, _ := newSingleWorkers(t)

	assert.True(t, app.ClaimClientName("a"))
	assert.False(t, app.ClaimClientName("a"))
	assert.True(t, agent.ClaimClientName("a"))
	app.ReleaseClientName("a")
	assert.True(t, app.ClaimClientName("a"))
}

func TestWorkerClients_RoleRestrictions(t *testing.T) {
	agent, app, _ := newSingleWorkers(t)

	_, err := agent.AppWorkerClient("x")
	assert.ErrorIs(t, err, ErrWrongRole)
	_, err = app.ServeAgentWorkerClient("x", echoClient{})
	assert.ErrorIs(t, err, ErrWrongRole)

	_, err = agent.ServeAgentWorkerClient("x", echoClient{})
	require.NoError(t, err)
	_, err = agent.ServeAgentWorkerClient("x", echoClient{})
	assert.ErrorIs(t, err, workerclient.ErrDuplicateClientName)

	_, err = app.AppWorkerClient("x")
	require.NoError(t, err)
	_, err = app.AppWorkerClient("x")
	assert.ErrorIs(t, err, workerclient.ErrDuplicateClientName)
}

func TestWorkerClients_RoundTripBetweenRoles(t *testing.T) {
	agent, app, _ := newSingleWorkers(t)

	_, err := agent.ServeAgentWorkerClient("echo", echoClient{})
	require.NoError(t, err)
	c, err := app.AppWorkerClient("echo")
	require.NoError(t, err)

	got, err := c.Invoke(t.Context(), "echo", []any{"hi"}, workerclient.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestClusterClients_FollowLeaderInSingleMode(t *testing.T) {
	agent, app, _ := newSingleWorkers(t)

	assert.True(t, agent.ClusterClients().Options().IsLeader)
	assert.False(t, app.ClusterClients().Options().IsLeader)
	assert.True(t, app.ClusterClients().Options().SingleMode)

	_, err := agent.ClusterClients().Create("echo", func() (clusterclient.Client, error) { return echoClient{}, nil })
	require.NoError(t, err)
	follower, err := app.ClusterClients().Create("echo", nil)
	require.NoError(t, err)

	got, err := follower.Invoke(t.Context(), "echo", []any{"via leader"})
	require.NoError(t, err)
	assert.Equal(t, "via leader", got)
}

func TestStarted_AnnouncesToMaster(t *testing.T) {
	master, workerPort := messenger.NewPortPair()
	t.Cleanup(func() {
		_ = master.Close()
		_ = workerPort.Close()
	})

	frames := make(chan *envelope.Envelope, 4)
	master.OnMessage(func(frame []byte) {
		if env, ok := envelope.ParseFrame(frame); ok {
			frames <- env
		}
	})

	w, err := New(Options{Role: envelope.RoleAgent, Mode: messenger.ModeCluster, PID: "7", Port: workerPort, Config: testConfig()})
	require.NoError(t, err)
	defer w.Close()

	w.Started()
	select {
	case env := <-frames:
		assert.Equal(t, envelope.ActionAgentStart, env.Action)
		assert.Equal(t, envelope.ToMaster, env.To)
	case <-time.After(time.Second):
		t.Fatal("master never heard agent-start")
	}
}

func TestStartSingle_BootOrderAndReady(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) BootFunc {
		return func(_ context.Context, w *Worker) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if w.Role() == envelope.RoleAgent {
				_, err := w.ServeAgentWorkerClient("echo", echoClient{})
				return err
			}
			return nil
		}
	}

	s, err := StartSingle(t.Context(), testConfig(), Boot{Agent: record("agent"), App: record("app")}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"agent", "app"}, order)
	select {
	case <-s.Agent.Ready():
	case <-time.After(time.Second):
		t.Fatal("agent never saw egg-ready")
	}
	select {
	case <-s.App.Ready():
	default:
		t.Fatal("app not ready after StartSingle returned")
	}

	c, err := s.App.AppWorkerClient("echo")
	require.NoError(t, err)
	got, err := c.Invoke(t.Context(), "echo", []any{1}, workerclient.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestStartSingle_BootFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := StartSingle(t.Context(), testConfig(), Boot{
		Agent: func(context.Context, *Worker) error { return boom },
	}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRunProcess_ExitsWhenMasterGone(t *testing.T) {
	_, workerPort := messenger.NewPortPair()
	done := make(chan struct{})
	booted := make(chan *Worker, 1)

	errc := make(chan error, 1)
	go func() {
		errc <- RunProcess(t.Context(), Options{
			Role:   envelope.RoleApplication,
			Mode:   messenger.ModeCluster,
			PID:    "9",
			Port:   workerPort,
			Config: testConfig(),
		}, Boot{App: func(_ context.Context, w *Worker) error {
			booted <- w
			return nil
		}}, done)
	}()

	select {
	case w := <-booted:
		assert.Equal(t, envelope.RoleApplication, w.Role())
	case <-time.After(time.Second):
		t.Fatal("worker never booted")
	}
	close(done)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunProcess did not return")
	}
}
