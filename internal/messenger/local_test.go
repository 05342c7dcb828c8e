// ABOUTME: Tests for the single-process messenger.
// ABOUTME: Validates role routing, self-addressed sendTo, deferral and close.

package messenger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/egg/internal/envelope"
)

func newLocalPair(t *testing.T) (*Pair, *Local, *Local) {
	t.Helper()
	pair := NewPair()
	t.Cleanup(pair.Close)
	agent := NewLocal(envelope.RoleAgent, pair, "100", nil)
	app := NewLocal(envelope.RoleApplication, pair, "100", nil)
	return pair, agent, app
}

// collect forwards every emission of action on m into a channel.
func collect(m Messenger, action string) chan any {
	ch := make(chan any, 16)
	m.On(action, func(data any) { ch <- data })
	return ch
}

func expectOne(t *testing.T, ch chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectNone(t *testing.T, ch chan any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected message: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocal_SendToAgentOnlyReachesAgent(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	app.SendToAgent("x", map[string]int{"a": 1})

	assert.Equal(t, map[string]int{"a": 1}, expectOne(t, agentCh))
	expectNone(t, appCh)
}

func TestLocal_SendToAppOnlyReachesApp(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	agent.SendToApp("x", "hi")

	assert.Equal(t, "hi", expectOne(t, appCh))
	expectNone(t, agentCh)
}

func TestLocal_BroadcastReachesBoth(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	app.Broadcast("x", 1)

	expectOne(t, agentCh)
	expectOne(t, appCh)
}

func TestLocal_SendRandomGoesToOpposite(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	agent.SendRandom("x", "from-agent")
	assert.Equal(t, "from-agent", expectOne(t, appCh))
	expectNone(t, agentCh)

	app.SendRandom("x", "from-app")
	assert.Equal(t, "from-app", expectOne(t, agentCh))
	expectNone(t, appCh)
}

func TestLocal_SendToMatchesOwnPid(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	app.SendTo("999", "x", "nobody")
	expectNone(t, agentCh)
	expectNone(t, appCh)

	app.SendTo("100", "x", "self")
	expectOne(t, agentCh)
	expectOne(t, appCh)
}

func TestLocal_DefaultTargetIsOpposite(t *testing.T) {
	_, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")
	appCh := collect(app, "x")

	app.Send("x", 1, "")
	expectOne(t, agentCh)
	expectNone(t, appCh)

	agent.Send("x", 2, "")
	expectOne(t, appCh)
	expectNone(t, agentCh)
}

func TestLocal_DeliveryIsDeferred(t *testing.T) {
	_, agent, app := newLocalPair(t)
	delivered := make(chan struct{})
	agent.On("x", func(any) { close(delivered) })

	block := make(chan struct{})
	// Occupy the loop so the send below cannot be delivered inline.
	app.parent.queue.push(func() { <-block })
	app.SendToAgent("x", nil)

	select {
	case <-delivered:
		t.Fatal("delivered synchronously")
	default:
	}
	close(block)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("never delivered")
	}
}

func TestLocal_PreservesSendOrder(t *testing.T) {
	_, agent, app := newLocalPair(t)
	ch := collect(agent, "seq")

	for i := 0; i < 10; i++ {
		app.SendToAgent("seq", i)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, expectOne(t, ch))
	}
}

func TestLocal_AbsentRoleIsSkipped(t *testing.T) {
	pair := NewPair()
	defer pair.Close()
	app := NewLocal(envelope.RoleApplication, pair, "1", nil)
	appCh := collect(app, "x")

	assert.NotPanics(t, func() { app.SendToAgent("x", nil) })
	app.Broadcast("x", "still-me")
	assert.Equal(t, "still-me", expectOne(t, appCh))
}

func TestLocal_CloseStopsDelivery(t *testing.T) {
	pair, agent, app := newLocalPair(t)
	agentCh := collect(agent, "x")

	require.NoError(t, agent.Close())
	assert.Nil(t, pair.Agent())

	app.SendToAgent("x", nil)
	expectNone(t, agentCh)
}

func TestNew_SelectsVariant(t *testing.T) {
	pair := NewPair()
	defer pair.Close()

	m, err := New(Options{Mode: ModeSingle, Role: envelope.RoleAgent, Pair: pair})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, m)

	_, err = New(Options{Mode: ModeSingle})
	assert.ErrorIs(t, err, ErrNoPair)

	a, _ := NewPortPair()
	m, err = New(Options{Mode: ModeCluster, Role: envelope.RoleApplication, Port: a})
	require.NoError(t, err)
	assert.IsType(t, &IPC{}, m)

	_, err = New(Options{Mode: ModeCluster})
	assert.ErrorIs(t, err, ErrNoChannel)
}
