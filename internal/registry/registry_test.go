// ABOUTME: Tests for the SQLite registry: storage, subscriptions and sharing it
// ABOUTME: between a leader and a follower through the cluster client.

package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/egg/internal/clusterclient"
	"github.com/2389/egg/internal/envelope"
	"github.com/2389/egg/internal/messenger"
)

func newTestRegistry(t *testing.T) (*Client, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, path
}

type values struct {
	mu  sync.Mutex
	got []any
}

func (v *values) add(x any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.got = append(v.got, x)
}

func (v *values) all() []any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]any(nil), v.got...)
}

func TestOpen_CreatesDatabase(t *testing.T) {
	_, path := newTestRegistry(t)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestPublishAndGet(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	v, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)

	require.NoError(t, c.Publish(ctx, "svc", map[string]any{"host": "10.0.0.1", "port": 8080}))
	v, ok, err = c.Get(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, ok)
	// Values round-trip through JSON, so numbers come back as float64.
	assert.Equal(t, map[string]any{"host": "10.0.0.1", "port": float64(8080)}, v)

	require.NoError(t, c.Publish(ctx, "svc", "replaced"))
	v, _, err = c.Get(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "replaced", v)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Publish(context.Background(), "k", "v"))
	require.NoError(t, c.Close())

	c, err = Open(path, nil)
	require.NoError(t, err)
	defer c.Close()
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestInvoke_Methods(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := c.Invoke(ctx, "publish", []any{"b", 1})
	require.NoError(t, err)
	_, err = c.Invoke(ctx, "publish", []any{"a", 2})
	require.NoError(t, err)

	keys, err := c.Invoke(ctx, "keys", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, keys)

	v, err := c.Invoke(ctx, "getData", []any{"a"})
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	_, err = c.Invoke(ctx, "delete", []any{"a"})
	require.NoError(t, err)
	v, err = c.Invoke(ctx, "getData", []any{"a"})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestInvoke_Errors(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		args   []any
		want   error
	}{
		{name: "unknown method", method: "drop", want: ErrUnknownMethod},
		{name: "publish missing value", method: "publish", args: []any{"k"}, want: ErrBadArgs},
		{name: "non-string key", method: "getData", args: []any{7}, want: ErrBadArgs},
		{name: "empty key", method: "delete", args: []any{""}, want: ErrBadArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(ctx, tt.method, tt.args)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubscribe_CurrentValueThenUpdates(t *testing.T) {
	c, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, c.Publish(ctx, "svc", "v1"))

	got := &values{}
	require.NoError(t, c.Subscribe(map[string]any{"dataId": "svc"}, got.add))
	assert.Equal(t, []any{"v1"}, got.all())

	require.NoError(t, c.Publish(ctx, "svc", "v2"))
	require.NoError(t, c.Publish(ctx, "other", "ignored"))
	require.NoError(t, c.Delete(ctx, "svc"))
	assert.Equal(t, []any{"v1", "v2", nil}, got.all())
}

func TestSubscribe_RequiresDataID(t *testing.T) {
	c, _ := newTestRegistry(t)
	err := c.Subscribe(map[string]any{"key": "svc"}, func(any) {})
	assert.ErrorIs(t, err, ErrBadArgs)
}

func TestClose_RejectsCalls(t *testing.T) {
	c, _ := newTestRegistry(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Invoke(context.Background(), "keys", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Subscribe(map[string]any{"dataId": "x"}, func(any) {}), ErrClosed)
}

func TestSharedThroughClusterClient(t *testing.T) {
	hub := clusterclient.NewHub()
	leaderMgr := clusterclient.NewManager(clusterclient.RoleOptions(envelope.RoleAgent, 0, messenger.ModeSingle, nil), hub)
	followerMgr := clusterclient.NewManager(clusterclient.RoleOptions(envelope.RoleApplication, 0, messenger.ModeSingle, nil), hub)
	t.Cleanup(func() {
		_ = followerMgr.Close()
		_ = leaderMgr.Close()
	})

	path := filepath.Join(t.TempDir(), "registry.db")
	leader, err := leaderMgr.Create(Name, func() (clusterclient.Client, error) { return Open(path, nil) })
	require.NoError(t, err)
	follower, err := followerMgr.Create(Name, nil)
	require.NoError(t, err)

	got := &values{}
	require.NoError(t, follower.Subscribe(map[string]any{"dataId": "svc"}, got.add))

	_, err = leader.Invoke(t.Context(), "publish", []any{"svc", "from agent"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		all := got.all()
		return len(all) == 1 && all[0] == "from agent"
	}, time.Second, time.Millisecond)

	v, err := follower.Invoke(t.Context(), "getData", []any{"svc"})
	require.NoError(t, err)
	assert.Equal(t, "from agent", v)
}
