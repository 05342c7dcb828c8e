// ABOUTME: Tests for frame parsing, subscription keys and payload decoding.
// ABOUTME: Covers malformed frames, canonical keys and single-mode direct assignment.

package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame_RejectsMalformed(t *testing.T) {
	frames := []string{
		`{}`,
		`null`,
		`{"action":1}`,
		`{"action":null}`,
		`[]`,
		`not json`,
		`{"action":"x","to":1}`,
	}
	for _, f := range frames {
		env, ok := ParseFrame([]byte(f))
		assert.False(t, ok, "frame %s should be dropped", f)
		assert.Nil(t, env)
	}
}

func TestParseFrame_Valid(t *testing.T) {
	env, ok := ParseFrame([]byte(`{"action":"x","data":{"a":1},"to":"agent","receiverPid":"12","receiverWorkerId":"12"}`))
	require.True(t, ok)
	assert.Equal(t, "x", env.Action)
	assert.Equal(t, ToAgent, env.To)
	assert.Equal(t, "12", env.Receiver())
	assert.JSONEq(t, `{"a":1}`, string(env.Data))
}

func TestParseFrame_NullDataIsNil(t *testing.T) {
	env, ok := ParseFrame([]byte(`{"action":"x","data":null}`))
	require.True(t, ok)
	assert.Nil(t, env.Data)
}

func TestFrame_KeepsReceiverFieldsIdentical(t *testing.T) {
	b, err := Frame("hello", map[string]int{"a": 1}, "", "42")
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "42", m["receiverPid"])
	assert.Equal(t, "42", m["receiverWorkerId"])
	assert.NotContains(t, m, "to")
}

func TestSubscriptionKey_Canonical(t *testing.T) {
	type info struct {
		DataID string `json:"dataId"`
		Group  string `json:"group"`
	}
	k1, err := SubscriptionKey(info{DataID: "foo", Group: "g"})
	require.NoError(t, err)
	k2, err := SubscriptionKey(map[string]any{"group": "g", "dataId": "foo"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, `{"dataId":"foo","group":"g"}`, k1)
}

func TestDecodeData(t *testing.T) {
	t.Run("assigns same-typed pointer", func(t *testing.T) {
		req := &InvokeRequest{Opaque: 3, Method: "getData"}
		var out InvokeRequest
		require.NoError(t, DecodeData(req, &out))
		assert.Equal(t, int32(3), out.Opaque)
	})

	t.Run("unmarshals raw json", func(t *testing.T) {
		var out InvokeResponse
		require.NoError(t, DecodeData(json.RawMessage(`{"opaque":1,"success":true,"data":"world"}`), &out))
		assert.True(t, out.Success)
		assert.Equal(t, "world", out.Data)
	})

	t.Run("round-trips foreign types", func(t *testing.T) {
		var out SubscribeChanged
		require.NoError(t, DecodeData(map[string]any{"key": "k", "value": 2}, &out))
		assert.Equal(t, "k", out.Key)
		assert.Equal(t, float64(2), out.Value)
	})

	t.Run("nil leaves target untouched", func(t *testing.T) {
		out := "keep"
		require.NoError(t, DecodeData(nil, &out))
		assert.Equal(t, "keep", out)
	})
}

func TestRole(t *testing.T) {
	r, err := ParseRole("application")
	require.NoError(t, err)
	assert.Equal(t, RoleApplication, r)
	assert.Equal(t, RoleAgent, r.Opposite())
	assert.Equal(t, ToAgent, RoleAgent.Target())

	_, err = ParseRole("master")
	assert.Error(t, err)
}
