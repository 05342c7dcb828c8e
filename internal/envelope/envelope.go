// ABOUTME: Wire envelope exchanged between master, agent and application workers.
// ABOUTME: Defines routing targets, well-known actions and frame parsing.

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Target is the routing hint carried by a broadcast-style envelope.
type Target string

const (
	ToApp         Target = "app"
	ToAgent       Target = "agent"
	ToBoth        Target = "both"
	ToOpposite    Target = "opposite"
	ToApplication Target = "application"
	// ToMaster addresses the supervisor itself (worker start notifications).
	ToMaster Target = "master"
)

// Well-known actions consumed by the cluster core.
const (
	ActionPids         = "egg-pids"
	ActionReady        = "egg-ready"
	ActionAgentStart   = "agent-start"
	ActionAgentRestart = "agent_restart"
	ActionAppStart     = "app-start"
)

// Envelope is the message shape that crosses process boundaries.
// Either To or a receiver id is set; ReceiverPid and ReceiverWorkerID are
// always kept identical for older supervisors that only read receiverPid.
type Envelope struct {
	Action           string          `json:"action"`
	Data             json.RawMessage `json:"data,omitempty"`
	To               Target          `json:"to,omitempty"`
	From             string          `json:"from,omitempty"`
	ReceiverPid      string          `json:"receiverPid,omitempty"`
	ReceiverWorkerID string          `json:"receiverWorkerId,omitempty"`
}

// Receiver returns the point-to-point receiver id, if any.
func (e *Envelope) Receiver() string {
	if e.ReceiverWorkerID != "" {
		return e.ReceiverWorkerID
	}
	return e.ReceiverPid
}

// outbound mirrors Envelope but carries an unencoded payload.
type outbound struct {
	Action           string `json:"action"`
	Data             any    `json:"data,omitempty"`
	To               Target `json:"to,omitempty"`
	From             string `json:"from,omitempty"`
	ReceiverPid      string `json:"receiverPid,omitempty"`
	ReceiverWorkerID string `json:"receiverWorkerId,omitempty"`
}

// Frame encodes an envelope for the wire. Data may be any JSON-serializable
// value, including a json.RawMessage that was received from another worker.
func Frame(action string, data any, to Target, receiver string) ([]byte, error) {
	b, err := json.Marshal(outbound{
		Action:           action,
		Data:             data,
		To:               to,
		ReceiverPid:      receiver,
		ReceiverWorkerID: receiver,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", action, err)
	}
	return b, nil
}

// Marshal encodes a decoded envelope back into a frame, used by the
// supervisor when it relays.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseFrame decodes a wire frame. It reports ok=false for anything that is
// not an object with a string action; such frames are dropped by callers.
func ParseFrame(frame []byte) (*Envelope, bool) {
	var raw struct {
		Action           json.RawMessage `json:"action"`
		Data             json.RawMessage `json:"data"`
		To               Target          `json:"to"`
		From             string          `json:"from"`
		ReceiverPid      string          `json:"receiverPid"`
		ReceiverWorkerID string          `json:"receiverWorkerId"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, false
	}
	action := bytes.TrimSpace(raw.Action)
	if len(action) == 0 || action[0] != '"' {
		return nil, false
	}
	var name string
	if err := json.Unmarshal(action, &name); err != nil {
		return nil, false
	}
	if bytes.Equal(bytes.TrimSpace(raw.Data), []byte("null")) {
		raw.Data = nil
	}
	return &Envelope{
		Action:           name,
		Data:             raw.Data,
		To:               raw.To,
		From:             raw.From,
		ReceiverPid:      raw.ReceiverPid,
		ReceiverWorkerID: raw.ReceiverWorkerID,
	}, true
}
