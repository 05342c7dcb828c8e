// ABOUTME: Payload shapes for worker client invoke and subscribe traffic.
// ABOUTME: Also provides canonical subscription keys and payload decoding.

package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// InvokeRequest is sent by an application worker to call a method on the
// real client living in the agent.
type InvokeRequest struct {
	Opaque int32  `json:"opaque"`
	Method string `json:"method"`
	Args   []any  `json:"args"`
	Pid    string `json:"pid"`
	Oneway bool   `json:"oneway"`
}

// InvokeResponse answers an InvokeRequest with the same opaque.
type InvokeResponse struct {
	Opaque       int32  `json:"opaque"`
	Success      bool   `json:"success"`
	Data         any    `json:"data,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`
}

// SubscribeRequest announces interest in pushes for Key.
type SubscribeRequest struct {
	Key  string `json:"key"`
	Info any    `json:"info"`
	Pid  string `json:"pid"`
}

// SubscribeChanged pushes a new value for a subscribed key.
type SubscribeChanged struct {
	Key   string `json:"key"`
	Info  any    `json:"info"`
	Value any    `json:"value"`
}

// SubscriptionKey returns a deterministic key for a subscription info value.
// Structs and maps describing the same data produce the same key because the
// value is normalized to generic JSON, whose object keys marshal sorted.
func SubscriptionKey(info any) (string, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encoding subscription info: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return "", fmt.Errorf("normalizing subscription info: %w", err)
	}
	b, err = json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("encoding subscription info: %w", err)
	}
	return string(b), nil
}

// DecodeData fills out (a non-nil pointer) from an event payload.
//
// In single mode payloads are handed over as Go values and are assigned
// directly when their type matches; payloads that crossed a process boundary
// arrive as json.RawMessage and are unmarshaled.
func DecodeData(data any, out any) error {
	if data == nil {
		return nil
	}
	switch v := data.(type) {
	case json.RawMessage:
		return json.Unmarshal(v, out)
	case []byte:
		return json.Unmarshal(v, out)
	}

	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	elem := dst.Elem()
	src := reflect.ValueOf(data)
	if src.Type().AssignableTo(elem.Type()) {
		elem.Set(src)
		return nil
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(elem.Type()) {
		elem.Set(src.Elem())
		return nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return json.Unmarshal(b, out)
}
