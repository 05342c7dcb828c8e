// ABOUTME: Frames exchanged between leader and followers and the msgpack gRPC codec
// ABOUTME: that carries them, registered under the "msgpack" content subtype.

package clusterclient

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

const codecName = "msgpack"

// Frame kinds.
const (
	kindRegister  = "register"
	kindInvoke    = "invoke"
	kindResponse  = "response"
	kindSubscribe = "subscribe"
	kindChanged   = "changed"
	kindPing      = "ping"
	kindPong      = "pong"
)

// Frame is one message on the Connect stream. Which fields are set depends
// on Kind.
type Frame struct {
	Kind     string `msgpack:"kind"`
	ID       uint64 `msgpack:"id,omitempty"`
	Client   string `msgpack:"client,omitempty"`
	Follower string `msgpack:"follower,omitempty"`
	Method   string `msgpack:"method,omitempty"`
	Args     []any  `msgpack:"args,omitempty"`
	Key      string `msgpack:"key,omitempty"`
	Info     any    `msgpack:"info,omitempty"`
	Value    any    `msgpack:"value,omitempty"`
	Success  bool   `msgpack:"success,omitempty"`
	Error    string `msgpack:"error,omitempty"`
}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes loosely so numbers come back as int64/uint64/float64
// whatever their compact wire width.
func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return nil
}

func (msgpackCodec) Name() string { return codecName }
