// ABOUTME: Errors produced by worker client invocations and construction.
// ABOUTME: Timeouts and remote failures are typed so callers can errors.As them.

package workerclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingName is returned when a client is constructed without a name.
	ErrMissingName = errors.New("workerclient: name is required")
	// ErrMissingApp is returned when a client is constructed without an app.
	ErrMissingApp = errors.New("workerclient: app is required")
	// ErrDuplicateClientName is returned when a second client claims a name
	// already used in the same process.
	ErrDuplicateClientName = errors.New("workerclient: client name already in use")
	// ErrMissingClient is returned when an agent-side server has no real client.
	ErrMissingClient = errors.New("workerclient: real client is required")
	// ErrUnknownMethod is reported back to callers invoking a method the real
	// client does not implement.
	ErrUnknownMethod = errors.New("workerclient: unknown method")
)

// AgentWorkerRequestTimeoutError reports an invocation that received no
// response within the client's response timeout.
type AgentWorkerRequestTimeoutError struct {
	ClientName string
	Method     string
	Opaque     int32
	Timeout    time.Duration
}

// Name returns the error's stable name.
func (e *AgentWorkerRequestTimeoutError) Name() string {
	return "AgentWorkerRequestTimeoutError"
}

func (e *AgentWorkerRequestTimeoutError) Error() string {
	return fmt.Sprintf("%s: agent worker no response in %s, client %q method %q opaque %d",
		e.Name(), e.Timeout, e.ClientName, e.Method, e.Opaque)
}

// RemoteError is a failure raised by the real client in the agent, rebuilt
// from the response envelope. Stack is the agent-side stack when one was
// captured.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}
