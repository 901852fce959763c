package session

import (
	"fmt"
	"time"
)

// ConnectError reports a failed channel setup or protocol handshake.
// The client is left in its terminal state; other clients are
// unaffected.
type ConnectError struct {
	// Client is the capability server name.
	Client string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Client, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error { return e.Err }

// Kind returns the taxonomy label for this error.
func (e *ConnectError) Kind() string { return "connect_error" }

// TimeoutError reports a single request that exceeded its deadline.
// The session remains usable; the timed-out call's correlation slot is
// settled by the read pump when (if) the late response arrives.
type TimeoutError struct {
	// Client is the capability server name.
	Client string
	// Method is the JSON-RPC method that timed out.
	Method string
	// Timeout is the deadline that was exceeded, if known.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: %s timed out after %s", e.Client, e.Method, e.Timeout)
	}
	return fmt.Sprintf("%s: %s timed out", e.Client, e.Method)
}

// Kind returns the taxonomy label for this error.
func (e *TimeoutError) Kind() string { return "timeout_error" }

// TransportError reports a session-level fault: the channel itself
// failed (broken pipe, dead subprocess, malformed framing). It marks
// the client degraded; health probes decide whether the session
// recovers or is closed.
type TransportError struct {
	// Client is the capability server name.
	Client string
	// Op describes what the session was doing when the fault occurred.
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport fault during %s: %v", e.Client, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Kind returns the taxonomy label for this error.
func (e *TransportError) Kind() string { return "transport_error" }
