package session

import "context"

// Transport delivers JSON-RPC messages to a capability server and
// returns correlated responses. Implementations exist for stdio
// subprocesses, HTTP endpoints, and WebSocket endpoints.
//
// Send must match the returned Response to the Request's ID; stream
// transports do this with a pending-call table fed by a read pump, so
// concurrent in-flight requests on one transport are answered in
// whatever order the server completes them. A response arriving after
// its caller gave up is dropped by the pump (logged at trace level),
// never delivered to a later call.
type Transport interface {
	// Send delivers a request and blocks until the matching response
	// arrives, ctx is done, or the transport fails.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the underlying channel. Idempotent.
	Close() error
}
