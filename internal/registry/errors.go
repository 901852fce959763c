package registry

import "fmt"

// ClientUnavailableError is returned when an operation targets a
// client that is not in a serviceable state. The dispatch path returns
// it before any network activity happens.
type ClientUnavailableError struct {
	Client string
	State  State
	Reason string
}

func (e *ClientUnavailableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("client %q unavailable (%s): %s", e.Client, e.State, e.Reason)
	}
	return fmt.Sprintf("client %q unavailable (%s)", e.Client, e.State)
}

// Kind identifies this error class in structured output.
func (e *ClientUnavailableError) Kind() string { return "client_unavailable" }
