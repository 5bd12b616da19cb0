package portal

import "fmt"

// TransportError wraps a network or server-side failure. The cycle aborts
// on it and the next scheduled trigger retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("portal: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
