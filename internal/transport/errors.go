package transport

import "fmt"

// NodeError reports a failed request to a storage node. Status is the HTTP
// status code, or 0 when the request never produced a response.
type NodeError struct {
	Op     string // Op is the logical operation, e.g. "store sliver"
	Status int    // Status is the HTTP status code, 0 if none
	Err    error  // Err is the underlying cause
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: node returned status %d: %v", e.Op, e.Status, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *NodeError) Unwrap() error {
	return e.Err
}
